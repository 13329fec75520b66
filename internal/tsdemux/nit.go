package tsdemux

import "encoding/binary"

// NIT descriptor tags used here. network_name_descriptor (0x40) is the
// standard DVB/ISDB descriptor for the network's display name.
// logical_channel_descriptor (0x83) is the private descriptor most
// terrestrial NIT profiles use to carry each service's physical channel
// number and remote-control key — there is no single standardized tag
// across all broadcast regions, so this mirrors the de-facto layout
// (service_id, physical_channel, remote_control_key) that the spec's NIT
// requirement (§4.3) calls for.
const (
	descriptorNetworkName     = 0x40
	descriptorLogicalChannel  = 0x83
	descriptorServiceListTag  = 0x41
)

// parseNIT extracts the network name and a per-service physical-channel /
// remote-control-key table from the actual-network NIT section (table_id
// 0x40), after validating the section CRC.
func (a *Analyzer) parseNIT(sec []byte) {
	if len(sec) < 3 || sec[0] != tableIDNITSelf {
		return
	}
	sectionLen := int(sec[1]&0x0F)<<8 | int(sec[2])
	total := 3 + sectionLen
	if total > len(sec) {
		return
	}
	sec = sec[:total]
	if !verifySectionCRC(sec) {
		return
	}

	// network_id(2) is sec[3:5] (the "table_id_extension" slot); reserved(1);
	// network_descriptors_length(2) at [8:10].
	const hdrLen = 10
	if len(sec) < hdrLen+2 {
		return
	}
	netDescLen := int(sec[8]&0x0F)<<8 | int(sec[9])
	pos := hdrLen
	descEnd := pos + netDescLen
	end := len(sec) - 4
	if descEnd > end {
		descEnd = end
	}

	var networkName string
	for pos+2 <= descEnd {
		tag := sec[pos]
		dLen := int(sec[pos+1])
		pos += 2
		if pos+dLen > descEnd {
			break
		}
		if tag == descriptorNetworkName {
			networkName = decodeDVBString(sec[pos : pos+dLen])
		}
		pos += dLen
	}
	pos = descEnd

	if pos+2 > end {
		return
	}
	tsLoopLen := int(sec[pos]&0x0F)<<8 | int(sec[pos+1])
	pos += 2
	tsLoopEnd := pos + tsLoopLen
	if tsLoopEnd > end {
		tsLoopEnd = end
	}

	entries := make(map[uint16]nitEntry)
	for pos+6 <= tsLoopEnd {
		// transport_stream_id(2), original_network_id(2), reserved|transport_descriptors_length(2)
		pos += 4
		tdLen := int(sec[pos]&0x0F)<<8 | int(sec[pos+1])
		pos += 2
		tdEnd := pos + tdLen
		if tdEnd > tsLoopEnd {
			tdEnd = tsLoopEnd
		}
		for pos+2 <= tdEnd {
			tag := sec[pos]
			dLen := int(sec[pos+1])
			pos += 2
			if pos+dLen > tdEnd {
				break
			}
			if tag == descriptorLogicalChannel {
				parseLogicalChannelDescriptor(sec[pos:pos+dLen], entries)
			}
			pos += dLen
		}
		pos = tdEnd
	}

	if networkName == "" && len(entries) == 0 {
		return
	}
	a.nitName = networkName
	a.nitEntries = entries
	a.nitSeen = true
}

// parseLogicalChannelDescriptor decodes repeated (service_id, remote_control_key,
// physical_channel) triples: service_id(2), remote_control_key(1),
// physical_channel(2).
func parseLogicalChannelDescriptor(d []byte, out map[uint16]nitEntry) {
	for i := 0; i+5 <= len(d); i += 5 {
		sid := binary.BigEndian.Uint16(d[i : i+2])
		rck := int(d[i+2])
		phys := int(binary.BigEndian.Uint16(d[i+3 : i+5]))
		out[sid] = nitEntry{physicalChannel: phys, remoteControlKey: rck}
	}
}

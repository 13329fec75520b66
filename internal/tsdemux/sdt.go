package tsdemux

import "encoding/binary"

const descriptorServiceTag = 0x48

// parseSDT extracts original_network_id, transport_stream_id, and each
// service's raw name and service_type from the service_descriptor loop, per
// the section layout grounded on internal/sdtprobe/sdt.go's parseSDTSection.
func (a *Analyzer) parseSDT(sec []byte) {
	if len(sec) < 3 || sec[0] != tableIDSDT {
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

	const hdrLen = 11
	if len(sec) < hdrLen+4 {
		return
	}
	tsid := binary.BigEndian.Uint16(sec[3:5])
	nid := binary.BigEndian.Uint16(sec[8:10])

	services := make(map[uint16]sdtService)
	pos := hdrLen
	end := len(sec) - 4
	for pos+5 <= end {
		svcID := binary.BigEndian.Uint16(sec[pos : pos+2])
		descLoopLen := int(sec[pos+3]&0x0F)<<8 | int(sec[pos+4])
		pos += 5
		descEnd := pos + descLoopLen
		if descEnd > end {
			descEnd = end
		}
		for pos+2 <= descEnd {
			tag := sec[pos]
			dLen := int(sec[pos+1])
			pos += 2
			if pos+dLen > descEnd {
				break
			}
			if tag == descriptorServiceTag && dLen >= 3 {
				if _, name, svcType, ok := parseServiceDescriptor(sec[pos : pos+dLen]); ok {
					services[svcID] = sdtService{serviceID: svcID, rawName: name, serviceType: svcType}
				}
			}
			pos += dLen
		}
		pos = descEnd
	}
	if len(services) == 0 {
		return
	}

	a.sdtNID = nid
	a.sdtTSID = tsid
	a.sdtSecs = services
	a.sdtSeen = true
}

// parseServiceDescriptor decodes DVB service_descriptor (tag 0x48), mirroring
// internal/sdtprobe/sdt.go's parseServiceDescriptor.
func parseServiceDescriptor(d []byte) (provider, name string, serviceType byte, ok bool) {
	if len(d) < 3 {
		return "", "", 0, false
	}
	serviceType = d[0]
	provLen := int(d[1])
	if 2+provLen+1 > len(d) {
		return "", "", 0, false
	}
	provider = decodeDVBString(d[2 : 2+provLen])
	snOff := 2 + provLen
	snLen := int(d[snOff])
	snOff++
	if snOff+snLen > len(d) {
		return "", "", 0, false
	}
	name = decodeDVBString(d[snOff : snOff+snLen])
	if name == "" {
		return "", "", 0, false
	}
	return provider, name, serviceType, true
}

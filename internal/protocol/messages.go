package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }

// putString writes a little-endian u16 length prefix followed by s's bytes.
func putString(buf []byte, s string) []byte {
	b := []byte(s)
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(b)))
	buf = append(buf, lenBuf...)
	return append(buf, b...)
}

// takeString reads a length-prefixed string starting at buf[0], returning
// the string and the remaining bytes.
func takeString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("protocol: truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, fmt.Errorf("protocol: truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

// OpenTuner is the 0x0001 C→S payload.
type OpenTuner struct {
	Path string
}

func (m OpenTuner) Marshal() []byte {
	return putString(nil, m.Path)
}

func UnmarshalOpenTuner(payload []byte) (OpenTuner, error) {
	path, _, err := takeString(payload)
	return OpenTuner{Path: path}, err
}

// GetChannelList is the 0x0010 C→S payload; Filter is empty when absent.
type GetChannelList struct {
	Filter string
}

func (m GetChannelList) Marshal() []byte {
	return putString(nil, m.Filter)
}

func UnmarshalGetChannelList(payload []byte) (GetChannelList, error) {
	if len(payload) == 0 {
		return GetChannelList{}, nil
	}
	filter, _, err := takeString(payload)
	return GetChannelList{Filter: filter}, err
}

// ChannelListItem is one entry of a 0x0011 response.
type ChannelListItem struct {
	NID  uint16
	TSID uint16
	SID  uint16
	Name string
}

// ChannelListResponse is the 0x0011 S→C payload.
type ChannelListResponse struct {
	Items     []ChannelListItem
	Timestamp int64
}

func (m ChannelListResponse) Marshal() []byte {
	buf := make([]byte, 0, 8+len(m.Items)*16)
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, uint64(m.Timestamp))
	buf = append(buf, ts...)
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(m.Items)))
	buf = append(buf, countBuf...)
	for _, it := range m.Items {
		field := make([]byte, 6)
		binary.LittleEndian.PutUint16(field[0:2], it.NID)
		binary.LittleEndian.PutUint16(field[2:4], it.TSID)
		binary.LittleEndian.PutUint16(field[4:6], it.SID)
		buf = append(buf, field...)
		buf = putString(buf, it.Name)
	}
	return buf
}

func UnmarshalChannelListResponse(payload []byte) (ChannelListResponse, error) {
	if len(payload) < 12 {
		return ChannelListResponse{}, fmt.Errorf("protocol: channel list response too short")
	}
	ts := int64(binary.LittleEndian.Uint64(payload[0:8]))
	count := binary.LittleEndian.Uint32(payload[8:12])
	buf := payload[12:]
	items := make([]ChannelListItem, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 6 {
			return ChannelListResponse{}, fmt.Errorf("protocol: truncated channel list item")
		}
		nid := binary.LittleEndian.Uint16(buf[0:2])
		tsid := binary.LittleEndian.Uint16(buf[2:4])
		sid := binary.LittleEndian.Uint16(buf[4:6])
		buf = buf[6:]
		var name string
		var err error
		name, buf, err = takeString(buf)
		if err != nil {
			return ChannelListResponse{}, err
		}
		items = append(items, ChannelListItem{NID: nid, TSID: tsid, SID: sid, Name: name})
	}
	return ChannelListResponse{Items: items, Timestamp: ts}, nil
}

// SetChannelPhysical is the 0x0101 C→S payload: a length-prefixed path
// followed by the 13-byte fixed tail (spec §6).
type SetChannelPhysical struct {
	Path      string
	Space     uint32
	Channel   uint32
	Priority  int32
	Exclusive bool
}

func (m SetChannelPhysical) Marshal() []byte {
	buf := putString(nil, m.Path)
	tail := make([]byte, 13)
	binary.LittleEndian.PutUint32(tail[0:4], m.Space)
	binary.LittleEndian.PutUint32(tail[4:8], m.Channel)
	binary.LittleEndian.PutUint32(tail[8:12], uint32(m.Priority))
	if m.Exclusive {
		tail[12] = 1
	}
	return append(buf, tail...)
}

func UnmarshalSetChannelPhysical(payload []byte) (SetChannelPhysical, error) {
	path, rest, err := takeString(payload)
	if err != nil {
		return SetChannelPhysical{}, err
	}
	if len(rest) < 13 {
		return SetChannelPhysical{}, fmt.Errorf("protocol: set_channel_physical tail too short")
	}
	return SetChannelPhysical{
		Path:      path,
		Space:     binary.LittleEndian.Uint32(rest[0:4]),
		Channel:   binary.LittleEndian.Uint32(rest[4:8]),
		Priority:  int32(binary.LittleEndian.Uint32(rest[8:12])),
		Exclusive: rest[12] != 0,
	}, nil
}

// SetChannelLogical is the 0x0102 C→S payload. HasSID distinguishes an
// absent sid (match any service on the mux) from sid 0.
type SetChannelLogical struct {
	NID    uint16
	TSID   uint16
	SID    uint16
	HasSID bool
}

func (m SetChannelLogical) Marshal() []byte {
	buf := make([]byte, 7)
	if m.HasSID {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], m.NID)
	binary.LittleEndian.PutUint16(buf[3:5], m.TSID)
	binary.LittleEndian.PutUint16(buf[5:7], m.SID)
	return buf
}

func UnmarshalSetChannelLogical(payload []byte) (SetChannelLogical, error) {
	if len(payload) < 7 {
		return SetChannelLogical{}, fmt.Errorf("protocol: set_channel_logical payload too short")
	}
	return SetChannelLogical{
		HasSID: payload[0] != 0,
		NID:    binary.LittleEndian.Uint16(payload[1:3]),
		TSID:   binary.LittleEndian.Uint16(payload[3:5]),
		SID:    binary.LittleEndian.Uint16(payload[5:7]),
	}, nil
}

// SignalLevelAck extends the generic ack with a level reading, carried only
// when Success is true (spec §6's "payload layouts are byte-exact" applies
// per message; GetSignalLevel's ack is the one that carries a value).
type SignalLevelAck struct {
	Ack
	Level float32
}

func (m SignalLevelAck) Marshal() []byte {
	buf := MarshalAck(m.Ack)
	if !m.Success {
		return buf
	}
	lvl := make([]byte, 4)
	binary.LittleEndian.PutUint32(lvl, float32bits(m.Level))
	return append(buf, lvl...)
}

func UnmarshalSignalLevelAck(payload []byte) (SignalLevelAck, error) {
	ack, err := UnmarshalAck(payload)
	if err != nil {
		return SignalLevelAck{}, err
	}
	if !ack.Success {
		return SignalLevelAck{Ack: ack}, nil
	}
	if len(payload) < 7 {
		return SignalLevelAck{}, fmt.Errorf("protocol: signal level ack missing value")
	}
	bits := binary.LittleEndian.Uint32(payload[3:7])
	return SignalLevelAck{Ack: ack, Level: float32frombits(bits)}, nil
}

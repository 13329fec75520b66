package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{Type: TypeOpenTuner, Payload: OpenTuner{Path: "/dev/tuner0"}.Marshal()}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != TypeOpenTuner {
		t.Fatalf("type = 0x%04x, want 0x%04x", got.Type, TypeOpenTuner)
	}
	m, err := UnmarshalOpenTuner(got.Payload)
	if err != nil {
		t.Fatalf("UnmarshalOpenTuner: %v", err)
	}
	if m.Path != "/dev/tuner0" {
		t.Fatalf("path = %q", m.Path)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer([]byte{'X', 'X', 'X', 'X', 0, 0, 0, 0, 0, 0})
	_, err := ReadFrame(buf)
	if err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	header := make([]byte, HeaderSize)
	copy(header[0:4], Magic[:])
	header[4] = 0xFF
	header[5] = 0xFF
	header[6] = 0xFF
	header[7] = 0xFF // length = 0xFFFFFFFF
	_, err := ReadFrame(bytes.NewReader(header))
	if err != ErrFrameTooLarge {
		t.Fatalf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameHeaderIsLittleEndian(t *testing.T) {
	f := &Frame{Type: 0x0102, Payload: []byte{0xAA, 0xBB}}
	raw := f.Marshal()
	if raw[4] != 0x02 || raw[5] != 0x00 || raw[6] != 0x00 || raw[7] != 0x00 {
		t.Fatalf("length bytes = % x, want little-endian 2", raw[4:8])
	}
	if raw[8] != 0x02 || raw[9] != 0x01 {
		t.Fatalf("type bytes = % x, want little-endian 0x0102", raw[8:10])
	}
}

func TestSetChannelPhysicalRoundTrip(t *testing.T) {
	m := SetChannelPhysical{Path: "/dev/tuner1", Space: 0, Channel: 27, Priority: 10, Exclusive: true}
	got, err := UnmarshalSetChannelPhysical(m.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestSetChannelLogicalRoundTripWithAndWithoutSID(t *testing.T) {
	withSID := SetChannelLogical{NID: 1, TSID: 2, SID: 3, HasSID: true}
	got, err := UnmarshalSetChannelLogical(withSID.Marshal())
	if err != nil || got != withSID {
		t.Fatalf("with sid: got %+v, err %v", got, err)
	}

	withoutSID := SetChannelLogical{NID: 1, TSID: 2}
	got2, err := UnmarshalSetChannelLogical(withoutSID.Marshal())
	if err != nil || got2 != withoutSID {
		t.Fatalf("without sid: got %+v, err %v", got2, err)
	}
}

func TestChannelListResponseRoundTrip(t *testing.T) {
	m := ChannelListResponse{
		Timestamp: 1700000000,
		Items: []ChannelListItem{
			{NID: 1, TSID: 2, SID: 3, Name: "CHANNEL A"},
			{NID: 1, TSID: 2, SID: 4, Name: "CHANNEL B"},
		},
	}
	got, err := UnmarshalChannelListResponse(m.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Timestamp != m.Timestamp || len(got.Items) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Items[1].Name != "CHANNEL B" {
		t.Fatalf("item[1].Name = %q", got.Items[1].Name)
	}
}

func TestSignalLevelAckCarriesValueOnlyOnSuccess(t *testing.T) {
	ok := SignalLevelAck{Ack: Ack{Success: true}, Level: 7.25}
	got, err := UnmarshalSignalLevelAck(ok.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Level != 7.25 {
		t.Fatalf("level = %v, want 7.25", got.Level)
	}

	fail := SignalLevelAck{Ack: Ack{Success: false, ErrorCode: 42}}
	got2, err := UnmarshalSignalLevelAck(fail.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal failure ack: %v", err)
	}
	if got2.Success || got2.ErrorCode != 42 {
		t.Fatalf("got %+v", got2)
	}
}

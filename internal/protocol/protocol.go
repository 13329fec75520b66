// Package protocol implements the wire framing described in spec §6:
// magic "BNDP", a little-endian length-prefixed, little-endian-typed
// header, and a raw payload. The fixed-header-plus-binary.LittleEndian
// shape is grounded on internal/hdhomerun/packet.go's Marshal/Unmarshal,
// adapted to this protocol's own byte order — unlike the HDHomeRun wire
// format (big-endian fields, little-endian trailing CRC), every
// multi-byte field here is little-endian and there is no CRC trailer.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the 4-byte frame signature.
var Magic = [4]byte{'B', 'N', 'D', 'P'}

// HeaderSize is the fixed frame prefix: magic(4) + length(4) + type(2).
const HeaderSize = 10

// MaxFrameSize bounds payload length (spec §6: "Max frame 16 MiB").
const MaxFrameSize = 16 * 1024 * 1024

// Message types (spec §6's authoritative list).
const (
	TypeOpenTuner            uint16 = 0x0001
	TypeCloseTuner           uint16 = 0x0002
	TypeGetChannelList       uint16 = 0x0010
	TypeChannelListResponse  uint16 = 0x0011
	TypeSetChannelPhysical   uint16 = 0x0101
	TypeSetChannelLogical    uint16 = 0x0102
	TypeGetSignalLevel       uint16 = 0x0301
	TypeStartStream          uint16 = 0x0401
	TypeStreamData           uint16 = 0x0403

	// TypeAck carries the success/error_code response paired with every
	// C→S message (spec §6). Not part of the authoritative type table
	// itself since every request implicitly gets one; kept as its own id
	// so a reader can tell an ack frame apart from a StreamData frame.
	TypeAck uint16 = 0x00FF
)

// ErrBadMagic is returned when a frame's first 4 bytes aren't "BNDP".
var ErrBadMagic = errors.New("protocol: bad magic")

// ErrFrameTooLarge is returned when a declared payload length exceeds
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// Frame is one decoded wire message.
type Frame struct {
	Type    uint16
	Payload []byte
}

// Marshal serializes f into a complete wire frame.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint16(buf[8:10], f.Type)
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(f.Marshal())
	return err
}

// ReadFrame reads one frame from r, validating magic and the max-frame
// bound before allocating the payload buffer.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read header: %w", err)
	}
	if string(header[0:4]) != string(Magic[:]) {
		return nil, ErrBadMagic
	}
	length := binary.LittleEndian.Uint32(header[4:8])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	msgType := binary.LittleEndian.Uint16(header[8:10])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("protocol: read payload: %w", err)
		}
	}
	return &Frame{Type: msgType, Payload: payload}, nil
}

// Ack is the paired success/failure response every C→S message receives
// (spec §6: "success:u8 and error_code:u16 on failure").
type Ack struct {
	Success   bool
	ErrorCode uint16
}

// MarshalAck encodes an Ack payload.
func MarshalAck(a Ack) []byte {
	buf := make([]byte, 3)
	if a.Success {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint16(buf[1:3], a.ErrorCode)
	return buf
}

// UnmarshalAck decodes an Ack payload.
func UnmarshalAck(payload []byte) (Ack, error) {
	if len(payload) < 3 {
		return Ack{}, fmt.Errorf("protocol: ack payload too short (%d bytes)", len(payload))
	}
	return Ack{
		Success:   payload[0] != 0,
		ErrorCode: binary.LittleEndian.Uint16(payload[1:3]),
	}, nil
}

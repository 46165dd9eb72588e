package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// L2CAP Channel IDs used on an LE-U link
const (
	ChannelATT      uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal uint16 = 0x0005 // LE L2CAP Signaling
	ChannelSMP      uint16 = 0x0006 // Security Manager Protocol
)

// HeaderLen is the basic frame header: Length (2 bytes) + Channel ID (2 bytes)
const HeaderLen = 4

// Packet is an L2CAP basic frame
// Format: [Length: 2 bytes] [Channel ID: 2 bytes] [Payload: N bytes]
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// NewATTPacket wraps an ATT PDU for the fixed ATT channel
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}

// Encode serializes the frame; the length field covers the payload only
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Decode parses one complete frame. Bytes past the claimed length are ignored.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: frame too short (need at least %d bytes, got %d)", HeaderLen, len(data))
	}

	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) < HeaderLen+length {
		return nil, fmt.Errorf("l2cap: incomplete frame (claimed length %d, got %d)", length, len(data)-HeaderLen)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderLen:HeaderLen+length])
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   payload,
	}, nil
}

// ReadPacket reads exactly one frame from a byte stream
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	payload := make([]byte, binary.LittleEndian.Uint16(hdr[0:2]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("l2cap: truncated frame: %w", err)
	}
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(hdr[2:4]),
		Payload:   payload,
	}, nil
}

// WritePacket writes one frame with a single Write call
func WritePacket(w io.Writer, p *Packet) error {
	_, err := w.Write(p.Encode())
	return err
}

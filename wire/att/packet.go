package att

import (
	"encoding/binary"
	"fmt"
)

// Packet is any ATT PDU this package can encode or decode.
// All ATT packets start with an opcode byte.
type Packet interface {
	Opcode() uint8
}

// Error Response (Opcode 0x01)
type ErrorResponse struct {
	RequestOpcode uint8  // The opcode that caused the error
	Handle        uint16 // The handle that caused the error
	ErrorCode     uint8  // The error code
}

// Err converts the PDU into an error value
func (p *ErrorResponse) Err() *Error {
	return NewError(p.ErrorCode, p.RequestOpcode, p.Handle)
}

// MTU Exchange Request/Response (Opcodes 0x02/0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// Find Information Request/Response (Opcodes 0x04/0x05)
type FindInformationRequest struct {
	StartHandle uint16
	EndHandle   uint16
}

type FindInformationResponse struct {
	Format uint8  // 0x01 = 16-bit UUIDs, 0x02 = 128-bit UUIDs
	Data   []byte // List of (Handle, UUID) pairs
}

// Read By Type Request/Response (Opcodes 0x08/0x09)
type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // 2 or 16 byte UUID
}

type ReadByTypeResponse struct {
	Length        uint8  // Length of each attribute data entry
	AttributeData []byte // List of (Handle, Value) pairs
}

// Read Request/Response (Opcodes 0x0A/0x0B)
type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

// Read By Group Type Request/Response (Opcodes 0x10/0x11)
type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // usually the Primary Service UUID
}

type ReadByGroupTypeResponse struct {
	Length        uint8  // Length of each attribute data entry
	AttributeData []byte // List of (Handle, EndGroupHandle, Value) tuples
}

// Write Request/Response (Opcodes 0x12/0x13)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// Write Command (Opcode 0x52), no response
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// Handle Value Notification (Opcode 0x1B), no confirmation
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// Handle Value Indication (Opcode 0x1D), requires confirmation
type HandleValueIndication struct {
	Handle uint16
	Value  []byte
}

// Handle Value Confirmation (Opcode 0x1E)
type HandleValueConfirmation struct{}

func (*ErrorResponse) Opcode() uint8            { return OpErrorResponse }
func (*ExchangeMTURequest) Opcode() uint8       { return OpExchangeMTURequest }
func (*ExchangeMTUResponse) Opcode() uint8      { return OpExchangeMTUResponse }
func (*FindInformationRequest) Opcode() uint8   { return OpFindInformationRequest }
func (*FindInformationResponse) Opcode() uint8  { return OpFindInformationResponse }
func (*ReadByTypeRequest) Opcode() uint8        { return OpReadByTypeRequest }
func (*ReadByTypeResponse) Opcode() uint8       { return OpReadByTypeResponse }
func (*ReadRequest) Opcode() uint8              { return OpReadRequest }
func (*ReadResponse) Opcode() uint8             { return OpReadResponse }
func (*ReadByGroupTypeRequest) Opcode() uint8   { return OpReadByGroupTypeRequest }
func (*ReadByGroupTypeResponse) Opcode() uint8  { return OpReadByGroupTypeResponse }
func (*WriteRequest) Opcode() uint8             { return OpWriteRequest }
func (*WriteResponse) Opcode() uint8            { return OpWriteResponse }
func (*WriteCommand) Opcode() uint8             { return OpWriteCommand }
func (*HandleValueNotification) Opcode() uint8  { return OpHandleValueNotification }
func (*HandleValueIndication) Opcode() uint8    { return OpHandleValueIndication }
func (*HandleValueConfirmation) Opcode() uint8  { return OpHandleValueConfirmation }

// EncodePacket encodes an ATT packet to binary format
func EncodePacket(pkt Packet) ([]byte, error) {
	switch p := pkt.(type) {
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *ExchangeMTURequest:
		return encodeU16(OpExchangeMTURequest, p.ClientRxMTU), nil

	case *ExchangeMTUResponse:
		return encodeU16(OpExchangeMTUResponse, p.ServerRxMTU), nil

	case *FindInformationRequest:
		return encodeRange(OpFindInformationRequest, p.StartHandle, p.EndHandle, nil), nil

	case *FindInformationResponse:
		return append([]byte{OpFindInformationResponse, p.Format}, p.Data...), nil

	case *ReadByTypeRequest:
		return encodeRange(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByTypeResponse:
		return append([]byte{OpReadByTypeResponse, p.Length}, p.AttributeData...), nil

	case *ReadRequest:
		return encodeU16(OpReadRequest, p.Handle), nil

	case *ReadResponse:
		return append([]byte{OpReadResponse}, p.Value...), nil

	case *ReadByGroupTypeRequest:
		return encodeRange(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByGroupTypeResponse:
		return append([]byte{OpReadByGroupTypeResponse, p.Length}, p.AttributeData...), nil

	case *WriteRequest:
		return append(encodeU16(OpWriteRequest, p.Handle), p.Value...), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return append(encodeU16(OpWriteCommand, p.Handle), p.Value...), nil

	case *HandleValueNotification:
		return append(encodeU16(OpHandleValueNotification, p.Handle), p.Value...), nil

	case *HandleValueIndication:
		return append(encodeU16(OpHandleValueIndication, p.Handle), p.Value...), nil

	case *HandleValueConfirmation:
		return []byte{OpHandleValueConfirmation}, nil

	default:
		return nil, fmt.Errorf("att: unknown packet type %T", pkt)
	}
}

// DecodePacket decodes binary data into an ATT packet
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("att: packet too short (need at least 1 byte)")
	}

	opcode := data[0]
	body := data[1:]

	switch opcode {
	case OpErrorResponse:
		if len(body) < 4 {
			return nil, shortPacket(opcode)
		}
		return &ErrorResponse{
			RequestOpcode: body[0],
			Handle:        binary.LittleEndian.Uint16(body[1:3]),
			ErrorCode:     body[3],
		}, nil

	case OpExchangeMTURequest:
		if len(body) < 2 {
			return nil, shortPacket(opcode)
		}
		return &ExchangeMTURequest{ClientRxMTU: binary.LittleEndian.Uint16(body)}, nil

	case OpExchangeMTUResponse:
		if len(body) < 2 {
			return nil, shortPacket(opcode)
		}
		return &ExchangeMTUResponse{ServerRxMTU: binary.LittleEndian.Uint16(body)}, nil

	case OpFindInformationRequest:
		if len(body) < 4 {
			return nil, shortPacket(opcode)
		}
		start, end := decodeRange(body)
		return &FindInformationRequest{StartHandle: start, EndHandle: end}, nil

	case OpFindInformationResponse:
		if len(body) < 1 {
			return nil, shortPacket(opcode)
		}
		return &FindInformationResponse{Format: body[0], Data: clone(body[1:])}, nil

	case OpReadByTypeRequest:
		if len(body) < 6 { // start + end + 16-bit UUID
			return nil, shortPacket(opcode)
		}
		start, end := decodeRange(body)
		return &ReadByTypeRequest{StartHandle: start, EndHandle: end, Type: clone(body[4:])}, nil

	case OpReadByTypeResponse:
		if len(body) < 1 {
			return nil, shortPacket(opcode)
		}
		return &ReadByTypeResponse{Length: body[0], AttributeData: clone(body[1:])}, nil

	case OpReadRequest:
		if len(body) < 2 {
			return nil, shortPacket(opcode)
		}
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(body)}, nil

	case OpReadResponse:
		return &ReadResponse{Value: clone(body)}, nil

	case OpReadByGroupTypeRequest:
		if len(body) < 6 {
			return nil, shortPacket(opcode)
		}
		start, end := decodeRange(body)
		return &ReadByGroupTypeRequest{StartHandle: start, EndHandle: end, Type: clone(body[4:])}, nil

	case OpReadByGroupTypeResponse:
		if len(body) < 1 {
			return nil, shortPacket(opcode)
		}
		return &ReadByGroupTypeResponse{Length: body[0], AttributeData: clone(body[1:])}, nil

	case OpWriteRequest:
		if len(body) < 2 {
			return nil, shortPacket(opcode)
		}
		return &WriteRequest{Handle: binary.LittleEndian.Uint16(body), Value: clone(body[2:])}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpWriteCommand:
		if len(body) < 2 {
			return nil, shortPacket(opcode)
		}
		return &WriteCommand{Handle: binary.LittleEndian.Uint16(body), Value: clone(body[2:])}, nil

	case OpHandleValueNotification:
		if len(body) < 2 {
			return nil, shortPacket(opcode)
		}
		return &HandleValueNotification{Handle: binary.LittleEndian.Uint16(body), Value: clone(body[2:])}, nil

	case OpHandleValueIndication:
		if len(body) < 2 {
			return nil, shortPacket(opcode)
		}
		return &HandleValueIndication{Handle: binary.LittleEndian.Uint16(body), Value: clone(body[2:])}, nil

	case OpHandleValueConfirmation:
		return &HandleValueConfirmation{}, nil

	default:
		return nil, fmt.Errorf("att: unknown opcode 0x%02X", opcode)
	}
}

func encodeU16(opcode uint8, v uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = opcode
	binary.LittleEndian.PutUint16(buf[1:3], v)
	return buf
}

func encodeRange(opcode uint8, start, end uint16, uuid []byte) []byte {
	buf := make([]byte, 5+len(uuid))
	buf[0] = opcode
	binary.LittleEndian.PutUint16(buf[1:3], start)
	binary.LittleEndian.PutUint16(buf[3:5], end)
	copy(buf[5:], uuid)
	return buf
}

func decodeRange(body []byte) (uint16, uint16) {
	return binary.LittleEndian.Uint16(body[0:2]), binary.LittleEndian.Uint16(body[2:4])
}

func shortPacket(opcode uint8) error {
	return fmt.Errorf("att: %s too short", OpcodeName(opcode))
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

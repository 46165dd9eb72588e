package debug

import (
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/csis-coordinator/wire/att"
)

// Event is one captured ATT PDU. CBOR encoding uses integer keys.
type Event struct {
	Timestamp time.Time         `cbor:"1,keyasint"`
	LinkID    string            `cbor:"2,keyasint"`
	Direction Direction         `cbor:"3,keyasint"`
	Role      Role              `cbor:"4,keyasint"`
	Opcode    uint8             `cbor:"5,keyasint"`
	Handle    uint16            `cbor:"6,keyasint,omitempty"`
	Fields    map[string]string `cbor:"7,keyasint,omitempty"`
	Raw       []byte            `cbor:"8,keyasint"`
}

// Direction of a PDU relative to the capturing side
type Direction uint8

const (
	DirectionRx Direction = 0
	DirectionTx Direction = 1
)

func (d Direction) String() string {
	switch d {
	case DirectionRx:
		return "rx"
	case DirectionTx:
		return "tx"
	default:
		return "unknown"
	}
}

// Role of the side that captured the PDU
type Role uint8

const (
	RoleCentral    Role = 0
	RolePeripheral Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return "unknown"
	}
}

// NewEvent describes pkt as it crossed a link
func NewEvent(linkID string, dir Direction, role Role, pkt att.Packet, raw []byte) Event {
	handle, fields := describe(pkt)
	return Event{
		Timestamp: time.Now(),
		LinkID:    linkID,
		Direction: dir,
		Role:      role,
		Opcode:    pkt.Opcode(),
		Handle:    handle,
		Fields:    fields,
		Raw:       append([]byte{}, raw...),
	}
}

// Proto converts the event into a structpb.Struct so it can be printed
// with protojson
func (e Event) Proto() (*structpb.Struct, error) {
	fields := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}

	m := map[string]interface{}{
		"timestamp":   e.Timestamp.Format(time.RFC3339Nano),
		"link_id":     e.LinkID,
		"direction":   e.Direction.String(),
		"role":        e.Role.String(),
		"opcode":      fmt.Sprintf("0x%02X", e.Opcode),
		"opcode_name": att.OpcodeName(e.Opcode),
		"raw_hex":     hex.EncodeToString(e.Raw),
	}
	if e.Handle != 0 {
		m["handle"] = fmt.Sprintf("0x%04X", e.Handle)
	}
	if len(fields) > 0 {
		m["data"] = fields
	}
	return structpb.NewStruct(m)
}

func describe(pkt att.Packet) (handle uint16, data map[string]string) {
	data = make(map[string]string)

	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		data["client_rx_mtu"] = fmt.Sprint(p.ClientRxMTU)
	case *att.ExchangeMTUResponse:
		data["server_rx_mtu"] = fmt.Sprint(p.ServerRxMTU)
	case *att.ReadByGroupTypeRequest:
		data["range"] = fmt.Sprintf("0x%04X-0x%04X", p.StartHandle, p.EndHandle)
		data["type"] = hex.EncodeToString(p.Type)
	case *att.ReadByTypeRequest:
		data["range"] = fmt.Sprintf("0x%04X-0x%04X", p.StartHandle, p.EndHandle)
		data["type"] = hex.EncodeToString(p.Type)
	case *att.FindInformationRequest:
		data["range"] = fmt.Sprintf("0x%04X-0x%04X", p.StartHandle, p.EndHandle)
	case *att.ReadRequest:
		handle = p.Handle
	case *att.ReadResponse:
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.WriteRequest:
		handle = p.Handle
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.WriteCommand:
		handle = p.Handle
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.HandleValueNotification:
		handle = p.Handle
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.HandleValueIndication:
		handle = p.Handle
		data["value_hex"] = hex.EncodeToString(p.Value)
	case *att.ErrorResponse:
		handle = p.Handle
		data["request_opcode"] = att.OpcodeName(p.RequestOpcode)
		data["error_code"] = fmt.Sprintf("0x%02X", p.ErrorCode)
		data["error_name"] = att.CodeName(p.ErrorCode)
	}

	if len(data) == 0 {
		data = nil
	}
	return handle, data
}

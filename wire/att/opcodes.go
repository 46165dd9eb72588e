package att

import "fmt"

// ATT Opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4)
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	// Descriptor discovery
	OpFindInformationRequest  = 0x04
	OpFindInformationResponse = 0x05

	// Characteristic discovery
	OpReadByTypeRequest  = 0x08
	OpReadByTypeResponse = 0x09

	OpReadRequest  = 0x0A
	OpReadResponse = 0x0B

	// Primary service discovery
	OpReadByGroupTypeRequest  = 0x10
	OpReadByGroupTypeResponse = 0x11

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13
	OpWriteCommand  = 0x52

	// Server-initiated
	OpHandleValueNotification = 0x1B
	OpHandleValueIndication   = 0x1D
	OpHandleValueConfirmation = 0x1E
)

// OpcodeNames maps opcodes to human-readable names (useful for debugging)
var OpcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpFindInformationRequest:  "Find Information Request",
	OpFindInformationResponse: "Find Information Response",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByTypeResponse:      "Read By Type Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpReadByGroupTypeRequest:  "Read By Group Type Request",
	OpReadByGroupTypeResponse: "Read By Group Type Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpHandleValueNotification: "Handle Value Notification",
	OpHandleValueIndication:   "Handle Value Indication",
	OpHandleValueConfirmation: "Handle Value Confirmation",
}

// OpcodeName returns a printable name for an opcode
func OpcodeName(opcode uint8) string {
	if name, ok := OpcodeNames[opcode]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", opcode)
}

// IsRequest returns true if the opcode represents a request that expects a response
func IsRequest(opcode uint8) bool {
	return GetResponseOpcode(opcode) != 0
}

// IsServerInitiated returns true for notifications and indications
func IsServerInitiated(opcode uint8) bool {
	return opcode == OpHandleValueNotification || opcode == OpHandleValueIndication
}

// GetResponseOpcode returns the expected response opcode for a request, or 0
func GetResponseOpcode(requestOpcode uint8) uint8 {
	switch requestOpcode {
	case OpExchangeMTURequest:
		return OpExchangeMTUResponse
	case OpFindInformationRequest:
		return OpFindInformationResponse
	case OpReadByTypeRequest:
		return OpReadByTypeResponse
	case OpReadRequest:
		return OpReadResponse
	case OpReadByGroupTypeRequest:
		return OpReadByGroupTypeResponse
	case OpWriteRequest:
		return OpWriteResponse
	case OpHandleValueIndication:
		return OpHandleValueConfirmation
	default:
		return 0
	}
}

package advertising

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// AD Types (Assigned Numbers, Common Data Types)
const (
	ADTypeFlags                       = 0x01
	ADTypeIncomplete16BitServiceUUIDs = 0x02
	ADTypeComplete16BitServiceUUIDs   = 0x03
	ADTypeShortenedLocalName          = 0x08
	ADTypeCompleteLocalName           = 0x09
	ADTypeServiceData16Bit            = 0x16
	ADTypeRSI                         = 0x2E // Resolvable Set Identifier
	ADTypeManufacturerSpecificData    = 0xFF
)

// Advertising Flags (used in ADTypeFlags)
const (
	FlagLELimitedDiscoverableMode = 0x01
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

const (
	MaxAdvertisingDataLen = 31 // legacy advertising payload limit
	RSILen                = 6  // hash (3) + prand (3)
)

// ADStructure is one Length-Type-Value element of advertising data.
// On the wire the length byte covers the type byte and the data.
type ADStructure struct {
	Type byte
	Data []byte
}

// EncodeADStructures concatenates AD structures into one payload
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		length := 1 + len(s.Data)
		if length > 255 {
			return nil, fmt.Errorf("AD structure too long: %d bytes (max 255)", length)
		}
		buf = append(buf, byte(length), s.Type)
		buf = append(buf, s.Data...)
	}

	if len(buf) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("total advertising data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(buf))
	}
	return buf, nil
}

// DecodeADStructures splits an advertising payload into AD structures.
// A zero length byte ends the payload (padding).
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure

	for offset := 0; offset < len(data); {
		length := int(data[offset])
		if length == 0 {
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("AD structure length exceeds data: length=%d, remaining=%d", length, len(data)-offset)
		}

		structures = append(structures, ADStructure{
			Type: data[offset],
			Data: append([]byte{}, data[offset+1:offset+length]...),
		})
		offset += length
	}

	return structures, nil
}

// NewFlagsAD creates a flags AD structure
func NewFlagsAD(flags byte) ADStructure {
	return ADStructure{Type: ADTypeFlags, Data: []byte{flags}}
}

// NewCompleteLocalNameAD creates a complete local name AD structure
func NewCompleteLocalNameAD(name string) ADStructure {
	return ADStructure{Type: ADTypeCompleteLocalName, Data: []byte(name)}
}

// NewComplete16BitServiceUUIDsAD creates a complete 16-bit service UUIDs AD structure
func NewComplete16BitServiceUUIDsAD(uuids ...uint16) ADStructure {
	data := make([]byte, len(uuids)*2)
	for i, uuid := range uuids {
		binary.LittleEndian.PutUint16(data[i*2:], uuid)
	}
	return ADStructure{Type: ADTypeComplete16BitServiceUUIDs, Data: data}
}

// NewRSIAD wraps a 6-byte resolvable set identifier
func NewRSIAD(rsi [RSILen]byte) ADStructure {
	return ADStructure{Type: ADTypeRSI, Data: append([]byte{}, rsi[:]...)}
}

// GetLocalName extracts the local name (complete or shortened)
func GetLocalName(structures []ADStructure) string {
	for _, s := range structures {
		if s.Type == ADTypeCompleteLocalName || s.Type == ADTypeShortenedLocalName {
			return string(s.Data)
		}
	}
	return ""
}

// GetFlags extracts the flags byte
func GetFlags(structures []ADStructure) (byte, bool) {
	for _, s := range structures {
		if s.Type == ADTypeFlags && len(s.Data) > 0 {
			return s.Data[0], true
		}
	}
	return 0, false
}

// Get16BitServiceUUIDs extracts all 16-bit service UUIDs
func Get16BitServiceUUIDs(structures []ADStructure) []uint16 {
	var uuids []uint16
	for _, s := range structures {
		if (s.Type == ADTypeComplete16BitServiceUUIDs || s.Type == ADTypeIncomplete16BitServiceUUIDs) && len(s.Data)%2 == 0 {
			for i := 0; i < len(s.Data); i += 2 {
				uuids = append(uuids, binary.LittleEndian.Uint16(s.Data[i:i+2]))
			}
		}
	}
	return uuids
}

// ErrNoRSI is returned by GetRSI when no well-formed RSI is present
var ErrNoRSI = errors.New("advertising: no resolvable set identifier")

// GetRSI returns the RSI structure itself so it can be handed to a set
// membership check unchanged
func GetRSI(structures []ADStructure) (ADStructure, error) {
	for _, s := range structures {
		if s.Type == ADTypeRSI && len(s.Data) == RSILen {
			return s, nil
		}
	}
	return ADStructure{}, ErrNoRSI
}

// ADTypeName returns a human-readable name for an AD type
func ADTypeName(adType byte) string {
	switch adType {
	case ADTypeFlags:
		return "Flags"
	case ADTypeIncomplete16BitServiceUUIDs:
		return "Incomplete 16-bit Service UUIDs"
	case ADTypeComplete16BitServiceUUIDs:
		return "Complete 16-bit Service UUIDs"
	case ADTypeShortenedLocalName:
		return "Shortened Local Name"
	case ADTypeCompleteLocalName:
		return "Complete Local Name"
	case ADTypeServiceData16Bit:
		return "Service Data"
	case ADTypeRSI:
		return "Resolvable Set Identifier"
	case ADTypeManufacturerSpecificData:
		return "Manufacturer Specific Data"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", adType)
	}
}

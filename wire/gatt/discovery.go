package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/user/csis-coordinator/wire/att"
)

// DiscoveredService is one entry of a Read By Group Type Response
type DiscoveredService struct {
	UUID        []byte
	StartHandle uint16
	EndHandle   uint16
}

// DiscoveredCharacteristic is one entry of a Read By Type Response for
// the characteristic declaration type
type DiscoveredCharacteristic struct {
	UUID              []byte
	Properties        uint8
	ValueHandle       uint16
	DeclarationHandle uint16
}

// DiscoveredDescriptor is one (handle, type) pair of a Find Information Response
type DiscoveredDescriptor struct {
	UUID   []byte
	Handle uint16
}

// Find Information Response formats
const (
	FormatUUID16  = 0x01
	FormatUUID128 = 0x02
)

// ParseReadByGroupTypeResponse decodes service discovery results.
// Each entry: [StartHandle: 2][EndHandle: 2][UUID: 2 or 16]
func ParseReadByGroupTypeResponse(resp *att.ReadByGroupTypeResponse) ([]DiscoveredService, error) {
	length := int(resp.Length)
	if length != 6 && length != 20 {
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}
	if len(resp.AttributeData)%length != 0 {
		return nil, fmt.Errorf("gatt: incomplete service data, %d bytes remaining", len(resp.AttributeData)%length)
	}

	var services []DiscoveredService
	for data := resp.AttributeData; len(data) > 0; data = data[length:] {
		services = append(services, DiscoveredService{
			StartHandle: binary.LittleEndian.Uint16(data[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(data[2:4]),
			UUID:        clone(data[4:length]),
		})
	}
	return services, nil
}

// ParseReadByTypeResponse decodes characteristic discovery results.
// Each entry: [DeclHandle: 2][Properties: 1][ValueHandle: 2][UUID: 2 or 16]
func ParseReadByTypeResponse(resp *att.ReadByTypeResponse) ([]DiscoveredCharacteristic, error) {
	length := int(resp.Length)
	if length != 7 && length != 21 {
		return nil, fmt.Errorf("gatt: invalid attribute data length %d", length)
	}
	if len(resp.AttributeData)%length != 0 {
		return nil, fmt.Errorf("gatt: incomplete characteristic data, %d bytes remaining", len(resp.AttributeData)%length)
	}

	var chars []DiscoveredCharacteristic
	for data := resp.AttributeData; len(data) > 0; data = data[length:] {
		chars = append(chars, DiscoveredCharacteristic{
			DeclarationHandle: binary.LittleEndian.Uint16(data[0:2]),
			Properties:        data[2],
			ValueHandle:       binary.LittleEndian.Uint16(data[3:5]),
			UUID:              clone(data[5:length]),
		})
	}
	return chars, nil
}

// ParseFindInformationResponse decodes descriptor discovery results
func ParseFindInformationResponse(resp *att.FindInformationResponse) ([]DiscoveredDescriptor, error) {
	var uuidSize int
	switch resp.Format {
	case FormatUUID16:
		uuidSize = 2
	case FormatUUID128:
		uuidSize = 16
	default:
		return nil, fmt.Errorf("gatt: invalid Find Information format 0x%02X", resp.Format)
	}

	entrySize := 2 + uuidSize
	if len(resp.Data)%entrySize != 0 {
		return nil, fmt.Errorf("gatt: incomplete descriptor data, %d bytes remaining", len(resp.Data)%entrySize)
	}

	var descs []DiscoveredDescriptor
	for data := resp.Data; len(data) > 0; data = data[entrySize:] {
		descs = append(descs, DiscoveredDescriptor{
			Handle: binary.LittleEndian.Uint16(data[0:2]),
			UUID:   clone(data[2:entrySize]),
		})
	}
	return descs, nil
}

// BuildReadByGroupTypeResponse packs as many services as fit in mtu. All
// entries of one response share the UUID size of the first one.
func BuildReadByGroupTypeResponse(services []DiscoveredService, mtu int) (*att.ReadByGroupTypeResponse, error) {
	if len(services) == 0 {
		return nil, fmt.Errorf("gatt: no services to encode")
	}
	uuidLen := len(services[0].UUID)
	length := 4 + uuidLen

	resp := &att.ReadByGroupTypeResponse{Length: uint8(length)}
	for _, svc := range services[:fit(len(services), mtu-2, length)] {
		if len(svc.UUID) != uuidLen {
			break
		}
		entry := make([]byte, length)
		binary.LittleEndian.PutUint16(entry[0:2], svc.StartHandle)
		binary.LittleEndian.PutUint16(entry[2:4], svc.EndHandle)
		copy(entry[4:], svc.UUID)
		resp.AttributeData = append(resp.AttributeData, entry...)
	}
	return resp, nil
}

// BuildReadByTypeResponse packs as many characteristic declarations as fit in mtu
func BuildReadByTypeResponse(chars []DiscoveredCharacteristic, mtu int) (*att.ReadByTypeResponse, error) {
	if len(chars) == 0 {
		return nil, fmt.Errorf("gatt: no characteristics to encode")
	}
	uuidLen := len(chars[0].UUID)
	length := 5 + uuidLen

	resp := &att.ReadByTypeResponse{Length: uint8(length)}
	for _, char := range chars[:fit(len(chars), mtu-2, length)] {
		if len(char.UUID) != uuidLen {
			break
		}
		entry := make([]byte, length)
		binary.LittleEndian.PutUint16(entry[0:2], char.DeclarationHandle)
		entry[2] = char.Properties
		binary.LittleEndian.PutUint16(entry[3:5], char.ValueHandle)
		copy(entry[5:], char.UUID)
		resp.AttributeData = append(resp.AttributeData, entry...)
	}
	return resp, nil
}

// BuildFindInformationResponse packs as many (handle, type) pairs as fit in mtu
func BuildFindInformationResponse(descs []DiscoveredDescriptor, mtu int) (*att.FindInformationResponse, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("gatt: no descriptors to encode")
	}
	uuidLen := len(descs[0].UUID)
	format := uint8(FormatUUID16)
	if uuidLen == 16 {
		format = FormatUUID128
	} else if uuidLen != 2 {
		return nil, fmt.Errorf("gatt: invalid UUID length %d", uuidLen)
	}
	entrySize := 2 + uuidLen

	resp := &att.FindInformationResponse{Format: format}
	for _, desc := range descs[:fit(len(descs), mtu-2, entrySize)] {
		if len(desc.UUID) != uuidLen {
			break
		}
		entry := make([]byte, entrySize)
		binary.LittleEndian.PutUint16(entry[0:2], desc.Handle)
		copy(entry[2:], desc.UUID)
		resp.Data = append(resp.Data, entry...)
	}
	return resp, nil
}

func fit(n, room, size int) int {
	if limit := room / size; limit < n {
		return limit
	}
	return n
}

// DiscoverServicesFromDatabase lists the primary services declared in
// [start, end]. A service group runs up to the next declaration or the
// end of the table.
func DiscoverServicesFromDatabase(db *AttributeDatabase, start, end uint16) []DiscoveredService {
	all := db.FindAttributesByType(1, db.LastHandle(), UUIDPrimaryService)

	var services []DiscoveredService
	for i, handle := range all {
		if handle < start || handle > end {
			continue
		}
		attr, err := db.GetAttribute(handle)
		if err != nil {
			continue
		}
		groupEnd := db.LastHandle()
		if i+1 < len(all) {
			groupEnd = all[i+1] - 1
		}
		services = append(services, DiscoveredService{
			UUID:        attr.Value,
			StartHandle: handle,
			EndHandle:   groupEnd,
		})
	}
	return services
}

// DiscoverCharacteristicsFromDatabase lists the characteristic declarations in [start, end]
func DiscoverCharacteristicsFromDatabase(db *AttributeDatabase, start, end uint16) []DiscoveredCharacteristic {
	var chars []DiscoveredCharacteristic
	for _, handle := range db.FindAttributesByType(start, end, UUIDCharacteristic) {
		attr, err := db.GetAttribute(handle)
		if err != nil || len(attr.Value) < 5 {
			continue
		}
		chars = append(chars, DiscoveredCharacteristic{
			Properties:        attr.Value[0],
			ValueHandle:       binary.LittleEndian.Uint16(attr.Value[1:3]),
			UUID:              attr.Value[3:],
			DeclarationHandle: handle,
		})
	}
	return chars
}

// DiscoverDescriptorsFromDatabase answers Find Information: every
// attribute in [start, end] with its type.
func DiscoverDescriptorsFromDatabase(db *AttributeDatabase, start, end uint16) []DiscoveredDescriptor {
	if last := db.LastHandle(); end > last {
		end = last
	}
	if start == 0 {
		start = 1
	}

	var descs []DiscoveredDescriptor
	for h := start; h <= end; h++ {
		attr, err := db.GetAttribute(h)
		if err != nil {
			continue
		}
		descs = append(descs, DiscoveredDescriptor{UUID: attr.Type, Handle: h})
	}
	return descs
}

package gatt

import (
	"encoding/binary"
	"fmt"
)

// Service is a high-level primary service definition
type Service struct {
	UUID            []byte
	Characteristics []Characteristic
}

// Characteristic is a high-level characteristic definition. A CCCD is
// added automatically when Properties has notify or indicate set.
type Characteristic struct {
	UUID       []byte
	Properties uint8
	Value      []byte
}

// ServiceHandles records where a service landed in the attribute table
type ServiceHandles struct {
	ServiceHandle uint16 // service declaration
	EndHandle     uint16 // last handle of the service group

	values map[string]uint16 // characteristic UUID -> value handle
	cccds  map[uint16]uint16 // value handle -> CCCD handle
}

// ValueHandle returns the value handle of the characteristic with uuid
func (s *ServiceHandles) ValueHandle(uuid []byte) (uint16, error) {
	h, ok := s.values[uuidKey(uuid)]
	if !ok {
		return 0, fmt.Errorf("gatt: characteristic %x not in service at 0x%04X", uuid, s.ServiceHandle)
	}
	return h, nil
}

// CCCDHandle returns the CCCD handle of a notifying characteristic, 0 if it has none
func (s *ServiceHandles) CCCDHandle(valueHandle uint16) uint16 {
	return s.cccds[valueHandle]
}

// BuildAttributeDatabase lays out services one after another in a new database
func BuildAttributeDatabase(services ...Service) (*AttributeDatabase, []*ServiceHandles) {
	db := NewAttributeDatabase()
	handles := make([]*ServiceHandles, 0, len(services))
	for _, svc := range services {
		handles = append(handles, AddService(db, svc))
	}
	return db, handles
}

// AddService appends one service and its characteristics to db
func AddService(db *AttributeDatabase, svc Service) *ServiceHandles {
	info := &ServiceHandles{
		values: make(map[string]uint16),
		cccds:  make(map[uint16]uint16),
	}
	info.ServiceHandle = db.AddAttribute(UUIDPrimaryService, svc.UUID, PermReadable)

	for _, char := range svc.Characteristics {
		// Declaration value: [Properties][Value Handle][UUID]
		decl := make([]byte, 3+len(char.UUID))
		decl[0] = char.Properties
		binary.LittleEndian.PutUint16(decl[1:3], db.LastHandle()+2)
		copy(decl[3:], char.UUID)
		db.AddAttribute(UUIDCharacteristic, decl, PermReadable)

		valueHandle := db.AddAttribute(char.UUID, char.Value, permissionsFor(char.Properties))
		info.values[uuidKey(char.UUID)] = valueHandle

		if char.Properties&(PropNotify|PropIndicate) != 0 {
			info.cccds[valueHandle] = db.AddAttribute(UUIDClientCharacteristicConfig,
				EncodeCCCDValue(false, false), PermReadable|PermWritable)
		}
	}

	info.EndHandle = db.LastHandle()
	return info
}

// NewGenericAccessService creates the Generic Access service (0x1800)
func NewGenericAccessService(deviceName string) Service {
	return Service{
		UUID: UUID16(0x1800),
		Characteristics: []Characteristic{
			{UUID: UUID16(0x2A00), Properties: PropRead, Value: []byte(deviceName)},
			{UUID: UUID16(0x2A01), Properties: PropRead, Value: []byte{0x00, 0x00}},
		},
	}
}

func permissionsFor(properties uint8) uint8 {
	var perms uint8
	if properties&PropRead != 0 {
		perms |= PermReadable
	}
	if properties&(PropWrite|PropWriteWithoutResponse) != 0 {
		perms |= PermWritable
	}
	return perms
}

func uuidKey(uuid []byte) string {
	return fmt.Sprintf("%x", uuid)
}

package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// Attribute types (16-bit, little-endian)
var (
	UUIDPrimaryService             = UUID16(0x2800)
	UUIDSecondaryService           = UUID16(0x2801)
	UUIDCharacteristic             = UUID16(0x2803)
	UUIDClientCharacteristicConfig = UUID16(0x2902)
)

// Characteristic properties (bitmask)
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
)

// Attribute permissions, server side only
const (
	PermReadable = 0x01
	PermWritable = 0x02
)

// Attribute is a single row of the attribute table
type Attribute struct {
	Handle      uint16
	Type        []byte
	Value       []byte
	Permissions uint8
}

// AttributeDatabase is a server's attribute table. Handles are allocated
// densely starting at 0x0001, so the handle doubles as the slice index.
type AttributeDatabase struct {
	mu    sync.RWMutex
	attrs []Attribute
}

// NewAttributeDatabase creates an empty attribute database
func NewAttributeDatabase() *AttributeDatabase {
	return &AttributeDatabase{}
}

// AddAttribute appends an attribute and returns its handle
func (db *AttributeDatabase) AddAttribute(attrType, value []byte, permissions uint8) uint16 {
	db.mu.Lock()
	defer db.mu.Unlock()

	handle := uint16(len(db.attrs) + 1)
	db.attrs = append(db.attrs, Attribute{
		Handle:      handle,
		Type:        clone(attrType),
		Value:       clone(value),
		Permissions: permissions,
	})
	return handle
}

// GetAttribute returns a copy of the attribute at handle
func (db *AttributeDatabase) GetAttribute(handle uint16) (Attribute, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	attr, ok := db.lookup(handle)
	if !ok {
		return Attribute{}, fmt.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	return Attribute{
		Handle:      attr.Handle,
		Type:        clone(attr.Type),
		Value:       clone(attr.Value),
		Permissions: attr.Permissions,
	}, nil
}

// SetAttributeValue replaces the value stored at handle
func (db *AttributeDatabase) SetAttributeValue(handle uint16, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	attr, ok := db.lookup(handle)
	if !ok {
		return fmt.Errorf("gatt: invalid handle 0x%04X", handle)
	}
	attr.Value = clone(value)
	return nil
}

// FindAttributesByType returns the handles in [start, end] whose type matches
func (db *AttributeDatabase) FindAttributesByType(start, end uint16, attrType []byte) []uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var handles []uint16
	for i := range db.attrs {
		attr := &db.attrs[i]
		if attr.Handle < start {
			continue
		}
		if attr.Handle > end {
			break
		}
		if bytes.Equal(attr.Type, attrType) {
			handles = append(handles, attr.Handle)
		}
	}
	return handles
}

// CharacteristicOf returns the value handle and properties of the
// characteristic that owns handle (its value or one of its descriptors).
func (db *AttributeDatabase) CharacteristicOf(handle uint16) (valueHandle uint16, properties uint8, ok bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for h := handle; h >= 1; h-- {
		attr, found := db.lookup(h)
		if !found {
			return 0, 0, false
		}
		if isServiceDeclaration(attr.Type) {
			return 0, 0, false
		}
		if bytes.Equal(attr.Type, UUIDCharacteristic) && len(attr.Value) >= 3 {
			return binary.LittleEndian.Uint16(attr.Value[1:3]), attr.Value[0], true
		}
	}
	return 0, 0, false
}

// LastHandle returns the highest allocated handle, 0 when empty
func (db *AttributeDatabase) LastHandle() uint16 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return uint16(len(db.attrs))
}

// Count returns the number of attributes in the database
func (db *AttributeDatabase) Count() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.attrs)
}

// lookup must be called with db.mu held
func (db *AttributeDatabase) lookup(handle uint16) (*Attribute, bool) {
	if handle == 0 || int(handle) > len(db.attrs) {
		return nil, false
	}
	return &db.attrs[handle-1], true
}

func isServiceDeclaration(attrType []byte) bool {
	return bytes.Equal(attrType, UUIDPrimaryService) || bytes.Equal(attrType, UUIDSecondaryService)
}

// UUID16 encodes a 16-bit UUID in little-endian order
func UUID16(val uint16) []byte {
	return []byte{byte(val), byte(val >> 8)}
}

// ShortUUID decodes a 16-bit UUID, ok is false for any other length
func ShortUUID(uuid []byte) (val uint16, ok bool) {
	if len(uuid) != 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(uuid), true
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

package gatt

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"
)

// CCCD values written by clients
const (
	CCCDDisabled = 0x0000
	CCCDNotify   = 0x0001
	CCCDIndicate = 0x0002
)

// ErrInvalidCCCDLength is returned for CCCD values that are not 2 bytes
var ErrInvalidCCCDLength = errors.New("gatt: CCCD value must be 2 bytes")

// CCCDManager holds the CCCD state one client has configured on a server.
// Every connection gets its own manager; nothing is shared across links
// and the state is dropped when the link goes away.
type CCCDManager struct {
	mu     sync.RWMutex
	config map[uint16]uint16 // value handle -> CCCD bits
}

// NewCCCDManager creates an empty manager for one connection
func NewCCCDManager() *CCCDManager {
	return &CCCDManager{config: make(map[uint16]uint16)}
}

// SetSubscription applies a raw CCCD write for the characteristic at valueHandle
func (cm *CCCDManager) SetSubscription(valueHandle uint16, raw []byte) error {
	if len(raw) != 2 {
		return ErrInvalidCCCDLength
	}
	value := binary.LittleEndian.Uint16(raw) & (CCCDNotify | CCCDIndicate)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if value == CCCDDisabled {
		delete(cm.config, valueHandle)
		return nil
	}
	cm.config[valueHandle] = value
	return nil
}

// Value returns the CCCD bits for valueHandle in wire format
func (cm *CCCDManager) Value(valueHandle uint16) []byte {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, cm.config[valueHandle])
	return buf
}

// IsNotifyEnabled reports whether notifications are enabled for valueHandle
func (cm *CCCDManager) IsNotifyEnabled(valueHandle uint16) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config[valueHandle]&CCCDNotify != 0
}

// IsIndicateEnabled reports whether indications are enabled for valueHandle
func (cm *CCCDManager) IsIndicateEnabled(valueHandle uint16) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config[valueHandle]&CCCDIndicate != 0
}

// Subscribed returns the value handles with any CCCD bit set, ascending
func (cm *CCCDManager) Subscribed() []uint16 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	handles := make([]uint16, 0, len(cm.config))
	for h := range cm.config {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// Clear drops every subscription (link closed)
func (cm *CCCDManager) Clear() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.config = make(map[uint16]uint16)
}

// EncodeCCCDValue builds the 2-byte CCCD value
func EncodeCCCDValue(notify, indicate bool) []byte {
	var value uint16
	if notify {
		value |= CCCDNotify
	}
	if indicate {
		value |= CCCDIndicate
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

// DecodeCCCDValue parses a 2-byte CCCD value
func DecodeCCCDValue(raw []byte) (notify, indicate bool, err error) {
	if len(raw) != 2 {
		return false, false, ErrInvalidCCCDLength
	}
	value := binary.LittleEndian.Uint16(raw)
	return value&CCCDNotify != 0, value&CCCDIndicate != 0, nil
}

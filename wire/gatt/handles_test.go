package gatt

import (
	"bytes"
	"testing"
)

func TestAttributeDatabaseBasics(t *testing.T) {
	db := NewAttributeDatabase()

	handle1 := db.AddAttribute(UUIDPrimaryService, UUID16(0x1846), PermReadable)
	handle2 := db.AddAttribute(UUIDCharacteristic, []byte{PropRead, 0x03, 0x00, 0x84, 0x2B}, PermReadable)
	handle3 := db.AddAttribute(UUID16(0x2B84), []byte{0x01}, PermReadable)

	if handle1 != 0x0001 || handle2 != 0x0002 || handle3 != 0x0003 {
		t.Errorf("Handles = 0x%04X 0x%04X 0x%04X, want 0x0001 0x0002 0x0003", handle1, handle2, handle3)
	}
	if db.Count() != 3 {
		t.Errorf("Count = %d, want 3", db.Count())
	}
	if db.LastHandle() != 0x0003 {
		t.Errorf("LastHandle = 0x%04X, want 0x0003", db.LastHandle())
	}
}

func TestGetAttributeReturnsCopy(t *testing.T) {
	db := NewAttributeDatabase()
	handle := db.AddAttribute(UUID16(0x2B86), []byte{0x01}, PermReadable|PermWritable)

	attr, err := db.GetAttribute(handle)
	if err != nil {
		t.Fatalf("GetAttribute failed: %v", err)
	}
	attr.Value[0] = 0x02

	again, _ := db.GetAttribute(handle)
	if again.Value[0] != 0x01 {
		t.Errorf("Stored value changed through a returned copy")
	}

	if _, err := db.GetAttribute(0x0000); err == nil {
		t.Error("GetAttribute should fail for handle 0x0000")
	}
	if _, err := db.GetAttribute(0x0099); err == nil {
		t.Error("GetAttribute should fail for unallocated handle")
	}
}

func TestSetAttributeValue(t *testing.T) {
	db := NewAttributeDatabase()
	handle := db.AddAttribute(UUID16(0x2B86), []byte{0x01}, PermWritable)

	if err := db.SetAttributeValue(handle, []byte{0x02}); err != nil {
		t.Fatalf("SetAttributeValue failed: %v", err)
	}
	attr, _ := db.GetAttribute(handle)
	if !bytes.Equal(attr.Value, []byte{0x02}) {
		t.Errorf("Value = % X, want 02", attr.Value)
	}

	if err := db.SetAttributeValue(0x0042, []byte{0x00}); err == nil {
		t.Error("SetAttributeValue should fail for invalid handle")
	}
}

func TestFindAttributesByType(t *testing.T) {
	db, _ := BuildAttributeDatabase(
		NewGenericAccessService("member"),
		Service{UUID: UUID16(0x1846)},
		Service{UUID: UUID16(0x1846)},
	)

	services := db.FindAttributesByType(1, 0xFFFF, UUIDPrimaryService)
	if len(services) != 3 {
		t.Fatalf("Found %d services, want 3", len(services))
	}

	// Restricting the range skips the first service
	services = db.FindAttributesByType(services[1], 0xFFFF, UUIDPrimaryService)
	if len(services) != 2 {
		t.Errorf("Found %d services in sub-range, want 2", len(services))
	}
}

func TestCharacteristicOf(t *testing.T) {
	db, infos := BuildAttributeDatabase(Service{
		UUID: UUID16(0x1846),
		Characteristics: []Characteristic{
			{UUID: UUID16(0x2B84), Properties: PropRead},
			{UUID: UUID16(0x2B86), Properties: PropRead | PropWrite | PropNotify, Value: []byte{0x01}},
		},
	})

	lockHandle, err := infos[0].ValueHandle(UUID16(0x2B86))
	if err != nil {
		t.Fatalf("ValueHandle failed: %v", err)
	}
	cccd := infos[0].CCCDHandle(lockHandle)
	if cccd == 0 {
		t.Fatal("Expected a CCCD for the notifying characteristic")
	}

	valueHandle, props, ok := db.CharacteristicOf(cccd)
	if !ok {
		t.Fatal("CharacteristicOf(cccd) found nothing")
	}
	if valueHandle != lockHandle {
		t.Errorf("Value handle = 0x%04X, want 0x%04X", valueHandle, lockHandle)
	}
	if props&PropNotify == 0 {
		t.Errorf("Properties = 0x%02X, want notify set", props)
	}

	if _, _, ok := db.CharacteristicOf(infos[0].ServiceHandle); ok {
		t.Error("Service declaration should not belong to a characteristic")
	}
}

func TestShortUUID(t *testing.T) {
	val, ok := ShortUUID(UUID16(0x1846))
	if !ok || val != 0x1846 {
		t.Errorf("ShortUUID = (0x%04X, %v), want (0x1846, true)", val, ok)
	}
	if _, ok := ShortUUID(make([]byte, 16)); ok {
		t.Error("ShortUUID should reject 128-bit UUIDs")
	}
}

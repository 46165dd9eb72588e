package setmember

import (
	"crypto/rand"
	"fmt"

	"github.com/user/csis-coordinator/csip"
	"github.com/user/csis-coordinator/wire/advertising"
)

const (
	prandMask = 0x3FFFFF // random part of prand
	prandType = 0x400000 // top two bits 0b01
)

// GeneratePSRI creates a fresh resolvable set identifier for sirk:
// hash ‖ prand, both 24-bit little-endian, with prand's two most
// significant bits set to 0b01 and its random part neither all zeros nor
// all ones.
func GeneratePSRI(sirk [csip.SIRKSize]byte) (advertising.ADStructure, error) {
	var prand uint32
	for {
		var b [3]byte
		if _, err := rand.Read(b[:]); err != nil {
			return advertising.ADStructure{}, fmt.Errorf("setmember: prand: %w", err)
		}
		prand = (uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16) & prandMask
		if prand != 0 && prand != prandMask {
			break
		}
	}
	prand |= prandType

	hash, err := csip.SIH(sirk, prand)
	if err != nil {
		return advertising.ADStructure{}, err
	}

	var rsi [advertising.RSILen]byte
	putLE24(rsi[0:3], hash)
	putLE24(rsi[3:6], prand)
	return advertising.NewRSIAD(rsi), nil
}

func putLE24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}

// Advertisement is the member's advertising payload: flags, name, the
// CSIS UUID and a fresh PSRI for its first set.
func (m *Member) Advertisement() ([]byte, error) {
	psri, err := GeneratePSRI(m.insts[0].set.SIRK)
	if err != nil {
		return nil, err
	}
	return advertising.EncodeADStructures([]advertising.ADStructure{
		advertising.NewFlagsAD(advertising.FlagLEGeneralDiscoverableMode | advertising.FlagBREDRNotSupported),
		advertising.NewCompleteLocalNameAD(m.name),
		advertising.NewComplete16BitServiceUUIDsAD(csip.UUIDService),
		psri,
	})
}

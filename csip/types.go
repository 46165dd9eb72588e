package csip

import (
	"github.com/user/csis-coordinator/wire/att"
)

// Coordinated Set Identification Service and characteristic UUIDs
const (
	UUIDService uint16 = 0x1846
	UUIDSIRK    uint16 = 0x2B84
	UUIDSetSize uint16 = 0x2B85
	UUIDSetLock uint16 = 0x2B86
	UUIDRank    uint16 = 0x2B87

	UUIDClientCharacteristicConfig uint16 = 0x2902
)

// SIRKSize is the length of a Set Identity Resolving Key
const SIRKSize = 16

// sirkValueSize is the SIRK characteristic value: [type][key]
const sirkValueSize = 1 + SIRKSize

// SIRK characteristic type byte
const (
	SIRKTypeEncrypted uint8 = 0x00
	SIRKTypePlain     uint8 = 0x01
)

// Set Member Lock values
const (
	LockRelease uint8 = 0x01
	LockLocked  uint8 = 0x02
)

// CSIS application error codes
const (
	ErrCodeLockDenied            = 0x80
	ErrCodeLockReleaseNotAllowed = 0x81
	ErrCodeInvalidLockValue      = 0x82
	ErrCodeOOBSIRKOnly           = 0x83
	ErrCodeLockAlreadyGranted    = 0x84
)

func init() {
	att.RegisterApplicationError(ErrCodeLockDenied, "Lock Denied")
	att.RegisterApplicationError(ErrCodeLockReleaseNotAllowed, "Lock Release Not Allowed")
	att.RegisterApplicationError(ErrCodeInvalidLockValue, "Invalid Lock Value")
	att.RegisterApplicationError(ErrCodeOOBSIRKOnly, "OOB SIRK Only")
	att.RegisterApplicationError(ErrCodeLockAlreadyGranted, "Lock Already Granted")
}

// Characteristic properties the client subscribes with
const (
	PropNotify   uint8 = 0x10
	PropIndicate uint8 = 0x20
)

// CCC descriptor values
const (
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// SetInfo is what the client has learned about one coordinated set on one
// member. Two SetInfos describe the same set when SIRK and size match;
// Rank is per member.
type SetInfo struct {
	SIRK [SIRKSize]byte
	Size uint8
	Rank uint8
}

// SameSet reports whether o identifies the same coordinated set
func (i SetInfo) SameSet(o SetInfo) bool {
	return i.SIRK == o.SIRK && i.Size == o.Size
}

// Set is one CSIS instance on a member as seen by the application
type Set struct {
	Info SetInfo

	inst *instance
}

// Resolved reports whether the set is backed by a discovered instance
func (s *Set) Resolved() bool {
	return s.inst != nil
}

// SetMember is the application's handle on one connected peer. Sets is
// filled by Discover and its Info by DiscoverSets; the client keeps
// writing to it from notifications until the next Discover.
type SetMember struct {
	Conn Conn
	Sets []Set
}

// Callbacks receives procedure completions. Nil fields are skipped.
// Callbacks run on the transport's goroutine with no client lock held,
// so they may start the next procedure.
type Callbacks struct {
	// Discover reports the number of CSIS instances found (or configured
	// before a failure).
	Discover func(member *SetMember, err error, count int)
	// Sets reports the number of instances whose values were resolved.
	Sets func(member *SetMember, err error, count int)
	Lock func(err error)
	Release func(err error)
	// LockStateRead reports whether any member holds the lock
	LockStateRead func(info SetInfo, err error, locked bool)
	// LockChanged fires on lock notifications from a peer
	LockChanged func(conn Conn, info SetInfo, locked bool)
}

// Package setmember simulates a coordinated set member: a GATT server
// exposing one or more CSIS instances over a wire.Peripheral.
package setmember

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/csis-coordinator/config"
	"github.com/user/csis-coordinator/csip"
	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/wire"
	"github.com/user/csis-coordinator/wire/att"
	"github.com/user/csis-coordinator/wire/gatt"
)

// Set is one CSIS instance of a member
type Set struct {
	SIRK [csip.SIRKSize]byte
	// Encrypted exposes the SIRK encrypted with the reading link's LTK
	Encrypted bool
	Size      uint8
	Rank      uint8
}

// Config describes one member
type Config struct {
	Name string
	Sets []Set
	// LockTimeout releases a lock nobody released; 0 means config.DefaultLockTimeout
	LockTimeout time.Duration
	// LockError, when non-zero, is returned for every lock request
	LockError uint8
	// TestSampleData encrypts the SIRK with the sample data key instead of the LTK
	TestSampleData bool
}

// FromConfig builds one member configuration per configured member, all
// in the same set
func FromConfig(set config.Set) ([]Config, error) {
	sirk, err := set.Key()
	if err != nil {
		return nil, err
	}

	members := make([]Config, 0, len(set.Members))
	for _, m := range set.Members {
		members = append(members, Config{
			Name: m.Name,
			Sets: []Set{{
				SIRK:      sirk,
				Encrypted: set.Encrypted,
				Size:      uint8(len(set.Members)),
				Rank:      m.Rank,
			}},
			LockTimeout: set.LockTimeoutOrDefault(),
			LockError:   m.LockError,
		})
	}
	return members, nil
}

// Member serves the configured CSIS instances
type Member struct {
	name      string
	sampleKey bool
	periph    *wire.Peripheral
	insts     []*instance
}

type instance struct {
	m     *Member
	set   Set
	index int

	sirkHandle uint16
	sizeHandle uint16
	lockHandle uint16
	rankHandle uint16

	timeout time.Duration

	mu        sync.Mutex
	owner     *wire.Link
	timer     *time.Timer
	lockError uint8
}

// New lays out the attribute table (GAP first, then one CSIS instance
// per set) and installs the CSIS behaviour on a new peripheral.
func New(cfg Config) (*Member, error) {
	if cfg.Name == "" {
		return nil, errors.New("setmember: name is required")
	}
	if len(cfg.Sets) == 0 {
		return nil, fmt.Errorf("setmember %q: no sets", cfg.Name)
	}
	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = config.DefaultLockTimeout
	}

	db := gatt.NewAttributeDatabase()
	gatt.AddService(db, gatt.NewGenericAccessService(cfg.Name))

	m := &Member{
		name:      cfg.Name,
		sampleKey: cfg.TestSampleData,
		periph:    wire.NewPeripheral(cfg.Name, db),
	}

	for i, set := range cfg.Sets {
		if set.Rank == 0 {
			return nil, fmt.Errorf("setmember %q: set %d has rank 0", cfg.Name, i)
		}
		inst := &instance{m: m, set: set, index: i, timeout: timeout, lockError: cfg.LockError}
		if err := inst.build(db); err != nil {
			return nil, fmt.Errorf("setmember %q: %w", cfg.Name, err)
		}
		m.periph.HandleRead(inst.sirkHandle, inst.readSIRK)
		m.periph.HandleWrite(inst.lockHandle, inst.writeLock)
		m.insts = append(m.insts, inst)
	}

	m.periph.OnDisconnect(m.disconnected)
	logger.Debug(m.prefix(), "serving %d CSIS instance(s), %d attributes", len(m.insts), db.Count())
	return m, nil
}

func (i *instance) build(db *gatt.AttributeDatabase) error {
	sirkValue := append([]byte{csip.SIRKTypePlain}, i.set.SIRK[:]...)
	svc := gatt.AddService(db, gatt.Service{
		UUID: gatt.UUID16(csip.UUIDService),
		Characteristics: []gatt.Characteristic{
			{UUID: gatt.UUID16(csip.UUIDSIRK), Properties: gatt.PropRead | gatt.PropNotify, Value: sirkValue},
			{UUID: gatt.UUID16(csip.UUIDSetSize), Properties: gatt.PropRead | gatt.PropNotify, Value: []byte{i.set.Size}},
			{UUID: gatt.UUID16(csip.UUIDSetLock), Properties: gatt.PropRead | gatt.PropWrite | gatt.PropNotify, Value: []byte{csip.LockRelease}},
			{UUID: gatt.UUID16(csip.UUIDRank), Properties: gatt.PropRead, Value: []byte{i.set.Rank}},
		},
	})

	var err error
	handles := []struct {
		uuid uint16
		dst  *uint16
	}{
		{csip.UUIDSIRK, &i.sirkHandle},
		{csip.UUIDSetSize, &i.sizeHandle},
		{csip.UUIDSetLock, &i.lockHandle},
		{csip.UUIDRank, &i.rankHandle},
	}
	for _, h := range handles {
		if *h.dst, err = svc.ValueHandle(gatt.UUID16(h.uuid)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Member) prefix() string {
	return "SetMember " + m.name
}

func (m *Member) Name() string { return m.name }

// Peripheral is what a wire.Central connects to
func (m *Member) Peripheral() *wire.Peripheral { return m.periph }

// Sets returns the number of CSIS instances
func (m *Member) Sets() int { return len(m.insts) }

func (m *Member) inst(set int) *instance {
	if set < 0 || set >= len(m.insts) {
		panic(fmt.Sprintf("setmember %q: no set %d", m.name, set))
	}
	return m.insts[set]
}

// Locked reports whether set is locked and by which link
func (m *Member) Locked(set int) (bool, *wire.Link) {
	inst := m.inst(set)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.owner != nil, inst.owner
}

// SetLockError changes the fault injected into lock requests; 0 disables it
func (m *Member) SetLockError(set int, code uint8) {
	inst := m.inst(set)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.lockError = code
}

// SetSize changes the advertised set size and notifies every subscriber
func (m *Member) SetSize(set int, size uint8) error {
	inst := m.inst(set)
	if err := m.periph.Database().SetAttributeValue(inst.sizeHandle, []byte{size}); err != nil {
		return err
	}
	n := m.periph.Notify(inst.sizeHandle, []byte{size}, nil)
	logger.Debug(m.prefix(), "set %d size now %d, notified %d link(s)", set, size, n)
	return nil
}

// Close stops pending lock timers
func (m *Member) Close() {
	for _, inst := range m.insts {
		inst.mu.Lock()
		if inst.timer != nil {
			inst.timer.Stop()
			inst.timer = nil
		}
		inst.mu.Unlock()
	}
}

func (i *instance) readSIRK(l *wire.Link, _ uint16) ([]byte, uint8) {
	if !i.set.Encrypted {
		return append([]byte{csip.SIRKTypePlain}, i.set.SIRK[:]...), att.ErrSuccess
	}

	key := csip.TestSampleKey()
	if !i.m.sampleKey {
		var err error
		if key, err = l.LongTermKey(); err != nil {
			logger.Warn(i.m.prefix(), "no LTK for %s: %v", l, err)
			return nil, att.ErrInsufficientEncryption
		}
	}
	encrypted, err := csip.SEF(key, i.set.SIRK)
	if err != nil {
		logger.Error(i.m.prefix(), "sef: %v", err)
		return nil, att.ErrUnlikelyError
	}
	return append([]byte{csip.SIRKTypeEncrypted}, encrypted[:]...), att.ErrSuccess
}

// writeLock applies the Set Member Lock rules for a write from l
func (i *instance) writeLock(l *wire.Link, _ uint16, value []byte) uint8 {
	if len(value) != 1 {
		return att.ErrInvalidAttributeValueLength
	}
	v := value[0]
	if v != csip.LockRelease && v != csip.LockLocked {
		return csip.ErrCodeInvalidLockValue
	}

	i.mu.Lock()
	if v == csip.LockLocked && i.lockError != 0 {
		code := i.lockError
		i.mu.Unlock()
		logger.Debug(i.m.prefix(), "lock request from %s refused with injected %s", l, att.CodeName(code))
		return code
	}

	switch {
	case v == csip.LockLocked && i.owner == l:
		i.mu.Unlock()
		return csip.ErrCodeLockAlreadyGranted
	case v == csip.LockLocked && i.owner != nil:
		i.mu.Unlock()
		return csip.ErrCodeLockDenied
	case v == csip.LockRelease && i.owner == nil:
		// releasing an unlocked set changes nothing
		i.mu.Unlock()
		return att.ErrSuccess
	case v == csip.LockRelease && i.owner != l:
		i.mu.Unlock()
		return csip.ErrCodeLockReleaseNotAllowed
	}

	if v == csip.LockLocked {
		i.owner = l
		owner := l
		i.timer = time.AfterFunc(i.timeout, func() { i.expire(owner) })
	} else {
		i.owner = nil
		i.stopTimer()
	}
	i.mu.Unlock()

	i.publish(v, l)
	logger.Info(i.m.prefix(), "🔒 set %d %s by %s", i.index, lockName(v), l)
	return att.ErrSuccess
}

// stopTimer must be called with i.mu held
func (i *instance) stopTimer() {
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
}

// publish stores the lock value and notifies every link but the writer
func (i *instance) publish(v uint8, writer *wire.Link) {
	if err := i.m.periph.Database().SetAttributeValue(i.lockHandle, []byte{v}); err != nil {
		logger.Error(i.m.prefix(), "store lock value: %v", err)
	}
	i.m.periph.Notify(i.lockHandle, []byte{v}, writer)
}

// expire releases a lock its owner held for longer than the timeout
func (i *instance) expire(owner *wire.Link) {
	i.mu.Lock()
	if i.owner != owner {
		i.mu.Unlock()
		return
	}
	i.owner = nil
	i.timer = nil
	i.mu.Unlock()

	logger.Info(i.m.prefix(), "⏱️  set %d lock held by %s timed out", i.index, owner)
	i.publish(csip.LockRelease, nil)
}

func (m *Member) disconnected(l *wire.Link) {
	for _, inst := range m.insts {
		inst.mu.Lock()
		if inst.owner != l {
			inst.mu.Unlock()
			continue
		}
		inst.owner = nil
		inst.stopTimer()
		inst.mu.Unlock()

		logger.Info(m.prefix(), "set %d lock owner %s disconnected, releasing", inst.index, l)
		inst.publish(csip.LockRelease, nil)
	}
}

func lockName(v uint8) string {
	if v == csip.LockLocked {
		return "locked"
	}
	return "released"
}

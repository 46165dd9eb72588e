package csip

import (
	"fmt"
	"sort"

	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/wire/att"
)

type opKind int

const (
	opReadLock opKind = iota
	opLock
	opRelease
)

func (k opKind) String() string {
	switch k {
	case opReadLock:
		return "read lock state"
	case opLock:
		return "lock"
	case opRelease:
		return "release"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// operation is the one multi-member procedure in flight. order is the
// rank order the members are visited in; locked is the stack of
// instances this Lock has locked so far.
type operation struct {
	kind  opKind
	info  SetInfo
	order []*instance

	handled  int
	restored int
	locked   []*instance
	lockErr  error
}

type writeDone func(op *operation, inst *instance, err error)

// GetLockState reads the lock of every member in ascending rank order and
// stops at the first one that is not released. The result is reported
// through Callbacks.LockStateRead.
func (c *Client) GetLockState(members []*SetMember, info *SetInfo) error {
	op, err := c.admit(opReadLock, members, info)
	if err != nil {
		return err
	}
	if err := c.readLock(op, op.order[0]); err != nil {
		c.abandon(op)
		return transportError("read lock", op.order[0].lockHandle, err)
	}
	return nil
}

// Lock locks every member in ascending rank order. If a member refuses,
// the members already locked by this call are released again, highest
// rank first, and the original failure is reported through
// Callbacks.Lock. A failed release during that rollback is reported as a
// *RollbackError.
func (c *Client) Lock(members []*SetMember, info *SetInfo) error {
	op, err := c.admit(opLock, members, info)
	if err != nil {
		return err
	}
	if err := c.writeLock(op, op.order[0], LockLocked, c.onLocked); err != nil {
		c.abandon(op)
		return transportError("lock", op.order[0].lockHandle, err)
	}
	return nil
}

// Release releases every member in descending rank order. The first
// failure ends the procedure; nothing is rolled back.
func (c *Client) Release(members []*SetMember, info *SetInfo) error {
	op, err := c.admit(opRelease, members, info)
	if err != nil {
		return err
	}
	if err := c.writeLock(op, op.order[0], LockRelease, c.onReleased); err != nil {
		c.abandon(op)
		return transportError("release", op.order[0].lockHandle, err)
	}
	return nil
}

// admit validates the request and marks the client busy
func (c *Client) admit(kind opKind, members []*SetMember, info *SetInfo) (*operation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return nil, ErrBusy
	}
	if info == nil {
		return nil, argError("nil set info")
	}
	if len(members) == 0 {
		return nil, argError("no members")
	}

	op := &operation{
		kind:  kind,
		info:  *info,
		order: make([]*instance, 0, len(members)),
	}
	ranks := make(map[uint8]int, len(members))
	for i, m := range members {
		if m == nil {
			return nil, argError("member %d is nil", i)
		}
		if m.Conn == nil {
			return nil, argError("member %d has no connection", i)
		}
		if !m.Conn.Connected() {
			return nil, fmt.Errorf("%w: member %d", ErrNotConnected, i)
		}
		inst := c.reg.byInfo(m, *info)
		if inst == nil {
			return nil, argError("member %d has no instance of the set", i)
		}
		if inst.lockHandle == 0 {
			return nil, argError("member %d has no lock characteristic", i)
		}
		if j, dup := ranks[inst.rank]; dup {
			return nil, argError("members %d and %d share rank %d", j, i, inst.rank)
		}
		ranks[inst.rank] = i
		op.order = append(op.order, inst)
	}

	descending := kind == opRelease
	sort.Slice(op.order, func(i, j int) bool {
		if descending {
			return op.order[i].rank > op.order[j].rank
		}
		return op.order[i].rank < op.order[j].rank
	})

	c.op = op
	c.busy = true
	logger.Debug("CSIP", "%s on %d members", kind, len(op.order))
	return op, nil
}

// abandon clears op after its first transaction could not be sent
func (c *Client) abandon(op *operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.op == op {
		c.op = nil
		c.busy = false
	}
}

// finish ends the operation in flight and returns the callbacks to
// report through. Called with c.mu held.
func (c *Client) finish() Callbacks {
	c.op = nil
	c.busy = false
	return c.callbacks()
}

func (c *Client) readLock(op *operation, inst *instance) error {
	return c.gatt.Read(inst.conn, inst.lockHandle, func(_ Conn, err error, data []byte) {
		c.onLockRead(op, inst, err, data)
	})
}

func (c *Client) writeLock(op *operation, inst *instance, value uint8, done writeDone) error {
	logger.Debug(prefix(inst.conn), "write lock 0x%02X rank %d", value, inst.rank)
	return c.gatt.Write(inst.conn, inst.lockHandle, []byte{value}, func(_ Conn, err error) {
		done(op, inst, err)
	})
}

func (c *Client) onLockRead(op *operation, inst *instance, err error, data []byte) {
	c.mu.Lock()
	if c.op != op {
		c.mu.Unlock()
		return
	}

	var result error
	locked := false
	switch {
	case err != nil:
		result = transportError("read lock", inst.lockHandle, err)
	case len(data) != 1:
		result = lengthError(att.OpReadRequest, inst.lockHandle, len(data), 1)
	case data[0] != LockRelease && data[0] != LockLocked:
		result = fmt.Errorf("%w 0x%02X on handle 0x%04X", ErrInvalidLockValue, data[0], inst.lockHandle)
	default:
		inst.lockValue = data[0]
		op.handled++
		locked = data[0] == LockLocked

		if !locked && op.handled < len(op.order) {
			next := op.order[op.handled]
			c.mu.Unlock()
			if err := c.readLock(op, next); err != nil {
				c.onLockRead(op, next, err, nil)
			}
			return
		}
	}

	cb := c.finish()
	c.mu.Unlock()

	logger.Debug("CSIP", "lock state read on %d/%d members, locked=%v err=%v", op.handled, len(op.order), locked, result)
	if cb.LockStateRead != nil {
		cb.LockStateRead(op.info, result, locked)
	}
}

func (c *Client) onLocked(op *operation, inst *instance, err error) {
	c.mu.Lock()
	if c.op != op {
		c.mu.Unlock()
		return
	}

	if err != nil {
		op.lockErr = transportError("lock", inst.lockHandle, err)
		logger.Debug(prefix(inst.conn), "lock refused at rank %d: %v", inst.rank, err)
		c.mu.Unlock()
		c.rollback(op)
		return
	}

	inst.lockValue = LockLocked
	op.handled++
	op.locked = append(op.locked, inst)

	if op.handled == len(op.order) {
		cb := c.finish()
		c.mu.Unlock()
		logger.Info("CSIP", "locked %d members", op.handled)
		if cb.Lock != nil {
			cb.Lock(nil)
		}
		return
	}

	next := op.order[op.handled]
	c.mu.Unlock()
	if err := c.writeLock(op, next, LockLocked, c.onLocked); err != nil {
		c.onLocked(op, next, err)
	}
}

// rollback releases the top of op.locked, or reports the lock failure
// once the stack is empty.
func (c *Client) rollback(op *operation) {
	c.mu.Lock()
	if c.op != op {
		c.mu.Unlock()
		return
	}
	if len(op.locked) == 0 {
		cb := c.finish()
		c.mu.Unlock()
		logger.Info("CSIP", "lock failed, restored %d members: %v", op.restored, op.lockErr)
		if cb.Lock != nil {
			cb.Lock(op.lockErr)
		}
		return
	}
	inst := op.locked[len(op.locked)-1]
	c.mu.Unlock()

	if err := c.writeLock(op, inst, LockRelease, c.onRestored); err != nil {
		c.onRestored(op, inst, err)
	}
}

func (c *Client) onRestored(op *operation, inst *instance, err error) {
	c.mu.Lock()
	if c.op != op {
		c.mu.Unlock()
		return
	}

	if err != nil {
		cb := c.finish()
		c.mu.Unlock()
		rerr := &RollbackError{
			LockErr:    op.lockErr,
			RestoreErr: transportError("release", inst.lockHandle, err),
		}
		logger.Error(prefix(inst.conn), "%v", rerr)
		if cb.Lock != nil {
			cb.Lock(rerr)
		}
		return
	}

	inst.lockValue = LockRelease
	op.locked = op.locked[:len(op.locked)-1]
	op.restored++
	c.mu.Unlock()

	c.rollback(op)
}

func (c *Client) onReleased(op *operation, inst *instance, err error) {
	c.mu.Lock()
	if c.op != op {
		c.mu.Unlock()
		return
	}

	if err != nil {
		cb := c.finish()
		c.mu.Unlock()
		result := transportError("release", inst.lockHandle, err)
		logger.Debug(prefix(inst.conn), "%v", result)
		if cb.Release != nil {
			cb.Release(result)
		}
		return
	}

	inst.lockValue = LockRelease
	op.handled++

	if op.handled == len(op.order) {
		cb := c.finish()
		c.mu.Unlock()
		logger.Info("CSIP", "released %d members", op.handled)
		if cb.Release != nil {
			cb.Release(nil)
		}
		return
	}

	next := op.order[op.handled]
	c.mu.Unlock()
	if err := c.writeLock(op, next, LockRelease, c.onReleased); err != nil {
		c.onReleased(op, next, err)
	}
}

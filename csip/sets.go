package csip

import (
	"fmt"

	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/wire/att"
)

type resolveState int

const (
	stateReadSIRK resolveState = iota
	stateReadSize
	stateReadRank
	stateAdvance
	stateDone
	stateAbort
)

func (s resolveState) String() string {
	switch s {
	case stateReadSIRK:
		return "read-sirk"
	case stateReadSize:
		return "read-size"
	case stateReadRank:
		return "read-rank"
	case stateAdvance:
		return "advance"
	case stateDone:
		return "done"
	case stateAbort:
		return "abort"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// resolution reads SIRK, size and rank of every instance on one member,
// one read at a time. cur counts the instances fully resolved.
type resolution struct {
	member *SetMember
	conn   Conn
	insts  []*instance
	cur    int
	state  resolveState
	err    error
}

func (r *resolution) abort(err error) {
	r.err = err
	r.state = stateAbort
}

// next advances past states with nothing to read and returns the handle
// of the next read. ok is false once the resolution is over.
func (r *resolution) next() (handle uint16, ok bool) {
	for {
		switch r.state {
		case stateReadSIRK:
			inst := r.insts[r.cur]
			if inst.sirkHandle == 0 {
				r.abort(argError("instance %d has no SIRK characteristic", inst.idx))
				continue
			}
			return inst.sirkHandle, true
		case stateReadSize:
			if h := r.insts[r.cur].sizeHandle; h != 0 {
				return h, true
			}
			r.state = stateReadRank
		case stateReadRank:
			if h := r.insts[r.cur].rankHandle; h != 0 {
				return h, true
			}
			r.state = stateAdvance
		case stateAdvance:
			r.cur++
			if r.cur < len(r.insts) {
				r.state = stateReadSIRK
			} else {
				r.state = stateDone
			}
		default:
			return 0, false
		}
	}
}

// DiscoverSets reads the set identity (SIRK, size, rank) of every
// instance found by Discover on member and stores it in member.Sets.
// Completion is reported through Callbacks.Sets.
func (c *Client) DiscoverSets(member *SetMember) error {
	if err := validateMember(member); err != nil {
		return err
	}
	if !member.Conn.Connected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	e := c.reg.get(member.Conn)
	if e == nil || e.member != member || len(e.insts) == 0 {
		c.mu.Unlock()
		return argError("no CSIS instances discovered on member")
	}
	r := &resolution{
		member: member,
		conn:   member.Conn,
		insts:  append([]*instance(nil), e.insts...),
		state:  stateReadSIRK,
	}
	c.res = r
	c.busy = true
	c.mu.Unlock()

	return c.resolve(r, true)
}

// resolve issues the next read of r or completes it. On the first call a
// failure before any read went out is returned instead of reported.
func (c *Client) resolve(r *resolution, first bool) error {
	for {
		c.mu.Lock()
		if c.res != r {
			c.mu.Unlock()
			return nil
		}
		handle, ok := r.next()
		if !ok && first && r.state == stateAbort {
			c.res = nil
			c.busy = false
			c.mu.Unlock()
			return r.err
		}
		c.mu.Unlock()

		if !ok {
			c.finishResolution(r)
			return nil
		}

		logger.Debug(prefix(r.conn), "instance %d: %s 0x%04X", r.cur, r.state, handle)
		err := c.gatt.Read(r.conn, handle, c.onResolveRead)
		if err == nil {
			return nil
		}

		c.mu.Lock()
		r.abort(transportError("read", handle, err))
		c.mu.Unlock()
	}
}

func (c *Client) onResolveRead(conn Conn, err error, data []byte) {
	c.mu.Lock()
	r := c.res
	if r == nil || r.conn != conn {
		c.mu.Unlock()
		return
	}
	inst := r.insts[r.cur]
	set := inst.set()

	switch r.state {
	case stateReadSIRK:
		if err != nil {
			r.abort(transportError("read SIRK", inst.sirkHandle, err))
			break
		}
		if len(data) != sirkValueSize {
			r.abort(lengthError(att.OpReadRequest, inst.sirkHandle, len(data), sirkValueSize))
			break
		}
		sirk, err := c.decodeSIRK(conn, inst.sirkHandle, data)
		if err != nil {
			logger.Error(prefix(conn), "instance %d SIRK: %v", inst.idx, err)
			r.abort(err)
			break
		}
		if set != nil {
			set.Info.SIRK = sirk
		}
		r.state = stateReadSize

	case stateReadSize:
		if err != nil {
			r.abort(transportError("read set size", inst.sizeHandle, err))
			break
		}
		if len(data) != 1 {
			r.abort(lengthError(att.OpReadRequest, inst.sizeHandle, len(data), 1))
			break
		}
		if set != nil {
			set.Info.Size = data[0]
		}
		r.state = stateReadRank

	case stateReadRank:
		if err != nil {
			r.abort(transportError("read rank", inst.rankHandle, err))
			break
		}
		if len(data) != 1 {
			r.abort(lengthError(att.OpReadRequest, inst.rankHandle, len(data), 1))
			break
		}
		inst.rank = data[0]
		if set != nil {
			set.Info.Rank = data[0]
		}
		r.state = stateAdvance

	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.resolve(r, false)
}

func (c *Client) finishResolution(r *resolution) {
	c.mu.Lock()
	if c.res != r {
		c.mu.Unlock()
		return
	}
	c.res = nil
	c.busy = false
	count := len(r.insts)
	if r.state == stateAbort {
		count = r.cur
	}
	cb := c.callbacks()
	c.mu.Unlock()

	if r.err != nil {
		logger.Warn(prefix(r.conn), "set resolution stopped after %d instances: %v", count, r.err)
	} else {
		logger.Info(prefix(r.conn), "resolved %d sets", count)
	}
	if cb.Sets != nil {
		cb.Sets(r.member, r.err, count)
	}
}

// decodeSIRK turns a SIRK characteristic value into the plain key.
// Called with c.mu held.
func (c *Client) decodeSIRK(conn Conn, handle uint16, value []byte) ([SIRKSize]byte, error) {
	var sirk [SIRKSize]byte
	copy(sirk[:], value[1:])

	if value[0] != SIRKTypeEncrypted {
		return sirk, nil
	}
	if !c.cfg.EncryptedSIRK {
		return [SIRKSize]byte{}, fmt.Errorf("%w: %w", ErrEncryptedSIRKUnsupported,
			att.NewError(att.ErrInsufficientEncryption, att.OpReadRequest, handle))
	}

	key, err := c.sirkKey(conn)
	if err != nil {
		return [SIRKSize]byte{}, fmt.Errorf("SIRK key: %w", err)
	}
	plain, err := SDF(key, sirk)
	if err != nil {
		return [SIRKSize]byte{}, fmt.Errorf("decrypt SIRK: %w", err)
	}
	return plain, nil
}

func (c *Client) sirkKey(conn Conn) ([16]byte, error) {
	if c.cfg.TestSampleData {
		logger.Debug(prefix(conn), "decrypting with sample data K")
		return TestSampleKey(), nil
	}
	return conn.LongTermKey()
}

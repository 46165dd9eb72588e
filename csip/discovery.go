package csip

import (
	"github.com/user/csis-coordinator/logger"
)

// discovery tracks a running Discover. cur is the instance whose
// characteristics are being discovered.
type discovery struct {
	member *SetMember
	conn   Conn
	cur    int
}

// Discover finds the CSIS instances on member's connection, records the
// handles of their characteristics and subscribes to SIRK, size and lock
// changes. Anything learned by a previous Discover on the connection is
// dropped first. Completion is reported through Callbacks.Discover.
func (c *Client) Discover(member *SetMember) error {
	if err := validateMember(member); err != nil {
		return err
	}
	conn := member.Conn
	if !conn.Connected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	stale := c.reg.reset(member)
	d := &discovery{member: member, conn: conn}
	c.disc = d
	c.busy = true
	c.mu.Unlock()

	c.unsubscribe(conn, stale)

	params := &DiscoverParams{
		UUID:        UUIDService,
		StartHandle: 0x0001,
		EndHandle:   0xFFFF,
		Func:        c.primaryFound,
	}
	if err := c.gatt.DiscoverPrimary(conn, params); err != nil {
		c.mu.Lock()
		if c.disc == d {
			c.disc = nil
			c.busy = false
		}
		c.mu.Unlock()
		return transportError("discover primary", 0, err)
	}
	return nil
}

func (c *Client) primaryFound(conn Conn, attr *Attribute) bool {
	c.mu.Lock()
	d := c.disc
	if d == nil || d.conn != conn {
		c.mu.Unlock()
		return false
	}
	if attr == nil {
		c.mu.Unlock()
		c.discoverInstance(d)
		return false
	}

	inst := c.reg.add(conn, attr.Handle+1, attr.EndHandle)
	if inst != nil {
		logger.Debug(prefix(conn), "CSIS instance %d at 0x%04X-0x%04X", inst.idx, inst.startHandle, inst.endHandle)
	}
	full := inst == nil || c.reg.full(conn)
	c.mu.Unlock()

	if full {
		c.discoverInstance(d)
		return false
	}
	return true
}

// discoverInstance starts characteristic discovery for instance d.cur, or
// completes Discover when there is none left.
func (c *Client) discoverInstance(d *discovery) {
	c.mu.Lock()
	e := c.reg.get(d.conn)
	if e == nil || d.cur >= len(e.insts) {
		count := 0
		if e != nil {
			count = len(e.insts)
		}
		c.mu.Unlock()
		c.finishDiscover(d, nil, count)
		return
	}
	inst := e.insts[d.cur]
	c.mu.Unlock()

	params := &DiscoverParams{
		StartHandle: inst.startHandle,
		EndHandle:   inst.endHandle,
		Func:        c.characteristicFound,
	}
	if err := c.gatt.DiscoverCharacteristics(d.conn, params); err != nil {
		logger.Debug(prefix(d.conn), "discover characteristics of instance %d: %v", inst.idx, err)
		c.finishDiscover(d, transportError("discover characteristics", inst.startHandle, err), d.cur)
	}
}

func (c *Client) characteristicFound(conn Conn, attr *Attribute) bool {
	c.mu.Lock()
	d := c.disc
	if d == nil || d.conn != conn {
		c.mu.Unlock()
		return false
	}
	e := c.reg.get(conn)
	if e == nil || d.cur >= len(e.insts) {
		c.mu.Unlock()
		return false
	}
	inst := e.insts[d.cur]

	if attr == nil {
		logger.Debug(prefix(conn), "setup complete for %d/%d", d.cur+1, len(e.insts))
		d.cur++
		c.mu.Unlock()
		c.discoverInstance(d)
		return false
	}

	var handler NotifyFunc
	switch attr.UUID {
	case UUIDSIRK:
		inst.sirkHandle = attr.ValueHandle
		handler = c.sirkNotify
	case UUIDSetSize:
		inst.sizeHandle = attr.ValueHandle
		handler = c.sizeNotify
	case UUIDSetLock:
		inst.lockHandle = attr.ValueHandle
		handler = c.lockNotify
	case UUIDRank:
		inst.rankHandle = attr.ValueHandle
	}

	var sub *SubscribeParams
	if value := subscribeValue(attr.Properties); handler != nil && value != 0 {
		sub = &SubscribeParams{
			ValueHandle: attr.ValueHandle,
			EndHandle:   inst.endHandle,
			Value:       value,
			Notify:      handler,
		}
		inst.subs = append(inst.subs, sub)
	}
	c.mu.Unlock()

	if sub != nil {
		if err := c.gatt.Subscribe(conn, sub); err != nil {
			logger.Warn(prefix(conn), "subscribe 0x%04X: %v", attr.ValueHandle, err)
			c.mu.Lock()
			sub.ValueHandle = 0
			c.mu.Unlock()
		}
	}
	return true
}

// subscribeValue prefers notifications over indications
func subscribeValue(properties uint8) uint16 {
	switch {
	case properties&PropNotify != 0:
		return CCCNotify
	case properties&PropIndicate != 0:
		return CCCIndicate
	default:
		return 0
	}
}

// finishDiscover binds member.Sets to the discovered instances and reports
// completion.
func (c *Client) finishDiscover(d *discovery, err error, count int) {
	c.mu.Lock()
	if c.disc != d {
		c.mu.Unlock()
		return
	}
	c.disc = nil
	c.busy = false

	if e := c.reg.get(d.conn); e != nil {
		d.member.Sets = make([]Set, len(e.insts))
		for i, inst := range e.insts {
			d.member.Sets[i].inst = inst
		}
	}
	cb := c.callbacks()
	c.mu.Unlock()

	if err != nil {
		logger.Warn(prefix(d.conn), "discover failed after %d instances: %v", count, err)
	} else {
		logger.Info(prefix(d.conn), "discovered %d CSIS instances", count)
	}
	if cb.Discover != nil {
		cb.Discover(d.member, err, count)
	}
}

package csip

import (
	"errors"

	"github.com/user/csis-coordinator/logger"
)

func (c *Client) sirkNotify(conn Conn, p *SubscribeParams, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data == nil {
		logger.Debug(prefix(conn), "[UNSUBSCRIBED] SIRK 0x%04X", p.ValueHandle)
		p.ValueHandle = 0
		return
	}

	inst := c.reg.lookup(conn, p.ValueHandle)
	if inst == nil {
		logger.Debug(prefix(conn), "SIRK notification on unknown instance")
		return
	}
	if len(data) != sirkValueSize {
		logger.Warn(prefix(conn), "SIRK notification: invalid length %d", len(data))
		return
	}

	sirk, err := c.decodeSIRK(conn, p.ValueHandle, data)
	switch {
	case errors.Is(err, ErrEncryptedSIRKUnsupported):
		logger.Debug(prefix(conn), "encrypted SIRK not supported")
		return
	case err != nil:
		logger.Error(prefix(conn), "could not decrypt SIRK: %v", err)
		return
	}

	if set := inst.set(); set != nil {
		set.Info.SIRK = sirk
	}
	logger.Debug(prefix(conn), "instance %d SIRK updated", inst.idx)
}

func (c *Client) sizeNotify(conn Conn, p *SubscribeParams, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data == nil {
		logger.Debug(prefix(conn), "[UNSUBSCRIBED] size 0x%04X", p.ValueHandle)
		p.ValueHandle = 0
		return
	}

	inst := c.reg.lookup(conn, p.ValueHandle)
	if inst == nil {
		logger.Debug(prefix(conn), "size notification on unknown instance")
		return
	}
	if len(data) != 1 {
		logger.Warn(prefix(conn), "size notification: invalid length %d", len(data))
		return
	}

	if set := inst.set(); set != nil {
		set.Info.Size = data[0]
	}
	logger.Debug(prefix(conn), "instance %d size %d", inst.idx, data[0])
}

func (c *Client) lockNotify(conn Conn, p *SubscribeParams, data []byte) {
	c.mu.Lock()

	if data == nil {
		logger.Debug(prefix(conn), "[UNSUBSCRIBED] lock 0x%04X", p.ValueHandle)
		p.ValueHandle = 0
		c.mu.Unlock()
		return
	}

	inst := c.reg.lookup(conn, p.ValueHandle)
	if inst == nil {
		logger.Debug(prefix(conn), "lock notification on unknown instance")
		c.mu.Unlock()
		return
	}
	if len(data) != 1 {
		logger.Warn(prefix(conn), "lock notification: invalid length %d", len(data))
		c.mu.Unlock()
		return
	}
	value := data[0]
	if value != LockRelease && value != LockLocked {
		logger.Debug(prefix(conn), "invalid lock value 0x%02X", value)
		c.mu.Unlock()
		return
	}

	inst.lockValue = value
	info := inst.info()
	cb := c.callbacks()
	c.mu.Unlock()

	logger.Debug(prefix(conn), "instance %d lock 0x%02X", inst.idx, value)
	if cb.LockChanged != nil {
		cb.LockChanged(conn, info, value == LockLocked)
	}
}

package wire

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/user/csis-coordinator/csip"
	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/wire/att"
	"github.com/user/csis-coordinator/wire/debug"
	"github.com/user/csis-coordinator/wire/l2cap"
)

// Link is one LE connection between a Central and a Peripheral. The two
// ends exchange L2CAP frames over an in-memory pipe. On the central side
// ATT requests run one at a time on a FIFO worker, so the order GATT
// procedures are issued in is the order they reach the server.
type Link struct {
	ID uuid.UUID

	index      uint8
	ltk        [16]byte
	central    *Central
	peripheral *Peripheral
	capture    debug.Capture

	connected atomic.Bool
	mtu       atomic.Uint32

	client  *endpoint
	server  *endpoint
	tracker *att.RequestTracker
	jobs    *queue[func()]

	mu   sync.Mutex
	subs map[uint16][]*subscription // by value handle

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// subscription is a client registration. The handles are copied out of
// the params when Subscribe is called; the params themselves belong to
// the caller.
type subscription struct {
	params      *csip.SubscribeParams
	valueHandle uint16
	cccHandle   uint16
	endHandle   uint16
	value       uint16
}

var _ csip.Conn = (*Link)(nil)

// Index implements csip.Conn
func (l *Link) Index() uint8 { return l.index }

// Connected implements csip.Conn
func (l *Link) Connected() bool { return l.connected.Load() }

// LongTermKey implements csip.Conn. Both ends of a link share the key
// generated when it was established.
func (l *Link) LongTermKey() ([16]byte, error) {
	if !l.Connected() {
		return [16]byte{}, ErrDisconnected
	}
	return l.ltk, nil
}

// MTU returns the ATT_MTU in effect
func (l *Link) MTU() int { return int(l.mtu.Load()) }

// Peripheral returns the server end of the link
func (l *Link) Peripheral() *Peripheral { return l.peripheral }

func (l *Link) String() string {
	return fmt.Sprintf("link %d (%s)", l.index, shortHash(l.ID.String()))
}

func (l *Link) prefix() string {
	return shortHash(l.ID.String()) + " Wire"
}

// endpoint is one side of the pipe. Frames are written by a dedicated
// goroutine so a read loop never blocks on its own peer.
type endpoint struct {
	link *Link
	role ConnectionRole
	conn net.Conn
	out  *queue[[]byte]
}

func newEndpoint(l *Link, role ConnectionRole, conn net.Conn) *endpoint {
	return &endpoint{link: l, role: role, conn: conn, out: newQueue[[]byte]()}
}

// send queues pkt for the peer
func (e *endpoint) send(pkt att.Packet) error {
	payload, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}
	if mtu := e.link.MTU(); len(payload) > mtu {
		return fmt.Errorf("wire: %s of %d bytes exceeds ATT_MTU %d",
			att.OpcodeName(pkt.Opcode()), len(payload), mtu)
	}
	if !e.out.push(l2cap.NewATTPacket(payload).Encode()) {
		return ErrDisconnected
	}

	e.link.capture.Log(debug.NewEvent(e.link.ID.String(), debug.DirectionTx, e.role.capture(), pkt, payload))
	logger.Trace(e.link.prefix(), "📤 [%s] %s (%d bytes)", e.role, att.OpcodeName(pkt.Opcode()), len(payload))
	return nil
}

func (e *endpoint) writeLoop() {
	defer e.link.wg.Done()
	for {
		frame, ok := e.out.pop()
		if !ok {
			return
		}
		if _, err := e.conn.Write(frame); err != nil {
			return
		}
	}
}

// readLoop decodes frames until the pipe closes, then tears the link down
func (e *endpoint) readLoop(handle func(att.Packet)) {
	defer e.link.wg.Done()
	defer e.link.close()

	for {
		frame, err := l2cap.ReadPacket(e.conn)
		if err != nil {
			return
		}
		if frame.ChannelID != l2cap.ChannelATT {
			logger.Warn(e.link.prefix(), "⚠️  [%s] unsupported L2CAP channel 0x%04X", e.role, frame.ChannelID)
			continue
		}

		pkt, err := att.DecodePacket(frame.Payload)
		if err != nil {
			logger.Warn(e.link.prefix(), "❌ [%s] failed to decode ATT PDU: %v", e.role, err)
			continue
		}

		e.link.capture.Log(debug.NewEvent(e.link.ID.String(), debug.DirectionRx, e.role.capture(), pkt, frame.Payload))
		logger.Trace(e.link.prefix(), "📥 [%s] %s (%d bytes)", e.role, att.OpcodeName(pkt.Opcode()), len(frame.Payload))
		handle(pkt)
	}
}

func (e *endpoint) shutdown() {
	e.out.close()
	e.conn.Close()
}

// enqueue schedules a client procedure on the link worker
func (l *Link) enqueue(job func()) error {
	if !l.Connected() || !l.jobs.push(job) {
		return ErrDisconnected
	}
	return nil
}

func (l *Link) work() {
	defer l.wg.Done()
	for {
		job, ok := l.jobs.pop()
		if !ok {
			return
		}
		job()
	}
}

// request sends pkt and blocks for the matching response. An ATT Error
// Response comes back as *att.Error. Only called from the worker.
func (l *Link) request(pkt att.Packet, handle uint16) (att.Packet, error) {
	if !l.Connected() {
		return nil, ErrDisconnected
	}

	respC, err := l.tracker.StartRequest(pkt.Opcode(), handle, 0)
	if err != nil {
		return nil, err
	}
	if err := l.client.send(pkt); err != nil {
		l.tracker.FailRequest(err)
		<-respC
		return nil, err
	}
	if !l.Connected() {
		// close may have cancelled before the request was registered
		l.tracker.CancelPending()
	}

	resp := <-respC
	if resp.Error != nil {
		return nil, resp.Error
	}
	if e, ok := resp.Packet.(*att.ErrorResponse); ok {
		return nil, e.Err()
	}
	return resp.Packet, nil
}

// requestAs is request with the response narrowed to the expected PDU type
func requestAs[T att.Packet](l *Link, pkt att.Packet, handle uint16) (T, error) {
	var zero T
	resp, err := l.request(pkt, handle)
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("wire: unexpected %s in response to %s",
			att.OpcodeName(resp.Opcode()), att.OpcodeName(pkt.Opcode()))
	}
	return typed, nil
}

// handleClientPDU routes what the server sent. Responses complete the
// pending request; notifications and indications go to subscriptions.
func (l *Link) handleClientPDU(pkt att.Packet) {
	switch p := pkt.(type) {
	case *att.HandleValueNotification:
		l.dispatch(p.Handle, p.Value)

	case *att.HandleValueIndication:
		l.dispatch(p.Handle, p.Value)
		if err := l.client.send(&att.HandleValueConfirmation{}); err != nil {
			logger.Warn(l.prefix(), "❌ confirm indication on 0x%04X: %v", p.Handle, err)
		}

	default:
		if err := l.tracker.CompleteRequest(pkt); err != nil {
			logger.Warn(l.prefix(), "⚠️  dropped %s: %v", att.OpcodeName(pkt.Opcode()), err)
		}
	}
}

func (l *Link) dispatch(handle uint16, value []byte) {
	l.mu.Lock()
	subs := append([]*subscription(nil), l.subs[handle]...)
	l.mu.Unlock()

	if len(subs) == 0 {
		logger.Debug(l.prefix(), "📥 value on 0x%04X with no subscription", handle)
		return
	}
	for _, s := range subs {
		s.params.Notify(l, s.params, value)
	}
}

// removeSubscription unregisters s and reports whether it was registered
func (l *Link) removeSubscription(s *subscription) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := l.subs[s.valueHandle]
	for i, other := range list {
		if other == s {
			l.subs[s.valueHandle] = append(list[:i:i], list[i+1:]...)
			if len(l.subs[s.valueHandle]) == 0 {
				delete(l.subs, s.valueHandle)
			}
			return true
		}
	}
	return false
}

// close tears the link down once. Requests in flight fail, queued
// procedures still run and fail, and every subscription gets its final
// nil notification.
func (l *Link) close() {
	l.closeOnce.Do(func() {
		l.connected.Store(false)
		l.tracker.CancelPending()
		l.client.shutdown()
		l.server.shutdown()

		l.mu.Lock()
		subs := l.subs
		l.subs = make(map[uint16][]*subscription)
		l.jobs.close()
		l.mu.Unlock()

		for _, list := range subs {
			for _, s := range list {
				s.params.Notify(l, s.params, nil)
			}
		}

		l.peripheral.detach(l)
		l.central.detach(l)
		logger.Info(l.prefix(), "🔌 %s closed", l)
	})
}

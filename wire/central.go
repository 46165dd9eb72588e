package wire

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/user/csis-coordinator/csip"
	"github.com/user/csis-coordinator/logger"
	"github.com/user/csis-coordinator/wire/att"
	"github.com/user/csis-coordinator/wire/debug"
	"github.com/user/csis-coordinator/wire/gatt"
)

// Options configures a Central
type Options struct {
	// ATTTimeout bounds every ATT transaction; 0 means att.DefaultTransactionTimeout
	ATTTimeout time.Duration
	// MTU is the client receive MTU offered in the MTU exchange
	MTU int
	// Capture receives every PDU of every link; nil captures nothing
	Capture debug.Capture
}

// Central is the GATT client side of any number of links. It implements
// csip.GATT; the csip.Conn passed to it must be a *Link it created.
type Central struct {
	opts Options

	mu    sync.Mutex
	links map[uint8]*Link
}

var _ csip.GATT = (*Central)(nil)

// NewCentral creates a central with no links
func NewCentral(opts Options) *Central {
	if opts.MTU < DefaultMTU {
		opts.MTU = DefaultMTU
	}
	if opts.MTU > MaxMTU {
		opts.MTU = MaxMTU
	}
	if opts.Capture == nil {
		opts.Capture = debug.NoopCapture{}
	}
	return &Central{opts: opts, links: make(map[uint8]*Link)}
}

// Connect establishes a link to p. A fresh LTK is shared by both ends as
// if the devices had just bonded; the MTU exchange is the first procedure
// queued on the link.
func (c *Central) Connect(p *Peripheral) (*Link, error) {
	var ltk [16]byte
	if _, err := rand.Read(ltk[:]); err != nil {
		return nil, fmt.Errorf("wire: generate LTK: %w", err)
	}

	c.mu.Lock()
	idx, ok := c.freeIndex()
	if !ok {
		c.mu.Unlock()
		return nil, ErrTooManyLinks
	}

	clientConn, serverConn := net.Pipe()
	l := &Link{
		ID:         uuid.New(),
		index:      idx,
		ltk:        ltk,
		central:    c,
		peripheral: p,
		capture:    c.opts.Capture,
		tracker:    att.NewRequestTracker(c.opts.ATTTimeout),
		jobs:       newQueue[func()](),
		subs:       make(map[uint16][]*subscription),
	}
	l.client = newEndpoint(l, RoleCentral, clientConn)
	l.server = newEndpoint(l, RolePeripheral, serverConn)
	l.mtu.Store(DefaultMTU)
	l.connected.Store(true)
	c.links[idx] = l
	c.mu.Unlock()

	l.tracker.SetTimeoutCallback(func(opcode uint8, handle uint16) {
		// a timed out bearer is dead
		logger.Warn(l.prefix(), "⏱️  %s on 0x%04X timed out, closing %s", att.OpcodeName(opcode), handle, l)
		go l.close()
	})
	p.attach(l)

	l.wg.Add(5)
	go l.client.writeLoop()
	go l.server.writeLoop()
	go l.client.readLoop(l.handleClientPDU)
	go l.server.readLoop(func(pkt att.Packet) { p.handle(l, pkt) })
	go l.work()

	logger.Info(l.prefix(), "🔗 connected to %q as %s", p.Name(), l)
	if err := l.enqueue(l.exchangeMTU); err != nil {
		return nil, err
	}
	return l, nil
}

// freeIndex must be called with c.mu held
func (c *Central) freeIndex() (uint8, bool) {
	for i := 0; i < MaxLinks; i++ {
		if _, used := c.links[uint8(i)]; !used {
			return uint8(i), true
		}
	}
	return 0, false
}

// Disconnect closes l and waits for its goroutines. It must not be
// called from a link callback.
func (c *Central) Disconnect(l *Link) {
	l.close()
	l.wg.Wait()
}

// Close disconnects every link
func (c *Central) Close() {
	for _, l := range c.Links() {
		c.Disconnect(l)
	}
}

// Links returns the live links ordered by index
func (c *Central) Links() []*Link {
	c.mu.Lock()
	defer c.mu.Unlock()

	links := make([]*Link, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].index < links[j].index })
	return links
}

func (c *Central) detach(l *Link) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.links[l.index] == l {
		delete(c.links, l.index)
	}
}

func (c *Central) link(conn csip.Conn) (*Link, error) {
	l, ok := conn.(*Link)
	if !ok || l == nil || l.central != c {
		return nil, ErrUnknownLink
	}
	if !l.Connected() {
		return nil, ErrDisconnected
	}
	return l, nil
}

// DiscoverPrimary implements csip.GATT with Read By Group Type requests
func (c *Central) DiscoverPrimary(conn csip.Conn, p *csip.DiscoverParams) error {
	l, err := c.link(conn)
	if err != nil {
		return err
	}
	return l.enqueue(func() { l.discoverPrimary(p) })
}

// DiscoverCharacteristics implements csip.GATT with Read By Type requests
func (c *Central) DiscoverCharacteristics(conn csip.Conn, p *csip.DiscoverParams) error {
	l, err := c.link(conn)
	if err != nil {
		return err
	}
	return l.enqueue(func() { l.discoverCharacteristics(p) })
}

// Read implements csip.GATT
func (c *Central) Read(conn csip.Conn, handle uint16, fn csip.ReadFunc) error {
	l, err := c.link(conn)
	if err != nil {
		return err
	}
	return l.enqueue(func() {
		resp, err := requestAs[*att.ReadResponse](l, &att.ReadRequest{Handle: handle}, handle)
		if err != nil {
			fn(l, err, nil)
			return
		}
		fn(l, nil, resp.Value)
	})
}

// Write implements csip.GATT with a Write Request
func (c *Central) Write(conn csip.Conn, handle uint16, value []byte, fn csip.WriteFunc) error {
	l, err := c.link(conn)
	if err != nil {
		return err
	}
	value = append([]byte(nil), value...)
	return l.enqueue(func() {
		_, err := requestAs[*att.WriteResponse](l, &att.WriteRequest{Handle: handle, Value: value}, handle)
		fn(l, err)
	})
}

// Subscribe implements csip.GATT. The handler is registered right away;
// the CCCD is located if needed and written by the worker. If that fails
// the handler gets its final nil notification.
func (c *Central) Subscribe(conn csip.Conn, p *csip.SubscribeParams) error {
	l, err := c.link(conn)
	if err != nil {
		return err
	}
	if p == nil || p.Notify == nil || p.ValueHandle == 0 {
		return ErrBadSubscription
	}

	s := &subscription{
		params:      p,
		valueHandle: p.ValueHandle,
		cccHandle:   p.CCCHandle,
		endHandle:   p.EndHandle,
		value:       p.Value,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.Connected() {
		return ErrDisconnected
	}
	if !l.jobs.push(func() { l.subscribe(s) }) {
		return ErrDisconnected
	}
	l.subs[s.valueHandle] = append(l.subs[s.valueHandle], s)
	return nil
}

// Unsubscribe implements csip.GATT. The CCCD is cleared once no other
// subscription on the same value remains, then the handler gets nil.
func (c *Central) Unsubscribe(conn csip.Conn, p *csip.SubscribeParams) error {
	l, err := c.link(conn)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var found *subscription
	for _, list := range l.subs {
		for _, s := range list {
			if s.params == p {
				found = s
			}
		}
	}
	if found == nil {
		return ErrNotSubscribed
	}
	if !l.jobs.push(func() { l.unsubscribe(found) }) {
		return ErrDisconnected
	}
	return nil
}

func (l *Link) exchangeMTU() {
	resp, err := requestAs[*att.ExchangeMTUResponse](l,
		&att.ExchangeMTURequest{ClientRxMTU: uint16(l.central.opts.MTU)}, 0)
	if err != nil {
		logger.Warn(l.prefix(), "MTU exchange: %v", err)
		return
	}
	l.setMTU(l.central.opts.MTU, int(resp.ServerRxMTU))
}

// setMTU applies the result of an MTU exchange to both ends
func (l *Link) setMTU(client, server int) {
	mtu := min(client, server)
	mtu = max(mtu, DefaultMTU)
	l.mtu.Store(uint32(mtu))
	logger.Debug(l.prefix(), "📏 ATT_MTU %d", mtu)
}

func (l *Link) discoverPrimary(p *csip.DiscoverParams) {
	start, end := p.StartHandle, p.EndHandle
	for start != 0 && start <= end {
		resp, err := requestAs[*att.ReadByGroupTypeResponse](l, &att.ReadByGroupTypeRequest{
			StartHandle: start,
			EndHandle:   end,
			Type:        gatt.UUIDPrimaryService,
		}, start)
		if err != nil {
			if !att.IsATTError(err, att.ErrAttributeNotFound) {
				logger.Warn(l.prefix(), "primary discovery at 0x%04X: %v", start, err)
			}
			break
		}

		services, err := gatt.ParseReadByGroupTypeResponse(resp)
		if err != nil || len(services) == 0 {
			logger.Warn(l.prefix(), "primary discovery at 0x%04X: bad response: %v", start, err)
			break
		}
		for _, svc := range services {
			short, _ := gatt.ShortUUID(svc.UUID)
			if p.UUID != 0 && short != p.UUID {
				continue
			}
			attr := &csip.Attribute{Handle: svc.StartHandle, EndHandle: svc.EndHandle, UUID: short}
			if !p.Func(l, attr) {
				return
			}
		}

		last := services[len(services)-1].EndHandle
		if last >= end || last < start {
			break
		}
		start = last + 1
	}
	p.Func(l, nil)
}

func (l *Link) discoverCharacteristics(p *csip.DiscoverParams) {
	start, end := p.StartHandle, p.EndHandle
	for start != 0 && start <= end {
		resp, err := requestAs[*att.ReadByTypeResponse](l, &att.ReadByTypeRequest{
			StartHandle: start,
			EndHandle:   end,
			Type:        gatt.UUIDCharacteristic,
		}, start)
		if err != nil {
			if !att.IsATTError(err, att.ErrAttributeNotFound) {
				logger.Warn(l.prefix(), "characteristic discovery at 0x%04X: %v", start, err)
			}
			break
		}

		chars, err := gatt.ParseReadByTypeResponse(resp)
		if err != nil || len(chars) == 0 {
			logger.Warn(l.prefix(), "characteristic discovery at 0x%04X: bad response: %v", start, err)
			break
		}
		for _, ch := range chars {
			short, _ := gatt.ShortUUID(ch.UUID)
			if p.UUID != 0 && short != p.UUID {
				continue
			}
			attr := &csip.Attribute{
				Handle:      ch.DeclarationHandle,
				UUID:        short,
				Properties:  ch.Properties,
				ValueHandle: ch.ValueHandle,
			}
			if !p.Func(l, attr) {
				return
			}
		}

		last := chars[len(chars)-1].DeclarationHandle
		if last >= end || last < start {
			break
		}
		start = last + 1
	}
	p.Func(l, nil)
}

// findCCC looks for the CCCD of the characteristic whose value sits at
// valueHandle, stopping at the next characteristic or service.
func (l *Link) findCCC(valueHandle, endHandle uint16) (uint16, error) {
	if endHandle == 0 || endHandle < valueHandle {
		endHandle = 0xFFFF
	}

	start := valueHandle + 1
	for start != 0 && start <= endHandle {
		resp, err := requestAs[*att.FindInformationResponse](l,
			&att.FindInformationRequest{StartHandle: start, EndHandle: endHandle}, start)
		if err != nil {
			return 0, err
		}
		descs, err := gatt.ParseFindInformationResponse(resp)
		if err != nil {
			return 0, err
		}
		if len(descs) == 0 {
			break
		}

		for _, d := range descs {
			short, _ := gatt.ShortUUID(d.UUID)
			switch short {
			case csip.UUIDClientCharacteristicConfig:
				return d.Handle, nil
			case 0x2800, 0x2801, 0x2803:
				return 0, att.NewError(att.ErrAttributeNotFound, att.OpFindInformationRequest, valueHandle)
			}
		}
		start = descs[len(descs)-1].Handle + 1
	}
	return 0, att.NewError(att.ErrAttributeNotFound, att.OpFindInformationRequest, valueHandle)
}

func (l *Link) writeCCC(handle, value uint16) error {
	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], value)
	_, err := requestAs[*att.WriteResponse](l, &att.WriteRequest{Handle: handle, Value: raw[:]}, handle)
	return err
}

func (l *Link) subscribe(s *subscription) {
	if s.cccHandle == 0 {
		ccc, err := l.findCCC(s.valueHandle, s.endHandle)
		if err != nil {
			l.dropSubscription(s, fmt.Errorf("find CCCD: %w", err))
			return
		}
		l.mu.Lock()
		s.cccHandle = ccc
		l.mu.Unlock()
	}

	if err := l.writeCCC(s.cccHandle, s.value); err != nil {
		l.dropSubscription(s, fmt.Errorf("write CCCD 0x%04X: %w", s.cccHandle, err))
		return
	}
	logger.Debug(l.prefix(), "🔔 subscribed to 0x%04X (CCCD 0x%04X = 0x%04X)", s.valueHandle, s.cccHandle, s.value)
}

func (l *Link) dropSubscription(s *subscription, err error) {
	logger.Warn(l.prefix(), "subscription on 0x%04X dropped: %v", s.valueHandle, err)
	if l.removeSubscription(s) {
		s.params.Notify(l, s.params, nil)
	}
}

func (l *Link) unsubscribe(s *subscription) {
	if !l.removeSubscription(s) {
		// the link closed first and already delivered nil
		return
	}

	l.mu.Lock()
	remaining := len(l.subs[s.valueHandle])
	ccc := s.cccHandle
	l.mu.Unlock()

	if remaining == 0 && ccc != 0 {
		if err := l.writeCCC(ccc, gatt.CCCDDisabled); err != nil {
			logger.Debug(l.prefix(), "clear CCCD 0x%04X: %v", ccc, err)
		}
	}
	logger.Debug(l.prefix(), "🔕 unsubscribed from 0x%04X", s.valueHandle)
	s.params.Notify(l, s.params, nil)
}

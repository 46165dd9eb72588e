package csip

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mock.Mock
}

func (m *mockConn) Index() uint8 {
	return m.Called().Get(0).(uint8)
}

func (m *mockConn) Connected() bool {
	return m.Called().Bool(0)
}

func (m *mockConn) LongTermKey() ([16]byte, error) {
	args := m.Called()
	return args.Get(0).([16]byte), args.Error(1)
}

func newMockConn(idx uint8, connected bool) *mockConn {
	c := &mockConn{}
	c.On("Index").Return(idx).Maybe()
	c.On("Connected").Return(connected).Maybe()
	return c
}

// call is one transaction the client issued
type call struct {
	kind   string
	conn   Conn
	handle uint16
	value  []byte
}

type fakeChar struct {
	uuid     uint16
	props    uint8
	handle   uint16 // value handle; the declaration sits right before it
	value    []byte
	readErr  error
	writeErr error
}

type fakeService struct {
	start, end uint16
	chars      []*fakeChar
}

func (s *fakeService) char(uuid uint16) *fakeChar {
	for _, c := range s.chars {
		if c.uuid == uuid {
			return c
		}
	}
	return nil
}

type fakePeer struct {
	services []*fakeService
	subs     map[uint16]*SubscribeParams
}

func (p *fakePeer) char(handle uint16) *fakeChar {
	for _, s := range p.services {
		for _, c := range s.chars {
			if c.handle == handle {
				return c
			}
		}
	}
	return nil
}

// fakeGATT answers from in-memory peers. Completions are queued and run
// by drain, so tests see the client the way an asynchronous transport
// drives it.
type fakeGATT struct {
	mu       sync.Mutex
	peers    map[Conn]*fakePeer
	calls    []call
	pending  []func()
	failNext map[string]error
	failNth  map[string]failure
}

// failure makes the n-th call of a kind fail to issue
type failure struct {
	n   int
	err error
}

func newFakeGATT() *fakeGATT {
	return &fakeGATT{
		peers:    make(map[Conn]*fakePeer),
		failNext: make(map[string]error),
		failNth:  make(map[string]failure),
	}
}

func (f *fakeGATT) addPeer(conn Conn, services ...*fakeService) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{services: services, subs: make(map[uint16]*SubscribeParams)}
	f.peers[conn] = p
	return p
}

// record logs the call and returns the injected issuance error, if any
func (f *fakeGATT) record(kind string, conn Conn, handle uint16, value []byte, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failNext[kind]; ok {
		delete(f.failNext, kind)
		return err
	}
	if fail, ok := f.failNth[kind]; ok {
		n := 1
		for _, c := range f.calls {
			if c.kind == kind {
				n++
			}
		}
		if n == fail.n {
			delete(f.failNth, kind)
			return fail.err
		}
	}
	f.calls = append(f.calls, call{kind: kind, conn: conn, handle: handle, value: append([]byte(nil), value...)})
	if fn != nil {
		f.pending = append(f.pending, fn)
	}
	return nil
}

func (f *fakeGATT) failAt(kind string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNth[kind] = failure{n: n, err: err}
}

func (f *fakeGATT) drain() {
	for {
		f.mu.Lock()
		if len(f.pending) == 0 {
			f.mu.Unlock()
			return
		}
		fn := f.pending[0]
		f.pending = f.pending[1:]
		f.mu.Unlock()
		fn()
	}
}

func (f *fakeGATT) peer(conn Conn) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[conn]
}

func (f *fakeGATT) callsOf(kind string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeGATT) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGATT) DiscoverPrimary(conn Conn, p *DiscoverParams) error {
	return f.record("primary", conn, p.StartHandle, nil, func() {
		for _, s := range f.peer(conn).services {
			if s.start < p.StartHandle || s.start > p.EndHandle {
				continue
			}
			if !p.Func(conn, &Attribute{Handle: s.start, EndHandle: s.end, UUID: UUIDService}) {
				return
			}
		}
		p.Func(conn, nil)
	})
}

func (f *fakeGATT) DiscoverCharacteristics(conn Conn, p *DiscoverParams) error {
	return f.record("characteristics", conn, p.StartHandle, nil, func() {
		for _, s := range f.peer(conn).services {
			for _, c := range s.chars {
				decl := c.handle - 1
				if decl < p.StartHandle || decl > p.EndHandle {
					continue
				}
				attr := &Attribute{Handle: decl, UUID: c.uuid, Properties: c.props, ValueHandle: c.handle}
				if !p.Func(conn, attr) {
					return
				}
			}
		}
		p.Func(conn, nil)
	})
}

func (f *fakeGATT) Read(conn Conn, handle uint16, fn ReadFunc) error {
	return f.record("read", conn, handle, nil, func() {
		c := f.peer(conn).char(handle)
		if c.readErr != nil {
			fn(conn, c.readErr, nil)
			return
		}
		fn(conn, nil, append([]byte(nil), c.value...))
	})
}

func (f *fakeGATT) Write(conn Conn, handle uint16, value []byte, fn WriteFunc) error {
	return f.record("write", conn, handle, value, func() {
		c := f.peer(conn).char(handle)
		if c.writeErr != nil {
			fn(conn, c.writeErr)
			return
		}
		c.value = append([]byte(nil), value...)
		fn(conn, nil)
	})
}

func (f *fakeGATT) Subscribe(conn Conn, p *SubscribeParams) error {
	err := f.record("subscribe", conn, p.ValueHandle, nil, nil)
	if err == nil {
		f.mu.Lock()
		f.peers[conn].subs[p.ValueHandle] = p
		f.mu.Unlock()
	}
	return err
}

func (f *fakeGATT) Unsubscribe(conn Conn, p *SubscribeParams) error {
	handle := p.ValueHandle
	return f.record("unsubscribe", conn, handle, nil, func() {
		f.mu.Lock()
		delete(f.peers[conn].subs, handle)
		f.mu.Unlock()
		p.Notify(conn, p, nil)
	})
}

// notify delivers data to the client's subscription on handle
func (f *fakeGATT) notify(t *testing.T, conn Conn, handle uint16, data []byte) {
	t.Helper()
	f.mu.Lock()
	p := f.peers[conn].subs[handle]
	f.mu.Unlock()
	require.NotNil(t, p, "no subscription on 0x%04X", handle)
	p.Notify(conn, p, data)
}

// csisService lays out one CSIS instance starting at start:
// SIRK at start+2, size at start+5, lock at start+8, rank at start+11.
func csisService(start uint16, sirk [SIRKSize]byte, size, rank uint8) *fakeService {
	sirkValue := append([]byte{SIRKTypePlain}, sirk[:]...)
	return &fakeService{
		start: start,
		end:   start + 11,
		chars: []*fakeChar{
			{uuid: UUIDSIRK, props: 0x02 | PropNotify, handle: start + 2, value: sirkValue},
			{uuid: UUIDSetSize, props: 0x02 | PropNotify, handle: start + 5, value: []byte{size}},
			{uuid: UUIDSetLock, props: 0x02 | 0x08 | PropNotify, handle: start + 8, value: []byte{LockRelease}},
			{uuid: UUIDRank, props: 0x02, handle: start + 11, value: []byte{rank}},
		},
	}
}

var testSIRK = [SIRKSize]byte{
	0x45, 0x7d, 0x7d, 0x09, 0x21, 0xa1, 0xfd, 0x22,
	0xce, 0xcd, 0x8c, 0x86, 0xdd, 0x72, 0xcc, 0xcd,
}

// recorder collects callback invocations
type recorder struct {
	mu          sync.Mutex
	discovers   []result
	sets        []result
	locks       []error
	releases    []error
	lockStates  []lockState
	lockChanges []lockChange
}

type result struct {
	member *SetMember
	err    error
	count  int
}

type lockState struct {
	info   SetInfo
	err    error
	locked bool
}

type lockChange struct {
	conn   Conn
	info   SetInfo
	locked bool
}

func (r *recorder) callbacks() *Callbacks {
	return &Callbacks{
		Discover: func(m *SetMember, err error, count int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.discovers = append(r.discovers, result{m, err, count})
		},
		Sets: func(m *SetMember, err error, count int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.sets = append(r.sets, result{m, err, count})
		},
		Lock: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.locks = append(r.locks, err)
		},
		Release: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.releases = append(r.releases, err)
		},
		LockStateRead: func(info SetInfo, err error, locked bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lockStates = append(r.lockStates, lockState{info, err, locked})
		},
		LockChanged: func(conn Conn, info SetInfo, locked bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.lockChanges = append(r.lockChanges, lockChange{conn, info, locked})
		},
	}
}

func newTestClient(cfg Config) (*Client, *fakeGATT, *recorder) {
	f := newFakeGATT()
	c := New(f, cfg)
	rec := &recorder{}
	c.RegisterCallbacks(rec.callbacks())
	return c, f, rec
}

// resolveMember runs Discover and DiscoverSets to completion on conn
func resolveMember(t *testing.T, c *Client, f *fakeGATT, conn Conn) *SetMember {
	t.Helper()
	member := &SetMember{Conn: conn}
	require.NoError(t, c.Discover(member))
	f.drain()
	require.NoError(t, c.DiscoverSets(member))
	f.drain()
	return member
}

// setOf builds n members of one set with the given ranks
func setOf(t *testing.T, c *Client, f *fakeGATT, ranks ...uint8) ([]*SetMember, map[Conn]uint8) {
	t.Helper()
	var members []*SetMember
	rankOf := make(map[Conn]uint8)
	for i, rank := range ranks {
		conn := newMockConn(uint8(i), true)
		f.addPeer(conn, csisService(0x0010, testSIRK, uint8(len(ranks)), rank))
		members = append(members, resolveMember(t, c, f, conn))
		rankOf[conn] = rank
	}
	return members, rankOf
}

func writtenRanks(f *fakeGATT, rankOf map[Conn]uint8) (ranks []uint8, values []uint8) {
	for _, w := range f.callsOf("write") {
		ranks = append(ranks, rankOf[w.conn])
		values = append(values, w.value[0])
	}
	return ranks, values
}

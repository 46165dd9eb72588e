package csip

// instance is one CSIS service occurrence on one connection. Handles of
// 0 mean the characteristic was not found.
type instance struct {
	idx    int
	conn   Conn
	member *SetMember

	startHandle uint16
	endHandle   uint16

	sirkHandle uint16
	sizeHandle uint16
	lockHandle uint16
	rankHandle uint16

	rank      uint8
	lockValue uint8

	subs []*SubscribeParams
}

// set returns the application slot this instance fills
func (i *instance) set() *Set {
	if i.member == nil || i.idx >= len(i.member.Sets) {
		return nil
	}
	return &i.member.Sets[i.idx]
}

func (i *instance) info() SetInfo {
	if s := i.set(); s != nil {
		return s.Info
	}
	return SetInfo{Rank: i.rank}
}

func (i *instance) contains(handle uint16) bool {
	return handle >= i.startHandle && handle <= i.endHandle
}

// entry is everything known about one connection
type entry struct {
	conn   Conn
	member *SetMember
	insts  []*instance
}

// registry maps connection indices to their CSIS instances. Callers
// hold the client mutex.
type registry struct {
	max     int
	entries map[uint8]*entry
}

func newRegistry(max int) *registry {
	return &registry{
		max:     max,
		entries: make(map[uint8]*entry),
	}
}

// reset starts a fresh entry for member and returns the subscriptions
// of the instances it replaces.
func (r *registry) reset(member *SetMember) []*SubscribeParams {
	stale := r.remove(member.Conn)
	r.entries[member.Conn.Index()] = &entry{
		conn:   member.Conn,
		member: member,
	}
	return stale
}

// remove forgets conn and returns the live subscriptions it held
func (r *registry) remove(conn Conn) []*SubscribeParams {
	e, ok := r.entries[conn.Index()]
	if !ok {
		return nil
	}
	delete(r.entries, conn.Index())

	var stale []*SubscribeParams
	for _, inst := range e.insts {
		for _, sub := range inst.subs {
			if sub.ValueHandle != 0 {
				stale = append(stale, sub)
			}
		}
	}
	return stale
}

func (r *registry) get(conn Conn) *entry {
	return r.entries[conn.Index()]
}

// add records a new instance covering [start, end]. It returns nil once
// the connection holds max instances.
func (r *registry) add(conn Conn, start, end uint16) *instance {
	e := r.get(conn)
	if e == nil || len(e.insts) >= r.max {
		return nil
	}
	inst := &instance{
		idx:         len(e.insts),
		conn:        conn,
		member:      e.member,
		startHandle: start,
		endHandle:   end,
	}
	e.insts = append(e.insts, inst)
	return inst
}

// full reports whether conn cannot take more instances
func (r *registry) full(conn Conn) bool {
	e := r.get(conn)
	return e != nil && len(e.insts) >= r.max
}

// lookup resolves a handle on conn to the instance whose range holds it
func (r *registry) lookup(conn Conn, handle uint16) *instance {
	e := r.get(conn)
	if e == nil || handle == 0 {
		return nil
	}
	for _, inst := range e.insts {
		if inst.contains(handle) {
			return inst
		}
	}
	return nil
}

// byInfo finds the instance on member that belongs to the set info
// describes.
func (r *registry) byInfo(member *SetMember, info SetInfo) *instance {
	e := r.get(member.Conn)
	if e == nil || e.member != member {
		return nil
	}
	for i := range member.Sets {
		if i >= len(e.insts) {
			break
		}
		if member.Sets[i].Info.SameSet(info) {
			return e.insts[i]
		}
	}
	return nil
}

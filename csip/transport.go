package csip

// Conn is a connection to a set member
type Conn interface {
	// Index is stable for the lifetime of the connection and unique among
	// live connections.
	Index() uint8
	Connected() bool
	// LongTermKey returns the bonded LTK in little-endian order
	LongTermKey() ([16]byte, error)
}

// Attribute is one discovery result. Primary service results fill
// Handle, EndHandle and UUID; characteristic results fill Handle (the
// declaration), UUID, Properties and ValueHandle. UUID is 0 for 128-bit
// types.
type Attribute struct {
	Handle      uint16
	EndHandle   uint16
	UUID        uint16
	Properties  uint8
	ValueHandle uint16
}

// DiscoverFunc receives each discovered attribute and finally nil once
// the range is exhausted. Returning false stops discovery without the
// final nil call.
type DiscoverFunc func(conn Conn, attr *Attribute) bool

// DiscoverParams describes one discovery procedure. UUID 0 matches any
// characteristic.
type DiscoverParams struct {
	UUID        uint16
	StartHandle uint16
	EndHandle   uint16
	Func        DiscoverFunc
}

// ReadFunc completes a read. data is only valid for the call.
type ReadFunc func(conn Conn, err error, data []byte)

// WriteFunc completes a write
type WriteFunc func(conn Conn, err error)

// NotifyFunc receives notifications and indications for a subscription.
// nil data means the subscription has been removed.
type NotifyFunc func(conn Conn, p *SubscribeParams, data []byte)

// SubscribeParams describes one subscription. The transport keeps the
// pointer until Unsubscribe or disconnect and passes it back to Notify.
type SubscribeParams struct {
	ValueHandle uint16
	// CCCHandle 0 asks the transport to discover the descriptor between
	// ValueHandle and EndHandle.
	CCCHandle uint16
	EndHandle uint16
	Value     uint16
	Notify    NotifyFunc
}

// GATT is the client transport. A non-nil error from any method means
// nothing was sent and no callback will follow. Otherwise the callback
// runs exactly once (for discovery: until it returns false or gets nil).
type GATT interface {
	DiscoverPrimary(conn Conn, p *DiscoverParams) error
	DiscoverCharacteristics(conn Conn, p *DiscoverParams) error
	Read(conn Conn, handle uint16, fn ReadFunc) error
	Write(conn Conn, handle uint16, value []byte, fn WriteFunc) error
	Subscribe(conn Conn, p *SubscribeParams) error
	Unsubscribe(conn Conn, p *SubscribeParams) error
}

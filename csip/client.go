package csip

import (
	"fmt"
	"sync"

	"github.com/user/csis-coordinator/logger"
)

// DefaultMaxInstances is the number of CSIS instances tracked per connection
const DefaultMaxInstances = 2

// Config controls client behaviour
type Config struct {
	// MaxInstances caps the CSIS instances kept per connection
	MaxInstances int
	// EncryptedSIRK enables decrypting SIRKs exposed with the encrypted type
	EncryptedSIRK bool
	// TestSampleData decrypts with the sample data key instead of the LTK
	TestSampleData bool
}

// DefaultConfig returns the default client configuration
func DefaultConfig() Config {
	return Config{
		MaxInstances:  DefaultMaxInstances,
		EncryptedSIRK: true,
	}
}

// Client is a CSIS set coordinator. It runs at most one procedure at a
// time across all connections; a second call while one is in flight gets
// ErrBusy and sends nothing.
type Client struct {
	gatt GATT
	cfg  Config

	mu   sync.Mutex
	cb   *Callbacks
	reg  *registry
	busy bool

	disc *discovery
	res  *resolution
	op   *operation
}

// New creates a client that talks through g
func New(g GATT, cfg Config) *Client {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	return &Client{
		gatt: g,
		cfg:  cfg,
		reg:  newRegistry(cfg.MaxInstances),
	}
}

// RegisterCallbacks replaces the application callbacks. nil clears them.
func (c *Client) RegisterCallbacks(cb *Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Busy reports whether a procedure is in flight
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Forget drops everything known about conn, typically after it
// disconnected. The member's Sets are left as they are.
func (c *Client) Forget(conn Conn) {
	if conn == nil {
		return
	}
	c.mu.Lock()
	c.reg.remove(conn)
	c.mu.Unlock()
}

// callbacks returns the registered callbacks, never nil. Called with c.mu held.
func (c *Client) callbacks() Callbacks {
	if c.cb == nil {
		return Callbacks{}
	}
	return *c.cb
}

func prefix(conn Conn) string {
	if conn == nil {
		return "CSIP"
	}
	return fmt.Sprintf("CSIP c%d", conn.Index())
}

func validateMember(member *SetMember) error {
	if member == nil {
		return argError("nil member")
	}
	if member.Conn == nil {
		return argError("member has no connection")
	}
	return nil
}

// unsubscribe drops subscriptions outside the client lock; the transport
// may call back into the notify handlers synchronously.
func (c *Client) unsubscribe(conn Conn, subs []*SubscribeParams) {
	for _, sub := range subs {
		if err := c.gatt.Unsubscribe(conn, sub); err != nil {
			logger.Debug(prefix(conn), "unsubscribe 0x%04X: %v", sub.ValueHandle, err)
		}
	}
}

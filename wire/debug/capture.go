package debug

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Capture receives every PDU a link sends or receives. Implementations
// must be safe for concurrent use and return quickly.
type Capture interface {
	Log(event Event)
}

// NoopCapture discards all events
type NoopCapture struct{}

// Log discards the event
func (NoopCapture) Log(Event) {}

// FileCapture appends events to a CBOR file
type FileCapture struct {
	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	closed  bool
}

// NewFileCapture opens path for appending, creating it if needed
func NewFileCapture(path string) (*FileCapture, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileCapture{file: f, encoder: NewEncoder(f)}, nil
}

// Log writes one event. Encoding errors are dropped; capture is best-effort.
func (c *FileCapture) Log(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	_ = c.encoder.Encode(event)
}

// Close closes the file. Later Log calls are ignored.
func (c *FileCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.file.Close()
}

// MemoryCapture keeps events in memory
type MemoryCapture struct {
	mu     sync.Mutex
	events []Event
}

// Log appends the event
func (c *MemoryCapture) Log(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything captured so far
func (c *MemoryCapture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

var (
	_ Capture = NoopCapture{}
	_ Capture = (*FileCapture)(nil)
	_ Capture = (*MemoryCapture)(nil)
)

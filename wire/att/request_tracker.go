package att

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTransactionTimeout is the ATT transaction timeout from the Core Spec
const DefaultTransactionTimeout = 30 * time.Second

var (
	// ErrRequestPending is returned when a second request is started before
	// the first one has been answered.
	ErrRequestPending = errors.New("att: request already pending")
	// ErrTimeout is delivered when the peer never answers a request.
	ErrTimeout = errors.New("att: transaction timeout")
	// ErrCancelled is delivered when the bearer goes away with a request in flight.
	ErrCancelled = errors.New("att: request cancelled (connection closed)")
)

// RequestTracker manages the pending ATT request of one bearer and matches it
// with the response. Only one ATT request can be outstanding at a time per
// connection; the tracker enforces that and owns the transaction timeout.
type RequestTracker struct {
	mu              sync.Mutex
	pending         *PendingRequest
	defaultTimeout  time.Duration
	timeoutCallback func(opcode uint8, handle uint16)
}

// PendingRequest represents a single outstanding ATT request
type PendingRequest struct {
	Opcode    uint8
	Handle    uint16
	SentAt    time.Time
	responseC chan Response
	timer     *time.Timer
}

// Response carries either the response PDU (possibly an *ErrorResponse) or a
// bearer-level failure.
type Response struct {
	Packet Packet
	Error  error
}

// NewRequestTracker creates a new request tracker
func NewRequestTracker(timeout time.Duration) *RequestTracker {
	if timeout == 0 {
		timeout = DefaultTransactionTimeout
	}
	return &RequestTracker{defaultTimeout: timeout}
}

// SetTimeoutCallback sets a callback to be invoked when a request times out
func (rt *RequestTracker) SetTimeoutCallback(cb func(opcode uint8, handle uint16)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.timeoutCallback = cb
}

// StartRequest registers a new ATT request and returns the channel its
// response will be delivered on. The channel receives exactly one value.
func (rt *RequestTracker) StartRequest(opcode uint8, handle uint16, timeout time.Duration) (<-chan Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		return nil, fmt.Errorf("%w (opcode 0x%02X on handle 0x%04X)",
			ErrRequestPending, rt.pending.Opcode, rt.pending.Handle)
	}

	if timeout == 0 {
		timeout = rt.defaultTimeout
	}

	req := &PendingRequest{
		Opcode:    opcode,
		Handle:    handle,
		SentAt:    time.Now(),
		responseC: make(chan Response, 1),
	}
	req.timer = time.AfterFunc(timeout, func() { rt.expire(req) })
	rt.pending = req

	return req.responseC, nil
}

func (rt *RequestTracker) expire(req *PendingRequest) {
	rt.mu.Lock()
	if rt.pending != req {
		rt.mu.Unlock()
		return
	}
	rt.pending = nil
	cb := rt.timeoutCallback
	rt.mu.Unlock()

	req.responseC <- Response{
		Error: fmt.Errorf("%w: opcode 0x%02X, handle 0x%04X", ErrTimeout, req.Opcode, req.Handle),
	}
	close(req.responseC)

	if cb != nil {
		cb(req.Opcode, req.Handle)
	}
}

// CompleteRequest delivers a response to the pending request.
// Returns error if no request is pending or the opcode does not answer it.
func (rt *RequestTracker) CompleteRequest(packet Packet) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("att: no pending request for response opcode 0x%02X", packet.Opcode())
	}

	expected := GetResponseOpcode(rt.pending.Opcode)
	if packet.Opcode() != expected && packet.Opcode() != OpErrorResponse {
		return fmt.Errorf("att: unexpected response opcode 0x%02X for request 0x%02X (expected 0x%02X)",
			packet.Opcode(), rt.pending.Opcode, expected)
	}

	rt.finish(Response{Packet: packet})
	return nil
}

// FailRequest fails the pending request with the given error
func (rt *RequestTracker) FailRequest(err error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return fmt.Errorf("att: no pending request to fail")
	}
	rt.finish(Response{Error: err})
	return nil
}

// CancelPending cancels any pending request (used during disconnection)
func (rt *RequestTracker) CancelPending() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending != nil {
		rt.finish(Response{Error: ErrCancelled})
	}
}

// finish must be called with rt.mu held
func (rt *RequestTracker) finish(resp Response) {
	rt.pending.timer.Stop()
	rt.pending.responseC <- resp
	close(rt.pending.responseC)
	rt.pending = nil
}

// HasPending returns true if there is a pending request
func (rt *RequestTracker) HasPending() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.pending != nil
}

// GetPendingInfo returns info about the pending request (for debugging)
func (rt *RequestTracker) GetPendingInfo() (opcode uint8, handle uint16, elapsed time.Duration, hasPending bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.pending == nil {
		return 0, 0, 0, false
	}
	return rt.pending.Opcode, rt.pending.Handle, time.Since(rt.pending.SentAt), true
}

package csip

import (
	"errors"
	"fmt"

	"github.com/user/csis-coordinator/wire/att"
)

var (
	// ErrInvalidArgument is returned for missing members, connections,
	// instances or unresolved handles.
	ErrInvalidArgument = errors.New("csip: invalid argument")
	// ErrBusy is returned while another procedure is in flight
	ErrBusy = errors.New("csip: procedure in progress")
	// ErrNotConnected is returned when a member's link is down
	ErrNotConnected = errors.New("csip: member not connected")
	// ErrInvalidLength reports a peer value of the wrong size
	ErrInvalidLength = errors.New("csip: invalid attribute value length")
	// ErrInvalidLockValue reports a lock value other than release or locked
	ErrInvalidLockValue = errors.New("csip: invalid lock value")
	// ErrEncryptedSIRKUnsupported is reported when the peer exposes an
	// encrypted SIRK and decryption is disabled.
	ErrEncryptedSIRKUnsupported = errors.New("csip: encrypted SIRK not supported")
)

// Kind categorises errors reported by the client
type Kind int

const (
	KindNone Kind = iota
	KindArgument
	KindState
	KindProtocol
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindArgument:
		return "argument"
	case KindState:
		return "state"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransportError wraps a failure reported by the GATT transport, either
// when issuing a transaction or in its completion. ATT error codes are
// reachable with att.GetErrorCode.
type TransportError struct {
	Op     string
	Handle uint16
	Err    error
}

func (e *TransportError) Error() string {
	if e.Handle == 0 {
		return fmt.Sprintf("csip: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("csip: %s handle 0x%04X: %v", e.Op, e.Handle, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RollbackError is reported by Lock when a member refused the lock and
// releasing an already locked member failed as well. The set may be left
// partially locked.
type RollbackError struct {
	LockErr    error
	RestoreErr error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("csip: lock failed (%v) and rollback failed (%v)", e.LockErr, e.RestoreErr)
}

func (e *RollbackError) Unwrap() []error {
	return []error{e.LockErr, e.RestoreErr}
}

// ErrorKind returns the category of err
func ErrorKind(err error) Kind {
	var rb *RollbackError

	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &rb):
		return ErrorKind(rb.LockErr)
	case errors.Is(err, ErrInvalidArgument):
		return KindArgument
	case errors.Is(err, ErrBusy), errors.Is(err, ErrNotConnected):
		return KindState
	case errors.Is(err, ErrInvalidLength),
		errors.Is(err, ErrInvalidLockValue),
		errors.Is(err, ErrEncryptedSIRKUnsupported):
		return KindProtocol
	default:
		// att.Error, TransportError and anything the transport invented
		return KindTransport
	}
}

func argError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func transportError(op string, handle uint16, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Handle: handle, Err: err}
}

// lengthError carries the ATT Invalid Attribute Value Length code so
// callers inspecting ATT codes see the same value the peer would.
func lengthError(opcode uint8, handle uint16, got, want int) error {
	return fmt.Errorf("%w (%d bytes, want %d): %w", ErrInvalidLength, got, want,
		att.NewError(att.ErrInvalidAttributeValueLength, opcode, handle))
}

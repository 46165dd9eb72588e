package csip

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/csis-coordinator/wire/att"
)

func TestErrorKind(t *testing.T) {
	attErr := att.NewError(ErrCodeLockDenied, att.OpWriteRequest, 0x0018)

	tests := []struct {
		err  error
		want Kind
	}{
		{nil, KindNone},
		{argError("member %d is nil", 0), KindArgument},
		{ErrBusy, KindState},
		{fmt.Errorf("%w: member 1", ErrNotConnected), KindState},
		{lengthError(att.OpReadRequest, 0x12, 3, 17), KindProtocol},
		{ErrInvalidLockValue, KindProtocol},
		{transportError("lock", 0x18, attErr), KindTransport},
		{errors.New("anything"), KindTransport},
		{&RollbackError{LockErr: transportError("lock", 0x18, attErr), RestoreErr: ErrBusy}, KindTransport},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

func TestRollbackErrorMatchesBothCauses(t *testing.T) {
	lockErr := transportError("lock", 0x18, att.NewError(ErrCodeLockDenied, att.OpWriteRequest, 0x18))
	restoreErr := transportError("release", 0x18, att.ErrTimeout)
	err := error(&RollbackError{LockErr: lockErr, RestoreErr: restoreErr})

	assert.True(t, att.IsATTError(err, ErrCodeLockDenied))
	assert.ErrorIs(t, err, att.ErrTimeout)
	assert.Contains(t, err.Error(), "Lock Denied")
}

func TestTransportErrorMessage(t *testing.T) {
	err := transportError("read SIRK", 0x0012, att.NewError(att.ErrReadNotPermitted, att.OpReadRequest, 0x0012))
	assert.Contains(t, err.Error(), "read SIRK handle 0x0012")
	assert.Nil(t, transportError("read", 1, nil))
}

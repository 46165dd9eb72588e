package wire

import (
	"errors"

	"github.com/user/csis-coordinator/wire/debug"
)

// ConnectionRole is the side of a link an endpoint plays
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // GATT client, initiated the link
	RolePeripheral ConnectionRole = "peripheral" // GATT server
)

func (r ConnectionRole) capture() debug.Role {
	if r == RolePeripheral {
		return debug.RolePeripheral
	}
	return debug.RoleCentral
}

// MTU limits
const (
	DefaultMTU = 23  // BLE 4.0 default: 23 bytes total, 20 bytes data + 3 byte header
	MaxMTU     = 512 // largest ATT_MTU either side will agree to
)

// MaxLinks is the number of simultaneous links of one central; link
// indexes are a single byte.
const MaxLinks = 255

var (
	ErrDisconnected    = errors.New("wire: link disconnected")
	ErrUnknownLink     = errors.New("wire: connection does not belong to this central")
	ErrTooManyLinks    = errors.New("wire: no free link index")
	ErrNotSubscribed   = errors.New("wire: subscription not registered")
	ErrBadSubscription = errors.New("wire: subscription needs a value handle and a notify func")
)

package gateway

import (
	"errors"
	"fmt"

	"github.com/srg/hubmux/pkg/lwp"
)

var (
	// ErrRegister matches every RegisterError.
	ErrRegister = errors.New("client register error")
	// ErrPeripheralLost is returned by Serve when the hub link drops.
	ErrPeripheralLost = errors.New("hub connection lost")
	// ErrClosed is returned when the gateway has already been closed.
	ErrClosed = errors.New("gateway closed")
)

// RegisterError reports a proxy that sent a command before registering, or
// that asked for a key another live stream owns.
type RegisterError struct {
	Remote string
	Type   lwp.MessageType
	Key    byte
	// Owner is the stream holding Key, when that is the failure.
	Owner string
}

func (e *RegisterError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Owner != "" {
		return fmt.Sprintf("%s: %s asked for key %s owned by %s",
			ErrRegister, e.Remote, lwp.PortString(e.Key), e.Owner)
	}
	return fmt.Sprintf("%s: %s sent %s for key %s before registering",
		ErrRegister, e.Remote, e.Type, lwp.PortString(e.Key))
}

// Is allows errors.Is(err, ErrRegister).
func (e *RegisterError) Is(target error) bool {
	return target == ErrRegister
}

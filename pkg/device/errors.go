package device

import (
	"errors"
	"fmt"
)

// ConnectionState represents the specific kind of gateway connection failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	HandshakeFailed  ConnectionState = "handshake_failed"
	RegisterTimeout  ConnectionState = "register_timeout"
)

// ConnectionError represents any problem with the link to the gateway
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrHandshake        = &ConnectionError{State: HandshakeFailed}
	ErrRegisterTimeout  = &ConnectionError{State: RegisterTimeout}
)

// Parameter and usage errors. They are returned before any bytes are sent.
var (
	ErrValueOutOfRange    = errors.New("value out of range")
	ErrZeroGearRatio      = errors.New("gear ratio must not be zero")
	ErrPortOwnedByVirtual = errors.New("port is owned by a virtual port")
	ErrNoVirtualPort      = errors.New("virtual port not set up")
	ErrNotApplicable      = errors.New("not applicable on the hub port")
)

func outOfRange(name string, v, lo, hi int) error {
	return fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrValueOutOfRange, name, v, lo, hi)
}

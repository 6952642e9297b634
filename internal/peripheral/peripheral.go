// Package peripheral defines the byte-oriented view of a LEGO hub that the
// gateway drives, independent of the BLE stack underneath.
package peripheral

import (
	"errors"
	"fmt"
	"strings"
)

// LWP GATT identifiers.
const (
	HubServiceUUID        = "00001623-1212-efde-1623-785feabcd123"
	HubCharacteristicUUID = "00001624-1212-efde-1623-785feabcd123"
)

// Logical handles the gateway writes to. Backends map them onto the handles
// discovered on the real device.
const (
	HandleCharacteristic uint16 = 0x0E
	HandleCCCD           uint16 = 0x0F
)

// Peripheral is a connected hub.
type Peripheral interface {
	// WriteCharacteristic writes data to the characteristic value (HandleCharacteristic)
	// or its client configuration descriptor (HandleCCCD).
	WriteCharacteristic(handle uint16, data []byte, withResponse bool) error
	// SetNotificationHandler installs the callback receiving every notification.
	// The callback runs on the BLE stack's goroutine and must not block.
	SetNotificationHandler(fn func(data []byte))
	// Disconnected is closed once the link is lost or closed.
	Disconnected() <-chan struct{}
	Close() error
}

// Backend names a Peripheral implementation.
type Backend string

const (
	BackendGoBLE  Backend = "goble"
	BackendTinyGo Backend = "tinygo"
	BackendSim    Backend = "sim"
)

// Backends lists every supported backend.
var Backends = []Backend{BackendGoBLE, BackendTinyGo, BackendSim}

// ParseBackend validates a backend name.
func ParseBackend(name string) (Backend, error) {
	for _, b := range Backends {
		if strings.EqualFold(name, string(b)) {
			return b, nil
		}
	}
	return "", fmt.Errorf("unknown peripheral backend %q", name)
}

var (
	ErrUnknownHandle = errors.New("unknown handle")
	ErrUnsupported   = errors.New("unsupported on this platform")
	ErrNotConnected  = errors.New("peripheral not connected")
	ErrNotFound      = errors.New("LWP hub characteristic not found")
)

// UnknownHandle builds the error returned for handles a backend cannot map.
func UnknownHandle(handle uint16) error {
	return fmt.Errorf("%w: 0x%02x", ErrUnknownHandle, handle)
}

// IsNotificationEnable reports whether a CCCD write enables notifications.
func IsNotificationEnable(data []byte) bool {
	return len(data) > 0 && data[0]&0x01 != 0
}

//go:build !darwin && !linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/hubmux/internal/peripheral"
)

func newDevice() (ble.Device, error) {
	return nil, peripheral.ErrUnsupported
}

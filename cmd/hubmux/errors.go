package main

import (
	"errors"
	"net"
	"syscall"

	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/pkg/device"
	"github.com/srg/hubmux/pkg/gateway"
)

// FormatUserError turns errors users commonly hit into actionable text.
// Anything else is printed as is.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var opErr *net.OpError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "cannot reach the gateway; start it with 'hubmux serve' or pass --serve (" + err.Error() + ")"
	case errors.As(err, &opErr) && opErr.Op == "listen":
		return "cannot open the gateway port; is another gateway running? (" + err.Error() + ")"
	case errors.Is(err, device.ErrRegisterTimeout):
		return "the gateway did not answer the registration in time (" + err.Error() + ")"
	case errors.Is(err, device.ErrHandshake):
		return "the gateway rejected the device registration; the port may already be taken (" + err.Error() + ")"
	case errors.Is(err, gateway.ErrPeripheralLost):
		return "the hub disconnected; check its battery and that it is in range"
	case errors.Is(err, peripheral.ErrNotFound):
		return "the device is not a LEGO hub: the LWP characteristic is missing"
	case errors.Is(err, peripheral.ErrUnsupported):
		return "this BLE backend is not supported on this platform; try --backend tinygo or --backend sim"
	case errors.Is(err, device.ErrValueOutOfRange), errors.Is(err, device.ErrZeroGearRatio):
		return "invalid parameter: " + err.Error()
	}
	return err.Error()
}

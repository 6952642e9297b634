package tinygo

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

func newAdapter(id string) (*bluetooth.Adapter, error) {
	if id != "" {
		return nil, ErrAdapterInvalidID
	}
	return bluetooth.DefaultAdapter, nil
}

var (
	deviceCharacteristicWrite             = bluetooth.DeviceCharacteristic.Write
	deviceCharacteristicWriteWithResponse = bluetooth.DeviceCharacteristic.Write
)

// CoreBluetooth identifies peripherals by UUID instead of MAC address.
func parseAddress(address string) (bluetooth.Address, error) {
	uuid, err := bluetooth.ParseUUID(address)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("failed to parse peripheral UUID: %w", err)
	}
	return bluetooth.Address{
		UUID: uuid,
	}, nil
}

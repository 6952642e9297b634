// Package devicefactory builds hub peripherals and scanners for the configured
// BLE backend. Its factories are variables so tests can replace them.
package devicefactory

import (
	"context"
	"fmt"
	"strings"
	"time"

	ble "github.com/go-ble/ble"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/hubmux/internal/hubsim"
	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/internal/peripheral/goble"
	"github.com/srg/hubmux/internal/peripheral/tinygo"
)

// ScanningDevice is the part of ble.Device the scanner needs.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, handler ble.AdvHandler) error
}

// DeviceFactory creates the device used for scanning.
var DeviceFactory = func() (ScanningDevice, error) {
	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// ConnectOptions selects and configures a peripheral backend.
type ConnectOptions struct {
	Backend        peripheral.Backend `default:"goble"`
	Address        string
	AdapterID      string
	ConnectTimeout time.Duration `default:"30s"`
	// Sim configures the simulator backend.
	Sim    *hubsim.Options
	Logger *logrus.Logger
}

// Connect opens the hub link for opts.Backend.
var Connect = func(ctx context.Context, opts *ConnectOptions) (peripheral.Peripheral, error) {
	if opts == nil {
		opts = &ConnectOptions{}
	}
	defaults.SetDefaults(opts)
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}

	switch opts.Backend {
	case peripheral.BackendSim:
		logger.Info("Using simulated hub")
		return hubsim.New(opts.Sim, logger), nil
	case peripheral.BackendGoBLE:
		if opts.Address == "" {
			return nil, fmt.Errorf("hub address is required for the %s backend", opts.Backend)
		}
		hub, err := goble.Connect(ctx, opts.Address, opts.ConnectTimeout, logger)
		if err != nil {
			return nil, err
		}
		return hub, nil
	case peripheral.BackendTinyGo:
		if opts.Address == "" {
			return nil, fmt.Errorf("hub address is required for the %s backend", opts.Backend)
		}
		hub, err := tinygo.Connect(ctx, opts.AdapterID, opts.Address, opts.ConnectTimeout, logger)
		if err != nil {
			return nil, err
		}
		return hub, nil
	default:
		return nil, fmt.Errorf("unknown peripheral backend %q", opts.Backend)
	}
}

// Advertisement is a backend-neutral view of a BLE advertisement.
type Advertisement struct {
	Address          string   `json:"address"`
	Name             string   `json:"name"`
	RSSI             int      `json:"rssi"`
	Connectable      bool     `json:"connectable"`
	Services         []string `json:"services"`
	ManufacturerData []byte   `json:"manufacturer_data"`
}

// FromBLE converts a go-ble advertisement.
func FromBLE(adv ble.Advertisement) Advertisement {
	out := Advertisement{
		Name:             adv.LocalName(),
		RSSI:             adv.RSSI(),
		Connectable:      adv.Connectable(),
		ManufacturerData: adv.ManufacturerData(),
	}
	if addr := adv.Addr(); addr != nil {
		out.Address = addr.String()
	}
	for _, u := range adv.Services() {
		out.Services = append(out.Services, NormalizeUUID(u.String()))
	}
	return out
}

// NormalizeUUID lowercases a UUID and strips its dashes so textual forms from
// different stacks compare equal.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

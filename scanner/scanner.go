// Package scanner discovers LEGO hubs speaking LWP 3.0.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hubmux/internal/devicefactory"
	"github.com/srg/hubmux/internal/peripheral"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// DeviceEventType marks if the hub was newly discovered or updated
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// HubInfo describes a discovered hub.
type HubInfo struct {
	devicefactory.Advertisement
	SystemType    SystemType `json:"system_type"`
	ButtonPressed bool       `json:"button_pressed"`
	LastSeen      time.Time  `json:"lastSeen"`
}

type DeviceEvent struct {
	Type DeviceEventType
	Hub  HubInfo
}

// Scanner handles hub discovery
type Scanner struct {
	devices *hashmap.Map[string, HubInfo]
	events  *EventQueue
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// ServiceUUIDs restricts results to advertisements carrying one of them.
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns options that find LWP hubs for ten seconds.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		ServiceUUIDs:    []string{peripheral.HubServiceUUID},
	}
}

// NewScanner creates a new hub scanner
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		devices: hashmap.New[string, HubInfo](),
		events:  NewEventQueue(100),
		logger:  logger,
	}, nil
}

// Scan performs discovery with the provided options. A zero Duration scans
// until ctx is done.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]HubInfo, error) {
	s.devices = hashmap.New[string, HubInfo]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	s.logger.WithField("duration", opts.Duration).Info("Starting hub scan...")
	progressCallback("Scanning")

	dev, err := devicefactory.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()
	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"device_count":   s.devices.Len(),
		"dropped_events": s.events.Dropped(),
	}).Info("Hub scan completed")
	progressCallback("Processing results")

	hubs := make(map[string]HubInfo, s.devices.Len())
	s.devices.Range(func(key string, value HubInfo) bool {
		hubs[key] = value
		return true
	})
	return hubs, nil
}

// handleAdvertisement updates existing or adds a new hub
func (s *Scanner) handleAdvertisement(raw blelib.Advertisement) {
	adv := devicefactory.FromBLE(raw)

	prev, existing := s.devices.Get(adv.Address)
	if !existing && !s.shouldInclude(adv, s.scanOptions) {
		return
	}

	info := HubInfo{Advertisement: adv, LastSeen: time.Now()}
	if existing && info.Name == "" {
		info.Name = prev.Name
	}
	if mfg, ok := parseManufacturerData(adv.ManufacturerData); ok {
		info.SystemType = mfg.SystemType
		info.ButtonPressed = mfg.ButtonPressed
	} else if existing {
		info.SystemType = prev.SystemType
	}
	s.devices.Set(adv.Address, info)

	event := DeviceEvent{Hub: info, Type: EventUpdated}
	if !existing {
		s.logger.WithFields(logrus.Fields{
			"device":  info.Name,
			"address": info.Address,
			"rssi":    info.RSSI,
			"model":   info.SystemType.String(),
		}).Info("Discovered hub")
		event.Type = EventNew
	}

	s.events.Publish(event)
}

// shouldInclude applies the allow, block and service filters
func (s *Scanner) shouldInclude(adv devicefactory.Advertisement, opts *ScanOptions) bool {
	if opts == nil {
		return true
	}

	for _, blocked := range opts.BlockList {
		if adv.Address == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if adv.Address == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		for _, required := range opts.ServiceUUIDs {
			want := devicefactory.NormalizeUUID(required)
			for _, have := range adv.Services {
				if have == want {
					return true
				}
			}
		}
		return false
	}

	return true
}

// Events return a read-only channel of discovery events
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

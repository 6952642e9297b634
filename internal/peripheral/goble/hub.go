// Package goble connects to LWP hubs through github.com/go-ble/ble.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/hubmux/internal/groutine"
	"github.com/srg/hubmux/internal/peripheral"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newDevice

// Hub is a peripheral.Peripheral backed by a go-ble client.
type Hub struct {
	client ble.Client
	char   *ble.Characteristic
	logger *logrus.Logger

	mu         sync.Mutex
	subscribed bool

	handlerMu sync.RWMutex
	handler   func([]byte)

	closeOnce    sync.Once
	disconnected chan struct{}
}

// Connect dials the hub at address, discovers the LWP characteristic and
// subscribes to its notifications.
func Connect(ctx context.Context, address string, timeout time.Duration, logger *logrus.Logger) (*Hub, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("hub address is empty")
	}

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.WithFields(logrus.Fields{
		"remote":  address,
		"timeout": timeout,
	}).Info("Connecting to hub...")

	client, err := ble.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub %q: %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			logger.WithError(cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	char := findCharacteristic(profile)
	if char == nil {
		_ = client.CancelConnection()
		return nil, peripheral.ErrNotFound
	}

	h := &Hub{
		client:       client,
		char:         char,
		logger:       logger,
		disconnected: make(chan struct{}),
	}

	if err := h.subscribe(); err != nil {
		_ = client.CancelConnection()
		return nil, err
	}

	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "goble-disconnect-monitor", func(ctx context.Context) {
			select {
			case <-dc.Disconnected():
				logger.WithField("remote", address).Warn("Hub link lost")
				h.markDisconnected()
			case <-h.disconnected:
			}
		})
	}

	logger.WithFields(logrus.Fields{
		"remote":       address,
		"value_handle": fmt.Sprintf("0x%04x", char.ValueHandle),
	}).Info("Hub connected")
	return h, nil
}

func findCharacteristic(profile *ble.Profile) *ble.Characteristic {
	svcUUID := ble.MustParse(peripheral.HubServiceUUID)
	charUUID := ble.MustParse(peripheral.HubCharacteristicUUID)
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(svcUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(charUUID) {
				return c
			}
		}
	}
	return nil
}

func (h *Hub) subscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribed {
		return nil
	}
	err := h.client.Subscribe(h.char, false, func(data []byte) {
		h.handlerMu.RLock()
		fn := h.handler
		h.handlerMu.RUnlock()
		if fn != nil {
			fn(append([]byte(nil), data...))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to hub notifications: %w", NormalizeError(err))
	}
	h.subscribed = true
	return nil
}

func (h *Hub) unsubscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.subscribed {
		return nil
	}
	h.subscribed = false
	return NormalizeError(h.client.Unsubscribe(h.char, false))
}

// WriteCharacteristic implements peripheral.Peripheral. Writes to the CCCD
// handle toggle the notification subscription.
func (h *Hub) WriteCharacteristic(handle uint16, data []byte, withResponse bool) error {
	select {
	case <-h.disconnected:
		return peripheral.ErrNotConnected
	default:
	}

	switch handle {
	case peripheral.HandleCharacteristic:
		return NormalizeError(h.client.WriteCharacteristic(h.char, data, !withResponse))
	case peripheral.HandleCCCD:
		if peripheral.IsNotificationEnable(data) {
			return h.subscribe()
		}
		return h.unsubscribe()
	default:
		return peripheral.UnknownHandle(handle)
	}
}

// SetNotificationHandler implements peripheral.Peripheral.
func (h *Hub) SetNotificationHandler(fn func(data []byte)) {
	h.handlerMu.Lock()
	h.handler = fn
	h.handlerMu.Unlock()
}

// Disconnected implements peripheral.Peripheral.
func (h *Hub) Disconnected() <-chan struct{} {
	return h.disconnected
}

func (h *Hub) markDisconnected() {
	h.closeOnce.Do(func() { close(h.disconnected) })
}

// Close unsubscribes and drops the connection.
func (h *Hub) Close() error {
	select {
	case <-h.disconnected:
		return nil
	default:
	}
	if err := h.unsubscribe(); err != nil {
		h.logger.WithError(err).Warn("Failed to unsubscribe from hub notifications")
	}
	err := h.client.CancelConnection()
	h.markDisconnected()
	return NormalizeError(err)
}

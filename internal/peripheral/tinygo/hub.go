// Package tinygo connects to LWP hubs through tinygo.org/x/bluetooth.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/hubmux/internal/peripheral"
	"tinygo.org/x/bluetooth"
)

var ErrAdapterInvalidID = errors.New("the bluetooth adapter ID is invalid")

// Hub is a peripheral.Peripheral backed by a tinygo bluetooth device.
type Hub struct {
	device *bluetooth.Device
	char   bluetooth.DeviceCharacteristic
	logger *logrus.Logger

	mu         sync.Mutex
	subscribed bool

	handlerMu sync.RWMutex
	handler   func([]byte)

	closeOnce    sync.Once
	disconnected chan struct{}
}

// Connect enables the adapter, connects to the hub at address and subscribes
// to the LWP characteristic.
func Connect(ctx context.Context, adapterID, address string, timeout time.Duration, logger *logrus.Logger) (*Hub, error) {
	if logger == nil {
		logger = logrus.New()
	}

	adapter, err := newAdapter(adapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable adapter: %w", err)
	}

	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	params := bluetooth.ConnectionParams{}
	if timeout > 0 {
		params.ConnectionTimeout = bluetooth.NewDuration(timeout)
	}
	if deadline, ok := ctx.Deadline(); ok && (timeout == 0 || time.Until(deadline) < timeout) {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	logger.WithFields(logrus.Fields{
		"remote":  address,
		"adapter": adapterID,
	}).Info("Connecting to hub...")

	dev, err := adapter.Connect(addr, params)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub %q: %w", address, err)
	}

	h := &Hub{
		device:       &dev,
		logger:       logger,
		disconnected: make(chan struct{}),
	}

	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected && d.Address.String() == dev.Address.String() {
			logger.WithField("remote", address).Warn("Hub link lost")
			h.markDisconnected()
		}
	})

	if err := h.discover(); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}
	if err := h.subscribe(); err != nil {
		_ = dev.Disconnect()
		return nil, err
	}

	logger.WithField("remote", address).Info("Hub connected")
	return h, nil
}

func (h *Hub) discover() error {
	svcUUID := mustParseUUID(peripheral.HubServiceUUID)
	charUUID := mustParseUUID(peripheral.HubCharacteristicUUID)

	services, err := h.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return fmt.Errorf("failed to enumerate hub services: %w", err)
	}
	if len(services) == 0 {
		return peripheral.ErrNotFound
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil {
		return fmt.Errorf("failed to discover hub characteristics: %w", err)
	}
	if len(chars) == 0 {
		return peripheral.ErrNotFound
	}
	h.char = chars[0]
	return nil
}

func (h *Hub) subscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribed {
		return nil
	}
	err := h.char.EnableNotifications(func(buf []byte) {
		h.handlerMu.RLock()
		fn := h.handler
		h.handlerMu.RUnlock()
		if fn != nil {
			fn(append([]byte(nil), buf...))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to hub notifications: %w", err)
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
	return h.char.EnableNotifications(nil)
}

// WriteCharacteristic implements peripheral.Peripheral.
func (h *Hub) WriteCharacteristic(handle uint16, data []byte, withResponse bool) error {
	select {
	case <-h.disconnected:
		return peripheral.ErrNotConnected
	default:
	}

	switch handle {
	case peripheral.HandleCharacteristic:
		write := deviceCharacteristicWrite
		if withResponse {
			write = deviceCharacteristicWriteWithResponse
		}
		_, err := write(h.char, data)
		return err
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

// Close disconnects from the hub.
func (h *Hub) Close() error {
	select {
	case <-h.disconnected:
		return nil
	default:
	}
	if err := h.unsubscribe(); err != nil {
		h.logger.WithError(err).Warn("Failed to unsubscribe from hub notifications")
	}
	err := h.device.Disconnect()
	h.markDisconnected()
	return err
}

func mustParseUUID(uuid string) bluetooth.UUID {
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		panic(err)
	}
	return parsed
}

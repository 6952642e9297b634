package gateway

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/hubmux/internal/devicefactory"
	"github.com/srg/hubmux/internal/hubsim"
	"github.com/srg/hubmux/internal/peripheral"
)

// RunOptions contains all the configuration for running a gateway
type RunOptions struct {
	Backend        peripheral.Backend // BLE backend, or the simulator
	BleAddress     string             // Hub address (ignored by the simulator)
	AdapterID      string             // tinygo adapter id
	ConnectTimeout time.Duration      // BLE connection timeout
	Host           string             // TCP listen host
	Port           int                // TCP listen port
	TraceSize      uint32             // Frames kept for DrainTrace
	TraceSink      io.Writer          // Live trace output, optional
	Sim            *hubsim.Options    // Simulator options
	Logger         *logrus.Logger     // Logger instance
}

// ProgressCallback is called when the gateway phase changes
type ProgressCallback func(phase string)

// Callback is executed with the listening gateway.
type Callback[R any] func(*Gateway) (R, error)

// Run connects to the hub, starts a gateway for it and executes callback with
// the listening gateway. The gateway and the hub link are closed when callback
// returns.
func Run[R any](
	ctx context.Context,
	opts *RunOptions,
	progressCallback ProgressCallback,
	callback Callback[R],
) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to run gateway: options are required")
	}
	if opts.Backend != peripheral.BackendSim && opts.BleAddress == "" {
		return zero, fmt.Errorf("failed to run gateway: hub address is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	progressCallback("Connecting")

	hub, err := devicefactory.Connect(ctx, &devicefactory.ConnectOptions{
		Backend:        opts.Backend,
		Address:        opts.BleAddress,
		AdapterID:      opts.AdapterID,
		ConnectTimeout: opts.ConnectTimeout,
		Sim:            opts.Sim,
		Logger:         logger,
	})
	if err != nil {
		progressCallback("Failed")
		return zero, fmt.Errorf("failed to connect to hub %s: %w", opts.BleAddress, err)
	}

	progressCallback("Connected")

	g := New(hub, &Options{
		Host:      opts.Host,
		Port:      opts.Port,
		TraceSize: opts.TraceSize,
		TraceSink: opts.TraceSink,
		Logger:    logger,
	})
	defer func() {
		if err := g.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close hub link")
		}
	}()

	if err := g.Listen(ctx); err != nil {
		progressCallback("Failed")
		_ = hub.Close()
		return zero, err
	}

	progressCallback("Running")
	return callback(g)
}

// Wait blocks until ctx is done or the hub link drops.
func (g *Gateway) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-g.hub.Disconnected():
		return ErrPeripheralLost
	case <-g.ctx.Done():
		return nil
	}
}

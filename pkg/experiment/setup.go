package experiment

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/hubmux/pkg/device"
	"github.com/srg/hubmux/pkg/lwp"
)

// SetupConnectivity brings devices into a usable state. It connects every
// device concurrently, assembles the virtual port of every synchronized pair
// one after the other, enables port notifications on every non-hub device and
// finally asks each hub for its general notifications.
func SetupConnectivity(ctx context.Context, devices []device.Device, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.New()
	}

	if err := connectAll(ctx, devices); err != nil {
		return err
	}
	runtime.Gosched()

	for _, d := range devices {
		pair, ok := d.(*device.SynchronizedMotor)
		if !ok {
			continue
		}
		if err := pair.VirtualPortSetup(ctx, true); err != nil {
			return fmt.Errorf("%s: %w", d.Name(), err)
		}
		port, _ := pair.VirtualPort()
		logger.WithFields(logrus.Fields{"device": d.Name(), "port": lwp.PortString(port)}).Info("Virtual port ready")
	}
	runtime.Gosched()

	for _, d := range devices {
		if _, isHub := d.(*device.Hub); isHub {
			continue
		}
		if err := d.RequestPortNotification(ctx); err != nil {
			return fmt.Errorf("%s: port notification: %w", d.Name(), err)
		}
	}
	runtime.Gosched()

	for _, d := range devices {
		hub, ok := d.(*device.Hub)
		if !ok {
			continue
		}
		if err := hub.GeneralNotificationRequest(ctx); err != nil {
			return fmt.Errorf("%s: general notification: %w", d.Name(), err)
		}
	}

	logger.WithField("devices", len(devices)).Info("Connectivity set up")
	return nil
}

func connectAll(ctx context.Context, devices []device.Device) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, d := range devices {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Connect(ctx)
			if err == nil || errors.Is(err, device.ErrAlreadyConnected) {
				return
			}
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			mu.Unlock()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// CloseAll disconnects and closes every device, last one first.
func CloseAll(devices []device.Device) error {
	var errs []error
	for i := len(devices) - 1; i >= 0; i-- {
		if err := devices[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", devices[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}

package device

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/srg/hubmux/pkg/lwp"
)

// SynchronizedMotor drives two motors through a virtual port. Until the hub
// assigns that port the proxy is registered under lwp.ProvisionalKey.
type SynchronizedMotor struct {
	*Proxy

	a, b *Motor

	virtual  byte
	attached bool
}

// NewSynchronizedMotor pairs a and b. Both keep their own proxies; while the
// pair is attached their direct commands are refused.
func NewSynchronizedMotor(a, b *Motor, opts ...Option) (*SynchronizedMotor, error) {
	if a == nil || b == nil {
		return nil, errors.New("synchronized motor needs two motors")
	}
	if a.Port() == b.Port() {
		return nil, fmt.Errorf("%w: both motors use port %s", ErrValueOutOfRange, lwp.PortString(a.Port()))
	}

	s := &SynchronizedMotor{a: a, b: b}
	s.Proxy = newProxy(lwp.ProvisionalKey(a.Port(), b.Port()), "synced", opts)
	s.allTerminal = true
	s.hook = s.onMessage
	return s, nil
}

func (s *SynchronizedMotor) Motors() (*Motor, *Motor) { return s.a, s.b }

// VirtualPort returns the port the hub assigned, if any.
func (s *SynchronizedMotor) VirtualPort() (byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.virtual, s.attached
}

func (s *SynchronizedMotor) onMessage(msg lwp.Message) {
	att, ok := msg.(lwp.HubAttachedIO)
	if !ok {
		return
	}

	switch att.Event {
	case lwp.IOAttachedVirtual:
		if att.PortA != s.a.Port() || att.PortB != s.b.Port() {
			return
		}
		s.mu.Lock()
		s.virtual, s.attached = att.Port, true
		s.port = att.Port
		s.mu.Unlock()

		s.a.ownedByVirtual.Store(true)
		s.b.ownedByVirtual.Store(true)
		s.port2hub.Set()
		s.portFree.Set()
		s.log().WithFields(logrus.Fields{
			"port_a": lwp.PortString(att.PortA),
			"port_b": lwp.PortString(att.PortB),
		}).Info("Virtual port attached")

	case lwp.IODetached:
		s.mu.Lock()
		if !s.attached || att.Port != s.virtual {
			s.mu.Unlock()
			return
		}
		s.attached = false
		// The gateway files the stream under the provisional key again.
		s.port = lwp.ProvisionalKey(s.a.Port(), s.b.Port())
		s.mu.Unlock()

		s.a.ownedByVirtual.Store(false)
		s.b.ownedByVirtual.Store(false)
		s.port2hub.Clear()
		s.portFree.Set()
		s.log().Info("Virtual port detached")
	}
}

// VirtualPortSetup asks the hub to combine the two motors (connect=true) or
// to release the virtual port again. It returns once the hub reported the
// attachment change.
func (s *SynchronizedMotor) VirtualPortSetup(ctx context.Context, connect bool) error {
	port, attached := s.VirtualPort()
	cmd := lwp.SetupVirtualPort{Connect: true, PortA: s.a.Port(), PortB: s.b.Port()}
	if connect {
		if attached {
			return nil
		}
	} else {
		if !attached {
			return ErrNoVirtualPort
		}
		cmd = lwp.SetupVirtualPort{Port: port}
	}

	if err := s.execute(ctx, cmd); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.RegisterTimeout)
	defer cancel()
	if err := s.awaitFree(waitCtx); err != nil {
		return fmt.Errorf("virtual port setup not acknowledged: %w", err)
	}
	return nil
}

func (s *SynchronizedMotor) requirePort() (byte, error) {
	port, ok := s.VirtualPort()
	if !ok {
		return 0, ErrNoVirtualPort
	}
	return port, nil
}

// StartSpeedSynced runs both motors at their own speed.
func (s *SynchronizedMotor) StartSpeedSynced(ctx context.Context, speed1, speed2 int, opts ...CommandOption) error {
	port, err := s.requirePort()
	if err != nil {
		return err
	}
	co := newCommandOptions(s.opts, opts)
	return s.perform(ctx, lwp.StartSpeedSynced{
		Port:     port,
		Flags:    co.flags(),
		Speed1:   lwp.ClampPower(speed1),
		Speed2:   lwp.ClampPower(speed2),
		MaxPower: co.maxPower(),
		Profile:  co.profile(),
	}, co)
}

// StartPowerSynced drives both motors unregulated.
func (s *SynchronizedMotor) StartPowerSynced(ctx context.Context, power1, power2 int, opts ...CommandOption) error {
	port, err := s.requirePort()
	if err != nil {
		return err
	}
	co := newCommandOptions(s.opts, opts)
	return s.perform(ctx, lwp.StartPowerSynced{
		Port:   port,
		Flags:  co.flags(),
		Power1: lwp.ClampPower(power1),
		Power2: lwp.ClampPower(power2),
	}, co)
}

// StartMoveDegreesSynced turns the pair by degrees.
func (s *SynchronizedMotor) StartMoveDegreesSynced(ctx context.Context, degrees, speed1, speed2 int, opts ...CommandOption) error {
	port, err := s.requirePort()
	if err != nil {
		return err
	}
	co := newCommandOptions(s.opts, opts)
	return s.perform(ctx, lwp.StartMoveByDegreesSynced{
		Port:     port,
		Flags:    co.flags(),
		Degrees:  int32(degrees),
		Speed1:   lwp.ClampPower(speed1),
		Speed2:   lwp.ClampPower(speed2),
		MaxPower: co.maxPower(),
		EndState: co.OnCompletion,
		Profile:  co.profile(),
	}, co)
}

// StartSpeedForTimeSynced runs the pair for timeMs milliseconds.
func (s *SynchronizedMotor) StartSpeedForTimeSynced(ctx context.Context, timeMs, speed1, speed2, power int, opts ...CommandOption) error {
	if timeMs < 0 || timeMs > math.MaxUint16 {
		return outOfRange("time_ms", timeMs, 0, math.MaxUint16)
	}
	port, err := s.requirePort()
	if err != nil {
		return err
	}
	co := newCommandOptions(s.opts, opts)
	co.MaxPower = power
	return s.perform(ctx, lwp.StartSpeedForTimeSynced{
		Port:     port,
		Flags:    co.flags(),
		Time:     uint16(timeMs),
		Speed1:   lwp.ClampPower(speed1),
		Speed2:   lwp.ClampPower(speed2),
		MaxPower: co.maxPower(),
		EndState: co.OnCompletion,
		Profile:  co.profile(),
	}, co)
}

// GotoAbsPosSynced moves each motor to its absolute position, scaled by that
// motor's gear ratio.
func (s *SynchronizedMotor) GotoAbsPosSynced(ctx context.Context, pos1, pos2, speed int, opts ...CommandOption) error {
	port, err := s.requirePort()
	if err != nil {
		return err
	}
	co := newCommandOptions(s.opts, opts)
	return s.perform(ctx, lwp.GotoAbsPosSynced{
		Port:      port,
		Flags:     co.flags(),
		Position1: scalePosition(pos1, s.a.GearRatio()),
		Position2: scalePosition(pos2, s.b.GearRatio()),
		Speed:     lwp.ClampPower(speed),
		MaxPower:  co.maxPower(),
		EndState:  co.OnCompletion,
		Profile:   co.profile(),
	}, co)
}

// SetPosition presets both encoders.
func (s *SynchronizedMotor) SetPosition(ctx context.Context, left, right int32, opts ...CommandOption) error {
	port, err := s.requirePort()
	if err != nil {
		return err
	}
	co := newCommandOptions(s.opts, opts)
	return s.perform(ctx, lwp.SetPositionLR{Port: port, Flags: co.flags(), Left: left, Right: right}, co)
}

func (s *SynchronizedMotor) Snapshot() Snapshot {
	snap := s.Proxy.Snapshot()
	if port, ok := s.VirtualPort(); ok {
		snap.VirtualPort = lwp.PortString(port)
	}
	snap.Motors = []string{s.a.Name(), s.b.Name()}
	return snap
}

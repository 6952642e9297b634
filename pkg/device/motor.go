package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/srg/hubmux/pkg/lwp"
)

// Motor is a tacho motor on one physical port.
type Motor struct {
	*Proxy

	mu            sync.Mutex
	gearRatio     float64
	wheelDiameter float64
	totalDistance float64
	current       int32
	last          int32
	hasValue      bool

	ownedByVirtual atomic.Bool
}

// NewMotor creates the proxy for the motor on port.
func NewMotor(port byte, opts ...Option) (*Motor, error) {
	if port == lwp.PortHub || port == lwp.PortLED || lwp.IsVirtualPort(port) {
		return nil, fmt.Errorf("%w: %s is not a motor port", ErrValueOutOfRange, lwp.PortString(port))
	}

	m := &Motor{Proxy: newProxy(port, "motor", opts)}
	if m.opts.GearRatio == 0 {
		return nil, ErrZeroGearRatio
	}
	m.gearRatio = m.opts.GearRatio
	m.wheelDiameter = m.opts.WheelDiameter
	m.hook = m.onMessage
	return m, nil
}

func (m *Motor) onMessage(msg lwp.Message) {
	if v, ok := msg.(lwp.PortValue); ok {
		m.track(v.Value)
	}
}

// track advances the travelled distance by the change since the previous
// reading. The first reading only sets the baseline.
func (m *Motor) track(value int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasValue {
		delta := math.Abs(float64(int64(value) - int64(m.current)))
		m.totalDistance += delta * m.gearRatio * math.Pi * m.wheelDiameter / 360
	}
	m.last = m.current
	m.current = value
	m.hasValue = true
}

// Position returns the latest encoder reading in degrees.
func (m *Motor) Position() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// PreviousPosition returns the reading before the latest one.
func (m *Motor) PreviousPosition() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// TotalDistance is the distance travelled in wheel diameter units.
func (m *Motor) TotalDistance() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalDistance
}

func (m *Motor) GearRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gearRatio
}

func (m *Motor) SetGearRatio(ratio float64) error {
	if ratio == 0 {
		return ErrZeroGearRatio
	}
	m.mu.Lock()
	m.gearRatio = ratio
	m.mu.Unlock()
	return nil
}

func (m *Motor) WheelDiameter() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wheelDiameter
}

// OwnedByVirtual reports whether a synchronized pair drives this motor.
func (m *Motor) OwnedByVirtual() bool {
	return m.ownedByVirtual.Load()
}

func (m *Motor) run(ctx context.Context, cmd lwp.Command, co CommandOptions) error {
	if m.ownedByVirtual.Load() {
		return fmt.Errorf("%w: %s", ErrPortOwnedByVirtual, lwp.PortString(m.Port()))
	}
	return m.perform(ctx, cmd, co)
}

// StartSpeed runs the motor at speed percent until another command arrives.
func (m *Motor) StartSpeed(ctx context.Context, speed int, opts ...CommandOption) error {
	co := newCommandOptions(m.opts, opts)
	return m.run(ctx, lwp.StartSpeed{
		Port:     m.Port(),
		Flags:    co.flags(),
		Speed:    lwp.ClampPower(speed),
		MaxPower: co.maxPower(),
		Profile:  co.profile(),
	}, co)
}

// StartPower drives the motor unregulated. A zero direction means forward.
func (m *Motor) StartPower(ctx context.Context, power int, direction lwp.Direction, opts ...CommandOption) error {
	if direction == 0 {
		direction = lwp.Forward
	}
	co := newCommandOptions(m.opts, opts)
	return m.run(ctx, lwp.StartPower{
		Port:  m.Port(),
		Flags: co.flags(),
		Power: lwp.ClampPower(power * int(direction)),
	}, co)
}

// StartSpeedForTime runs the motor for timeMs milliseconds with at most power percent.
func (m *Motor) StartSpeedForTime(ctx context.Context, timeMs, speed, power int, opts ...CommandOption) error {
	if timeMs < 0 || timeMs > math.MaxUint16 {
		return outOfRange("time_ms", timeMs, 0, math.MaxUint16)
	}
	co := newCommandOptions(m.opts, opts)
	co.MaxPower = power
	return m.run(ctx, lwp.StartSpeedForTime{
		Port:     m.Port(),
		Flags:    co.flags(),
		Time:     uint16(timeMs),
		Speed:    lwp.ClampPower(speed),
		MaxPower: co.maxPower(),
		EndState: co.OnCompletion,
		Profile:  co.profile(),
	}, co)
}

// StartMoveByDegrees turns the motor by degrees; the sign of speed picks the direction.
func (m *Motor) StartMoveByDegrees(ctx context.Context, degrees, speed int, opts ...CommandOption) error {
	co := newCommandOptions(m.opts, opts)
	return m.run(ctx, lwp.StartMoveByDegrees{
		Port:     m.Port(),
		Flags:    co.flags(),
		Degrees:  int32(degrees),
		Speed:    lwp.ClampPower(speed),
		MaxPower: co.maxPower(),
		EndState: co.OnCompletion,
		Profile:  co.profile(),
	}, co)
}

// GotoAbsPos moves to absPos degrees at the output shaft. The encoder target
// is absPos multiplied by the gear ratio.
func (m *Motor) GotoAbsPos(ctx context.Context, absPos, speed int, opts ...CommandOption) error {
	co := newCommandOptions(m.opts, opts)
	return m.run(ctx, lwp.GotoAbsPos{
		Port:     m.Port(),
		Flags:    co.flags(),
		Position: scalePosition(absPos, m.GearRatio()),
		Speed:    lwp.ClampPower(speed),
		MaxPower: co.maxPower(),
		EndState: co.OnCompletion,
		Profile:  co.profile(),
	}, co)
}

// SetAccProfile stores the time to reach full speed in profile profileNr.
func (m *Motor) SetAccProfile(ctx context.Context, msToFullSpeed int, profileNr byte, opts ...CommandOption) error {
	return m.setProfile(ctx, false, msToFullSpeed, profileNr, opts)
}

// SetDecProfile stores the time to stop from full speed in profile profileNr.
func (m *Motor) SetDecProfile(ctx context.Context, msToZeroSpeed int, profileNr byte, opts ...CommandOption) error {
	return m.setProfile(ctx, true, msToZeroSpeed, profileNr, opts)
}

func (m *Motor) setProfile(ctx context.Context, dec bool, ms int, profileNr byte, opts []CommandOption) error {
	if ms < lwp.MinProfileTime || ms > lwp.MaxProfileTime {
		return outOfRange("ms", ms, lwp.MinProfileTime, lwp.MaxProfileTime)
	}
	co := newCommandOptions(m.opts, opts)
	return m.run(ctx, lwp.SetAccDecProfile{
		Port:         m.Port(),
		Flags:        co.flags(),
		Deceleration: dec,
		Time:         uint16(ms),
		ProfileNr:    profileNr,
	}, co)
}

// PresetEncoder redefines the current position as position.
func (m *Motor) PresetEncoder(ctx context.Context, position int32, opts ...CommandOption) error {
	co := newCommandOptions(m.opts, opts)
	cmd := lwp.PresetEncoder(m.Port(), position)
	cmd.Flags = co.flags()
	return m.run(ctx, cmd, co)
}

// Snapshot adds the motion state to the base snapshot.
func (m *Motor) Snapshot() Snapshot {
	s := m.Proxy.Snapshot()
	m.mu.Lock()
	total := m.totalDistance
	current := m.current
	gear := m.gearRatio
	m.mu.Unlock()

	s.TotalDistance = &total
	s.Position = &current
	s.GearRatio = gear
	s.OwnedByVirtual = m.ownedByVirtual.Load()
	return s
}

func scalePosition(pos int, gear float64) int32 {
	return int32(math.Round(float64(pos) * gear))
}

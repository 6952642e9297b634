package experiment

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/hubmux/pkg/config"
	"github.com/srg/hubmux/pkg/device"
	"github.com/srg/hubmux/pkg/lwp"
)

// Script is a declarative experiment: the devices it drives and the ordered
// steps it runs.
type Script struct {
	Name    string                `yaml:"name"`
	Devices []config.DeviceConfig `yaml:"devices"`
	Steps   []Step                `yaml:"steps"`
}

// Step is one action of a script.
type Step struct {
	Name       string         `yaml:"name"`
	Device     string         `yaml:"device"`
	Cmd        string         `yaml:"cmd"`
	Args       map[string]any `yaml:"args"`
	Options    StepOptions    `yaml:"options"`
	OnlyAfter  bool           `yaml:"only_after"`
	ForeverRun bool           `yaml:"forever_run"`
}

// StepOptions maps onto device.CommandOption values.
type StepOptions struct {
	Start          string         `yaml:"start"`
	Completion     string         `yaml:"completion"`
	EndState       string         `yaml:"end_state"`
	AccProfile     bool           `yaml:"acc_profile"`
	DecProfile     bool           `yaml:"dec_profile"`
	MaxPower       *int           `yaml:"max_power"`
	WaitCompletion bool           `yaml:"wait_completion"`
	WaitUntil      string         `yaml:"wait_until"`
	WaitTimeout    time.Duration  `yaml:"wait_timeout"`
	DelayBefore    time.Duration  `yaml:"delay_before"`
	DelayAfter     time.Duration  `yaml:"delay_after"`
	StallWatch     *time.Duration `yaml:"stall_watch"`
}

// LoadScript reads a YAML experiment script.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes YAML script data.
func ParseScript(data []byte) (*Script, error) {
	s := &Script{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	for i := range s.Devices {
		s.Devices[i].ApplyDefaults()
	}
	if err := config.ValidateDevices(s.Devices); err != nil {
		return nil, fmt.Errorf("script devices: %w", err)
	}
	return s, nil
}

// Fleet holds the devices built for a script, in creation order.
type Fleet struct {
	Devices []device.Device
	byName  map[string]device.Device
}

// Get returns the device called name.
func (f *Fleet) Get(name string) (device.Device, bool) {
	d, ok := f.byName[name]
	return d, ok
}

// BuildDevices creates proxies for defs. Hubs and motors are created first so
// synchronized pairs can refer to them.
func BuildDevices(gw config.GatewayConfig, defs []config.DeviceConfig, logger *logrus.Logger) (*Fleet, error) {
	f := &Fleet{byName: make(map[string]device.Device, len(defs))}
	add := func(name string, d device.Device) {
		f.Devices = append(f.Devices, d)
		f.byName[name] = d
	}

	for _, def := range defs {
		opts := def.Options(gw, logger)
		switch def.Kind {
		case config.KindHub:
			add(def.Name, device.NewHub(opts...))
		case config.KindMotor:
			port, err := config.ParsePort(def.Port)
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", def.Name, err)
			}
			m, err := device.NewMotor(port, opts...)
			if err != nil {
				return nil, fmt.Errorf("device %q: %w", def.Name, err)
			}
			add(def.Name, m)
		case config.KindSynced:
		default:
			return nil, fmt.Errorf("device %q: unknown kind %q", def.Name, def.Kind)
		}
	}

	for _, def := range defs {
		if def.Kind != config.KindSynced {
			continue
		}
		if len(def.Motors) != 2 {
			return nil, fmt.Errorf("device %q: synced devices need two motors", def.Name)
		}
		a, okA := f.byName[def.Motors[0]].(*device.Motor)
		b, okB := f.byName[def.Motors[1]].(*device.Motor)
		if !okA || !okB {
			return nil, fmt.Errorf("device %q: motors %v must name motor devices", def.Name, def.Motors)
		}
		pair, err := device.NewSynchronizedMotor(a, b, def.Options(gw, logger)...)
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", def.Name, err)
		}
		add(def.Name, pair)
	}
	return f, nil
}

// Compile turns the script steps into an action list bound to fleet.
func (s *Script) Compile(fleet *Fleet) ([]Action, error) {
	actions := make([]Action, 0, len(s.Steps))
	for i, step := range s.Steps {
		cmd, err := compileStep(step, fleet)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Cmd, err)
		}
		name := step.Name
		if name == "" {
			name = fmt.Sprintf("%d-%s", i, step.Cmd)
			if step.Device != "" {
				name = fmt.Sprintf("%d-%s.%s", i, step.Device, step.Cmd)
			}
		}
		actions = append(actions, Action{
			Name:       name,
			Cmd:        cmd,
			OnlyAfter:  step.OnlyAfter,
			ForeverRun: step.ForeverRun,
		})
	}
	return actions, nil
}

type commandFunc = func(ctx context.Context) error

func compileStep(step Step, fleet *Fleet) (commandFunc, error) {
	a := args(step.Args)
	if step.Cmd == "sleep" {
		d, err := a.duration("duration")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, nil
	}

	dev, ok := fleet.Get(step.Device)
	if !ok {
		return nil, fmt.Errorf("unknown device %q", step.Device)
	}
	opts, err := step.Options.commandOptions(dev)
	if err != nil {
		return nil, err
	}

	switch step.Cmd {
	case "request_port_notification":
		return dev.RequestPortNotification, nil
	case "connect":
		return dev.Connect, nil
	case "disconnect":
		return dev.Disconnect, nil
	}

	switch d := dev.(type) {
	case *device.Hub:
		return hubCommand(d, step.Cmd, a, opts)
	case *device.Motor:
		return motorCommand(d, step.Cmd, a, opts)
	case *device.SynchronizedMotor:
		return syncedCommand(d, step.Cmd, a, opts)
	}
	return nil, fmt.Errorf("unsupported device type %T", dev)
}

func hubCommand(h *device.Hub, cmd string, a args, opts []device.CommandOption) (commandFunc, error) {
	switch cmd {
	case "set_led_color":
		name, err := a.str("color")
		if err != nil {
			return nil, err
		}
		color, err := lwp.ParseColor(strings.ToUpper(name))
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return h.SetLEDColor(ctx, color, opts...) }, nil
	case "set_led_rgb":
		r, g, b, err := a.rgb()
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return h.SetLEDRGB(ctx, r, g, b, opts...) }, nil
	case "action":
		name, err := a.str("action")
		if err != nil {
			return nil, err
		}
		action, err := lwp.ParseHubAction(strings.ToUpper(name))
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return h.Action(ctx, action) }, nil
	case "alert":
		name, err := a.str("alert")
		if err != nil {
			return nil, err
		}
		alert, err := lwp.ParseAlertType(strings.ToUpper(name))
		if err != nil {
			return nil, err
		}
		op, err := parseAlertOp(a.strOr("op", "enable"))
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error { return h.AlertRequest(ctx, alert, op) }, nil
	case "general_notification_request":
		return h.GeneralNotificationRequest, nil
	}
	return nil, fmt.Errorf("unknown hub command %q", cmd)
}

func motorCommand(m *device.Motor, cmd string, a args, opts []device.CommandOption) (commandFunc, error) {
	var (
		fn  commandFunc
		err error
	)
	switch cmd {
	case "start_speed":
		speed := a.intOr("speed", 0)
		fn = func(ctx context.Context) error { return m.StartSpeed(ctx, speed, opts...) }
	case "start_power":
		power := a.intOr("power", 0)
		dir := lwp.Forward
		if a.intOr("direction", 1) < 0 {
			dir = lwp.Reverse
		}
		fn = func(ctx context.Context) error { return m.StartPower(ctx, power, dir, opts...) }
	case "start_speed_for_time":
		var ms int
		if ms, err = a.int("time"); err == nil {
			speed, power := a.intOr("speed", 0), a.intOr("power", 100)
			fn = func(ctx context.Context) error { return m.StartSpeedForTime(ctx, ms, speed, power, opts...) }
		}
	case "start_move_by_degrees":
		var deg int
		if deg, err = a.int("degrees"); err == nil {
			speed := a.intOr("speed", 50)
			fn = func(ctx context.Context) error { return m.StartMoveByDegrees(ctx, deg, speed, opts...) }
		}
	case "goto_abs_pos":
		var pos int
		if pos, err = a.int("position"); err == nil {
			speed := a.intOr("speed", 50)
			fn = func(ctx context.Context) error { return m.GotoAbsPos(ctx, pos, speed, opts...) }
		}
	case "set_acc_profile", "set_dec_profile":
		var ms int
		if ms, err = a.int("ms"); err == nil {
			nr := byte(a.intOr("profile", 0))
			if cmd == "set_acc_profile" {
				fn = func(ctx context.Context) error { return m.SetAccProfile(ctx, ms, nr, opts...) }
			} else {
				fn = func(ctx context.Context) error { return m.SetDecProfile(ctx, ms, nr, opts...) }
			}
		}
	case "preset_encoder":
		pos := int32(a.intOr("position", 0))
		fn = func(ctx context.Context) error { return m.PresetEncoder(ctx, pos, opts...) }
	default:
		err = fmt.Errorf("unknown motor command %q", cmd)
	}
	return fn, err
}

func syncedCommand(s *device.SynchronizedMotor, cmd string, a args, opts []device.CommandOption) (commandFunc, error) {
	var (
		fn  commandFunc
		err error
	)
	switch cmd {
	case "virtual_port_setup":
		connect := a.boolOr("connect", true)
		fn = func(ctx context.Context) error { return s.VirtualPortSetup(ctx, connect) }
	case "start_speed_synced":
		s1, s2 := a.intOr("speed1", 0), a.intOr("speed2", 0)
		fn = func(ctx context.Context) error { return s.StartSpeedSynced(ctx, s1, s2, opts...) }
	case "start_power_synced":
		p1, p2 := a.intOr("power1", 0), a.intOr("power2", 0)
		fn = func(ctx context.Context) error { return s.StartPowerSynced(ctx, p1, p2, opts...) }
	case "start_move_degrees_synced":
		var deg int
		if deg, err = a.int("degrees"); err == nil {
			s1, s2 := a.intOr("speed1", 50), a.intOr("speed2", 50)
			fn = func(ctx context.Context) error { return s.StartMoveDegreesSynced(ctx, deg, s1, s2, opts...) }
		}
	case "start_speed_for_time_synced":
		var ms int
		if ms, err = a.int("time"); err == nil {
			s1, s2, power := a.intOr("speed1", 0), a.intOr("speed2", 0), a.intOr("power", 100)
			fn = func(ctx context.Context) error { return s.StartSpeedForTimeSynced(ctx, ms, s1, s2, power, opts...) }
		}
	case "goto_abs_pos_synced":
		p1, p2, speed := a.intOr("position1", 0), a.intOr("position2", 0), a.intOr("speed", 50)
		fn = func(ctx context.Context) error { return s.GotoAbsPosSynced(ctx, p1, p2, speed, opts...) }
	case "set_position":
		left, right := int32(a.intOr("left", 0)), int32(a.intOr("right", 0))
		fn = func(ctx context.Context) error { return s.SetPosition(ctx, left, right, opts...) }
	default:
		err = fmt.Errorf("unknown synced command %q", cmd)
	}
	return fn, err
}

// eventSource is implemented by every proxy through its embedded device.Proxy.
type eventSource interface {
	Stalled() *device.Event
	PortFree() *device.Event
}

func (o StepOptions) commandOptions(dev device.Device) ([]device.CommandOption, error) {
	var opts []device.CommandOption

	switch strings.ToLower(o.Start) {
	case "", "immediate":
	case "buffer":
		opts = append(opts, device.WithStart(lwp.StartBufferIfNeeded))
	default:
		return nil, fmt.Errorf("unknown start condition %q", o.Start)
	}
	switch strings.ToLower(o.Completion) {
	case "", "feedback":
	case "none":
		opts = append(opts, device.WithCompletion(lwp.CompletionNoAction))
	default:
		return nil, fmt.Errorf("unknown completion condition %q", o.Completion)
	}
	if o.EndState != "" {
		state, err := lwp.ParseEndState(o.EndState)
		if err != nil {
			return nil, err
		}
		opts = append(opts, device.WithEndState(state))
	}
	if o.AccProfile || o.DecProfile {
		opts = append(opts, device.WithProfile(o.AccProfile, o.DecProfile))
	}
	if o.MaxPower != nil {
		opts = append(opts, device.WithMaxPower(*o.MaxPower))
	}
	if o.WaitCompletion {
		opts = append(opts, device.WithWaitCompletion())
	}
	if o.DelayBefore > 0 {
		opts = append(opts, device.WithDelayBefore(o.DelayBefore))
	}
	if o.DelayAfter > 0 {
		opts = append(opts, device.WithDelayAfter(o.DelayAfter))
	}
	if o.StallWatch != nil {
		opts = append(opts, device.WithStallWatch(*o.StallWatch))
	}

	if o.WaitUntil != "" {
		src, ok := dev.(eventSource)
		if !ok {
			return nil, fmt.Errorf("device %s has no events to wait on", dev.Name())
		}
		var pred func() bool
		switch o.WaitUntil {
		case "stalled":
			pred = src.Stalled().IsSet
		case "port_free":
			pred = src.PortFree().IsSet
		default:
			return nil, fmt.Errorf("unknown wait_until predicate %q", o.WaitUntil)
		}
		opts = append(opts, device.WithWaitUntil(pred, o.WaitTimeout))
	}
	return opts, nil
}

func parseAlertOp(name string) (lwp.AlertOp, error) {
	switch strings.ToLower(name) {
	case "enable":
		return lwp.AlertEnable, nil
	case "disable":
		return lwp.AlertDisable, nil
	case "request_update", "update":
		return lwp.AlertRequestUpdate, nil
	}
	return 0, fmt.Errorf("unknown alert op %q", name)
}

// args are the loosely typed step arguments decoded from YAML.
type args map[string]any

func (a args) int(key string) (int, error) {
	v, ok := a[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.ParseInt(n, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("argument %q: %w", key, err)
		}
		return int(i), nil
	}
	return 0, fmt.Errorf("argument %q: expected a number, got %T", key, v)
}

func (a args) intOr(key string, def int) int {
	if n, err := a.int(key); err == nil {
		return n
	}
	return def
}

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q: expected a string, got %T", key, v)
	}
	return s, nil
}

func (a args) strOr(key, def string) string {
	if s, err := a.str(key); err == nil {
		return s
	}
	return def
}

func (a args) boolOr(key string, def bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return def
}

// duration accepts Go duration strings or a number of milliseconds.
func (a args) duration(key string) (time.Duration, error) {
	if s, err := a.str(key); err == nil {
		return time.ParseDuration(s)
	}
	ms, err := a.int(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (a args) rgb() (byte, byte, byte, error) {
	var out [3]byte
	for i, key := range []string{"r", "g", "b"} {
		v, err := a.int(key)
		if err != nil {
			return 0, 0, 0, err
		}
		if v < 0 || v > 255 {
			return 0, 0, 0, fmt.Errorf("argument %q: %d out of range 0-255", key, v)
		}
		out[i] = byte(v)
	}
	return out[0], out[1], out[2], nil
}

package device

import (
	"net"
	"strconv"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/hubmux/pkg/lwp"
)

// Options configures a device proxy. Zero values are replaced by the defaults
// in the struct tags before the Option functions run, so an Option may still
// set a field to zero.
type Options struct {
	Name          string
	Host          string        `default:"127.0.0.1"`
	ServerPort    int           `default:"8888"`
	GearRatio     float64       `default:"1.0"`
	WheelDiameter float64       `default:"100.0"`
	TimeToStalled time.Duration `default:"1s"`
	StallBias     int           `default:"2"`
	// RegisterTimeout bounds the register and disconnect handshakes.
	RegisterTimeout time.Duration `default:"5s"`
	LogSize         int           `default:"128"`
	Debug           bool
	Logger          *logrus.Logger
}

// Option mutates Options.
type Option func(*Options)

func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithServer points the proxy at a gateway.
func WithServer(host string, port int) Option {
	return func(o *Options) {
		o.Host = host
		o.ServerPort = port
	}
}

func WithGearRatio(ratio float64) Option {
	return func(o *Options) { o.GearRatio = ratio }
}

func WithWheelDiameter(d float64) Option {
	return func(o *Options) { o.WheelDiameter = d }
}

// WithStallDetection sets the default stall sampling interval and the minimum
// movement in degrees between two samples.
func WithStallDetection(interval time.Duration, bias int) Option {
	return func(o *Options) {
		o.TimeToStalled = interval
		o.StallBias = bias
	}
}

func WithRegisterTimeout(d time.Duration) Option {
	return func(o *Options) { o.RegisterTimeout = d }
}

func WithLogSize(n int) Option {
	return func(o *Options) { o.LogSize = n }
}

func WithDebug(debug bool) Option {
	return func(o *Options) { o.Debug = debug }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

func newOptions(opts []Option) Options {
	var o Options
	defaults.SetDefaults(&o)
	for _, fn := range opts {
		fn(&o)
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		if o.Debug {
			o.Logger.SetLevel(logrus.DebugLevel)
		}
	}
	return o
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.ServerPort))
}

// CommandOptions is the parameter tuple shared by motor commands.
type CommandOptions struct {
	StartCond      byte
	CompletionCond byte
	OnCompletion   lwp.EndState
	UseProfile     bool
	UseAccProfile  bool
	UseDecProfile  bool
	MaxPower       int
	// WaitUntil is polled after the send until it reports true or
	// WaitUntilTimeout elapses. A zero timeout waits until ctx is done.
	WaitUntil        func() bool
	WaitUntilTimeout time.Duration
	// WaitCompletion blocks after the send until the port is free again.
	WaitCompletion bool
	DelayBefore    time.Duration
	DelayAfter     time.Duration
	// TimeToStalled enables the stall watcher for this command.
	TimeToStalled time.Duration
}

// CommandOption mutates CommandOptions.
type CommandOption func(*CommandOptions)

// WithStart sets the start condition (lwp.StartExecImmediately or lwp.StartBufferIfNeeded).
func WithStart(cond byte) CommandOption {
	return func(c *CommandOptions) { c.StartCond = cond }
}

// WithCompletion sets the completion condition (lwp.CompletionUpdateState or lwp.CompletionNoAction).
func WithCompletion(cond byte) CommandOption {
	return func(c *CommandOptions) { c.CompletionCond = cond }
}

func WithEndState(state lwp.EndState) CommandOption {
	return func(c *CommandOptions) { c.OnCompletion = state }
}

// WithProfile selects the stored acceleration and deceleration profiles.
func WithProfile(acc, dec bool) CommandOption {
	return func(c *CommandOptions) {
		c.UseProfile = acc || dec
		c.UseAccProfile = acc
		c.UseDecProfile = dec
	}
}

func WithMaxPower(power int) CommandOption {
	return func(c *CommandOptions) { c.MaxPower = power }
}

// WithWaitUntil makes the command return once pred holds or timeout elapses.
func WithWaitUntil(pred func() bool, timeout time.Duration) CommandOption {
	return func(c *CommandOptions) {
		c.WaitUntil = pred
		c.WaitUntilTimeout = timeout
	}
}

// WithWaitCompletion makes the command return after its terminal feedback.
func WithWaitCompletion() CommandOption {
	return func(c *CommandOptions) { c.WaitCompletion = true }
}

func WithDelayBefore(d time.Duration) CommandOption {
	return func(c *CommandOptions) { c.DelayBefore = d }
}

func WithDelayAfter(d time.Duration) CommandOption {
	return func(c *CommandOptions) { c.DelayAfter = d }
}

// WithStallWatch watches the command for a stall, sampling every interval.
// A zero interval uses the device default.
func WithStallWatch(interval time.Duration) CommandOption {
	return func(c *CommandOptions) {
		if interval == 0 {
			interval = -1
		}
		c.TimeToStalled = interval
	}
}

func newCommandOptions(dev Options, opts []CommandOption) CommandOptions {
	c := CommandOptions{
		StartCond:      lwp.StartExecImmediately,
		CompletionCond: lwp.CompletionUpdateState,
		OnCompletion:   lwp.EndStateBrake,
		MaxPower:       100,
	}
	for _, fn := range opts {
		fn(&c)
	}
	if c.TimeToStalled < 0 {
		c.TimeToStalled = dev.TimeToStalled
	}
	return c
}

func (c CommandOptions) flags() byte {
	return lwp.Flags(c.StartCond, c.CompletionCond)
}

func (c CommandOptions) profile() byte {
	return lwp.ProfileByte(c.UseProfile, c.UseAccProfile, c.UseDecProfile)
}

func (c CommandOptions) maxPower() byte {
	switch {
	case c.MaxPower < 0:
		return 0
	case c.MaxPower > 100:
		return 100
	default:
		return byte(c.MaxPower)
	}
}

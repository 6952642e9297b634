package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/pkg/device"
	"github.com/srg/hubmux/pkg/lwp"
)

// Device kinds.
const (
	KindHub    = "hub"
	KindMotor  = "motor"
	KindSynced = "synced"
)

// Config holds application configuration
type Config struct {
	LogLevel string         `yaml:"log_level" default:"info"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// GatewayConfig configures the gateway and the hub link it owns.
type GatewayConfig struct {
	Host           string        `yaml:"host" default:"127.0.0.1"`
	Port           int           `yaml:"port" default:"8888"`
	BLEAddress     string        `yaml:"ble_address"`
	Backend        string        `yaml:"backend" default:"goble"`
	AdapterID      string        `yaml:"adapter_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	TraceSize      int           `yaml:"trace_size" default:"256"`
	Debug          bool          `yaml:"debug"`
}

// DeviceConfig describes one device proxy.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`
	// Port is a letter (A-D), "hub", "led" or a number such as 0x02.
	Port string `yaml:"port"`
	// Motors names the two motor devices of a synced pair.
	Motors []string `yaml:"motors"`
	// GearRatio is a pointer so an explicit zero can be rejected.
	GearRatio     *float64      `yaml:"gear_ratio"`
	WheelDiameter float64       `yaml:"wheel_diameter" default:"100.0"`
	TimeToStalled time.Duration `yaml:"time_to_stalled" default:"1s"`
	StallBias     int           `yaml:"stall_bias" default:"2"`
	Debug         bool          `yaml:"debug"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file. Missing fields get their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	defaults.SetDefaults(c)
	defaults.SetDefaults(&c.Gateway)
	for i := range c.Devices {
		c.Devices[i].ApplyDefaults()
	}
}

// ApplyDefaults fills unset fields of the entry with their defaults.
func (d *DeviceConfig) ApplyDefaults() {
	defaults.SetDefaults(d)
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := c.Gateway.Validate(); err != nil {
		return err
	}
	return ValidateDevices(c.Devices)
}

// ValidateDevices checks every entry and the references between them.
func ValidateDevices(devices []DeviceConfig) error {
	kinds := make(map[string]string, len(devices))
	for i, d := range devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, dup := kinds[d.Name]; dup {
			return fmt.Errorf("devices[%d]: duplicate device name %q", i, d.Name)
		}
		kinds[d.Name] = d.Kind
	}

	for _, d := range devices {
		if d.Kind != KindSynced {
			continue
		}
		for _, name := range d.Motors {
			if kinds[name] != KindMotor {
				return fmt.Errorf("device %q: %q is not a motor device", d.Name, name)
			}
		}
	}
	return nil
}

// Validate checks the gateway settings.
func (g GatewayConfig) Validate() error {
	if g.Port <= 0 || g.Port > 65535 {
		return fmt.Errorf("gateway.port must be in 1-65535, got %d", g.Port)
	}
	backend, err := peripheral.ParseBackend(g.Backend)
	if err != nil {
		return fmt.Errorf("gateway.backend: %w", err)
	}
	if backend != peripheral.BackendSim && g.BLEAddress == "" {
		return fmt.Errorf("gateway.ble_address is required for the %s backend", backend)
	}
	return nil
}

// Validate checks a single device entry.
func (d DeviceConfig) Validate() error {
	if d.Name == "" {
		return errors.New("name must not be empty")
	}

	switch d.Kind {
	case KindHub:
	case KindMotor:
		port, err := ParsePort(d.Port)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		if port == lwp.PortHub || port == lwp.PortLED {
			return fmt.Errorf("device %q: port %s is not a motor port", d.Name, lwp.PortString(port))
		}
	case KindSynced:
		if len(d.Motors) != 2 || d.Motors[0] == d.Motors[1] {
			return fmt.Errorf("device %q: synced devices need two distinct motors", d.Name)
		}
	default:
		return fmt.Errorf("device %q: kind must be hub, motor or synced, got %q", d.Name, d.Kind)
	}

	if d.GearRatio != nil && *d.GearRatio == 0 {
		return fmt.Errorf("device %q: %w", d.Name, device.ErrZeroGearRatio)
	}
	if d.WheelDiameter <= 0 {
		return fmt.Errorf("device %q: wheel_diameter must be > 0", d.Name)
	}
	return nil
}

// Ratio returns the configured gear ratio, 1.0 when unset.
func (d DeviceConfig) Ratio() float64 {
	if d.GearRatio == nil {
		return 1.0
	}
	return *d.GearRatio
}

// Options converts the entry into device proxy options.
func (d DeviceConfig) Options(gw GatewayConfig, logger *logrus.Logger) []device.Option {
	return []device.Option{
		device.WithName(d.Name),
		device.WithServer(gw.Host, gw.Port),
		device.WithGearRatio(d.Ratio()),
		device.WithWheelDiameter(d.WheelDiameter),
		device.WithStallDetection(d.TimeToStalled, d.StallBias),
		device.WithDebug(d.Debug),
		device.WithLogger(logger),
	}
}

// ParsePort accepts a port letter (A-D), "hub", "led" or a number.
func ParsePort(s string) (byte, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a":
		return lwp.PortA, nil
	case "b":
		return lwp.PortB, nil
	case "c":
		return lwp.PortC, nil
	case "d":
		return lwp.PortD, nil
	case "hub":
		return lwp.PortHub, nil
	case "led":
		return lwp.PortLED, nil
	case "":
		return 0, errors.New("port must not be empty")
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return byte(v), nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

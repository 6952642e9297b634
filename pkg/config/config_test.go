package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/hubmux/pkg/device"
	"github.com/srg/hubmux/pkg/lwp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 8888, cfg.Gateway.Port)
	assert.Equal(t, "goble", cfg.Gateway.Backend)
	assert.Equal(t, 30*time.Second, cfg.Gateway.ConnectTimeout)
	assert.Empty(t, cfg.Devices)
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			expected: logrus.DebugLevel,
		},
		{
			name:     "creates logger with info level",
			logLevel: "info",
			expected: logrus.InfoLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			expected: logrus.WarnLevel,
		},
		{
			name:     "unknown level falls back to info",
			logLevel: "chatty",
			expected: logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel: tt.logLevel,
			}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hubmux.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
gateway:
  port: 9000
  backend: sim
devices:
  - name: hub
    kind: hub
  - name: left
    kind: motor
    port: B
    gear_ratio: 2.5
  - name: right
    kind: motor
    port: "0x02"
    wheel_diameter: 56
  - name: drive
    kind: synced
    motors: [left, right]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, 9000, cfg.Gateway.Port)
	require.Len(t, cfg.Devices, 4)

	left := cfg.Devices[1]
	assert.Equal(t, 2.5, left.Ratio())
	assert.Equal(t, 100.0, left.WheelDiameter)
	assert.Equal(t, time.Second, left.TimeToStalled)
	assert.Equal(t, 2, left.StallBias)

	right := cfg.Devices[2]
	assert.Equal(t, 1.0, right.Ratio())
	assert.Equal(t, 56.0, right.WheelDiameter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("devices: [unterminated"))
	assert.ErrorContains(t, err, "parsing config file")
}

func TestConfig_Validation(t *testing.T) {
	zero := 0.0

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:   "sim backend needs no address",
			mutate: func(c *Config) {},
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.LogLevel = "chatty" },
			wantErr: "log_level",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Gateway.Backend = "serial" },
			wantErr: "gateway.backend",
		},
		{
			name:    "ble backend without address",
			mutate:  func(c *Config) { c.Gateway.Backend = "goble" },
			wantErr: "ble_address",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Gateway.Port = 70000 },
			wantErr: "gateway.port",
		},
		{
			name:    "unknown kind",
			mutate:  func(c *Config) { c.Devices[0].Kind = "sensor" },
			wantErr: "kind must be",
		},
		{
			name:    "bad motor port",
			mutate:  func(c *Config) { c.Devices[1].Port = "Z" },
			wantErr: "invalid port",
		},
		{
			name:    "motor on the hub port",
			mutate:  func(c *Config) { c.Devices[1].Port = "hub" },
			wantErr: "not a motor port",
		},
		{
			name:    "duplicate names",
			mutate:  func(c *Config) { c.Devices[2].Name = "left" },
			wantErr: "duplicate device name",
		},
		{
			name:    "synced pair names a hub",
			mutate:  func(c *Config) { c.Devices[3].Motors = []string{"left", "hub"} },
			wantErr: "is not a motor device",
		},
		{
			name:    "synced pair with one motor",
			mutate:  func(c *Config) { c.Devices[3].Motors = []string{"left"} },
			wantErr: "two distinct motors",
		},
		{
			name:    "zero wheel diameter",
			mutate:  func(c *Config) { c.Devices[1].WheelDiameter = 0 },
			wantErr: "wheel_diameter",
		},
		{
			name:    "zero gear ratio",
			mutate:  func(c *Config) { c.Devices[1].GearRatio = &zero },
			wantErr: device.ErrZeroGearRatio.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(`
gateway: {backend: sim}
devices:
  - {name: hub, kind: hub}
  - {name: left, kind: motor, port: A}
  - {name: right, kind: motor, port: B}
  - {name: drive, kind: synced, motors: [left, right]}
`))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParsePort(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{in: "A", want: lwp.PortA},
		{in: "d", want: lwp.PortD},
		{in: " hub ", want: lwp.PortHub},
		{in: "LED", want: lwp.PortLED},
		{in: "0x10", want: 0x10},
		{in: "3", want: 3},
		{in: "", wantErr: true},
		{in: "0x100", wantErr: true},
		{in: "E", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePort(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeviceOptions(t *testing.T) {
	ratio := 3.0
	d := DeviceConfig{Name: "arm", Kind: KindMotor, Port: "C", GearRatio: &ratio, WheelDiameter: 40, StallBias: 5, TimeToStalled: 2 * time.Second}
	gw := GatewayConfig{Host: "localhost", Port: 9100}

	m, err := device.NewMotor(lwp.PortC, d.Options(gw, logrus.New())...)
	require.NoError(t, err)
	assert.Equal(t, "arm", m.Name())
	assert.Equal(t, 3.0, m.GearRatio())
	assert.Equal(t, 40.0, m.WheelDiameter())
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}

func BenchmarkConfig_NewLogger(b *testing.B) {
	cfg := DefaultConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cfg.NewLogger()
	}
}

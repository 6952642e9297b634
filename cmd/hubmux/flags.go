package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/pkg/config"
	"github.com/srg/hubmux/pkg/gateway"
)

func addGatewayFlags(cmd *cobra.Command) {
	defaults := config.DefaultConfig().Gateway

	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.String("host", defaults.Host, "Gateway host")
	flags.Int("port", defaults.Port, "Gateway TCP port")
	flags.String("backend", defaults.Backend, "Hub backend (goble, tinygo, sim)")
	flags.String("address", "", "Hub BLE address")
	flags.String("adapter", "", "BLE adapter id (tinygo backend)")
	flags.Duration("connect-timeout", defaults.ConnectTimeout, "Hub connection timeout")
}

// loadConfig reads --config, when given, and applies every gateway flag the
// user set explicitly on top of it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Gateway.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Gateway.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("backend") {
		cfg.Gateway.Backend, _ = flags.GetString("backend")
	}
	if flags.Changed("address") {
		cfg.Gateway.BLEAddress, _ = flags.GetString("address")
	}
	if flags.Changed("adapter") {
		cfg.Gateway.AdapterID, _ = flags.GetString("adapter")
	}
	if flags.Changed("connect-timeout") {
		cfg.Gateway.ConnectTimeout, _ = flags.GetDuration("connect-timeout")
	}
	return cfg, nil
}

func runOptions(gw config.GatewayConfig, logger *logrus.Logger) (*gateway.RunOptions, error) {
	if err := gw.Validate(); err != nil {
		return nil, err
	}
	backend, err := peripheral.ParseBackend(gw.Backend)
	if err != nil {
		return nil, err
	}
	if gw.TraceSize < 0 {
		return nil, fmt.Errorf("gateway.trace_size must be >= 0")
	}
	return &gateway.RunOptions{
		Backend:        backend,
		BleAddress:     gw.BLEAddress,
		AdapterID:      gw.AdapterID,
		ConnectTimeout: gw.ConnectTimeout,
		Host:           gw.Host,
		Port:           gw.Port,
		TraceSize:      uint32(gw.TraceSize),
		Logger:         logger,
	}, nil
}

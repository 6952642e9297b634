package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hubmux",
	Short: "LEGO Powered Up hub multiplexer",
	Long: `Multi-device controller for LEGO Powered Up and Technic hubs (LWP 3.0):

- Scan for hubs advertising the LEGO Wireless Protocol service
- Serve a hub: own its BLE link and multiplex it to device proxies over TCP
- Run YAML experiments that drive motors, synchronized pairs and the hub LED

Start the gateway with 'hubmux serve', then run experiments against it.`,
	Version: formatVersion(version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hubmux %s (commit %s, built %s)\n", formatVersion(version), commit, date)
	},
}

func main() {
	err := rootCmd.Execute()
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
	os.Exit(1)
}

func init() {
	// main prints errors itself
	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(scanCmd, serveCmd, runCmd, versionCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	addGatewayFlags(rootCmd)

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}

// signalContext returns a context cancelled on Ctrl+C or SIGTERM.
func signalContext(logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Received interrupt signal, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/hubmux/internal/ptyio"
	"github.com/srg/hubmux/pkg/gateway"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Own a hub's BLE link and multiplex it to device proxies",
	Long: `Connects to a LEGO hub and listens for device proxies on TCP.

Every proxy registers for one port of the hub. Commands it sends are written
to the hub; notifications from the hub are routed back to the proxy owning
the port they refer to. The simulator backend serves an in-process hub.

Example:
  hubmux serve --address 90:84:2B:4A:3B:1C
  hubmux serve --backend sim --trace
  hubmux serve --backend sim --pty   # then: screen /dev/pts/N`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveTrace bool
	servePTY   bool
)

func init() {
	serveCmd.Flags().BoolVar(&serveTrace, "trace", false, "Print the routed frames kept in the trace buffer at shutdown")
	serveCmd.Flags().BoolVar(&servePTY, "pty", false, "Stream routed frames live to a pseudo-terminal")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg.LogLevel)
	if err != nil {
		return err
	}
	opts, err := runOptions(cfg.Gateway, logger)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(logger)
	defer cancel()

	out := cmd.OutOrStdout()
	if servePTY {
		monitor, err := ptyio.New(&ptyio.Options{Logger: logger})
		if err != nil {
			return err
		}
		defer func() {
			stats := monitor.Stats()
			if stats.Dropped > 0 {
				logger.WithField("dropped_bytes", stats.Dropped).Warn("Trace terminal fell behind")
			}
			_ = monitor.Close()
		}()
		opts.TraceSink = monitor
		fmt.Fprintf(out, "Trace terminal: %s\n", monitor.TTYName())
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Starting gateway", "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = gateway.Run(ctx, opts, progress.Callback(), func(g *gateway.Gateway) (struct{}, error) {
		fmt.Fprintf(out, "Gateway listening on %s\n", g.Addr())

		waitErr := g.Wait(ctx)

		stats := g.Stats()
		logger.WithFields(logrus.Fields{
			"forwarded": stats.Forwarded,
			"routed":    stats.Routed,
			"dropped":   stats.Dropped,
		}).Info("Gateway shutting down")

		if serveTrace {
			printTrace(out, g.DrainTrace(), isTerminal(out))
		}
		return struct{}{}, waitErr
	})
	return err
}

// printTrace writes one line per traced frame, coloured by direction.
func printTrace(w io.Writer, records []gateway.TraceRecord, colorize bool) {
	down := color.New(color.FgCyan)
	up := color.New(color.FgGreen)
	dropped := color.New(color.FgYellow)
	for _, c := range []*color.Color{down, up, dropped} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}

	for _, r := range records {
		c := down
		switch {
		case r.Dropped:
			c = dropped
		case r.Direction == gateway.Upstream:
			c = up
		}
		_, _ = c.Fprintln(w, r.String())
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/hubmux/pkg/config"
	"github.com/srg/hubmux/pkg/device"
	"github.com/srg/hubmux/pkg/experiment"
	"github.com/srg/hubmux/pkg/gateway"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <script.yaml>",
	Short: "Run a YAML experiment against the gateway",
	Long: `Builds the devices a script declares, connects them to the gateway,
assembles synchronized pairs and enables port notifications, then runs the
script steps. Steps run concurrently until one marked only_after; the next
steps start once that group finished.

Devices come from the script, or from --config when the script has none.

Example:
  hubmux run square.yaml
  hubmux run --serve --backend sim --report square.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runExperiment,
}

var (
	runReport          bool
	runContinueOnError bool
	runServeGateway    bool
)

func init() {
	runCmd.Flags().BoolVar(&runReport, "report", false, "Print a JSON report with results and device snapshots")
	runCmd.Flags().BoolVar(&runContinueOnError, "continue-on-error", false, "Keep running later groups after a failed step")
	runCmd.Flags().BoolVar(&runServeGateway, "serve", false, "Start an in-process gateway for the run")
}

// runOutput is the JSON report of a run.
type runOutput struct {
	Script  string             `json:"script"`
	Report  *experiment.Report `json:"report"`
	Devices []device.Snapshot  `json:"devices"`
	Errors  []string           `json:"errors,omitempty"`
	Gateway *gateway.Stats     `json:"gateway,omitempty"`
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, "verbose", cfg.LogLevel)
	if err != nil {
		return err
	}

	script, err := experiment.LoadScript(args[0])
	if err != nil {
		return err
	}
	defs := script.Devices
	if len(defs) == 0 {
		defs = cfg.Devices
	}
	if len(defs) == 0 {
		return fmt.Errorf("no devices: declare them in the script or in --config")
	}
	if err := config.ValidateDevices(defs); err != nil {
		return err
	}

	var gwOpts *gateway.RunOptions
	if runServeGateway {
		if gwOpts, err = runOptions(cfg.Gateway, logger); err != nil {
			return err
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(logger)
	defer cancel()

	execute := func() (*runOutput, error) {
		return executeScript(ctx, script, cfg.Gateway, defs, logger)
	}

	var out *runOutput
	if gwOpts != nil {
		out, err = gateway.Run(ctx, gwOpts, nil, func(g *gateway.Gateway) (*runOutput, error) {
			o, runErr := execute()
			if o != nil {
				stats := g.Stats()
				o.Gateway = &stats
			}
			return o, runErr
		})
	} else {
		out, err = execute()
	}
	if out == nil {
		return err
	}
	out.Script = args[0]
	if script.Name != "" {
		out.Script = script.Name
	}

	w := cmd.OutOrStdout()
	if runReport {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if encErr := encoder.Encode(out); encErr != nil {
			return encErr
		}
	} else if printErr := printReport(w, out.Report); printErr != nil {
		return printErr
	}
	return err
}

func executeScript(ctx context.Context, script *experiment.Script, gw config.GatewayConfig, defs []config.DeviceConfig, logger *logrus.Logger) (out *runOutput, err error) {
	fleet, err := experiment.BuildDevices(gw, defs, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := experiment.CloseAll(fleet.Devices); closeErr != nil {
			logger.WithError(closeErr).Warn("Failed to close devices")
		}
	}()

	actions, err := script.Compile(fleet)
	if err != nil {
		return nil, err
	}
	if err := experiment.SetupConnectivity(ctx, fleet.Devices, logger); err != nil {
		return nil, fmt.Errorf("setting up devices: %w", err)
	}

	runner := experiment.NewRunner(&experiment.RunnerOptions{
		ContinueOnError: runContinueOnError,
		Logger:          logger,
	})
	report, runErr := runner.Run(ctx, actions)

	out = &runOutput{Report: report}
	for _, d := range fleet.Devices {
		out.Devices = append(out.Devices, d.Snapshot())
	}
	if runErr != nil {
		for _, e := range unwrapJoined(report.Err()) {
			out.Errors = append(out.Errors, e.Error())
		}
	}
	return out, runErr
}

func unwrapJoined(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func printReport(w io.Writer, report *experiment.Report) error {
	if report == nil {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tACTION\tDURATION\tRESULT")
	for _, group := range report.Groups {
		for _, res := range group {
			result := "ok"
			switch {
			case res.Err != nil:
				result = res.Error
			case res.Cancelled:
				result = "cancelled"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", res.Group, res.Name, res.Duration.Round(time.Millisecond), result)
		}
	}
	fmt.Fprintf(tw, "\nruntime\t%s\n", report.Runtime.Round(time.Millisecond))
	return tw.Flush()
}

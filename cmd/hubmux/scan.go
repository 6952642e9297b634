package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/hubmux/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for LEGO hubs",
	Long: `Scan for and display LEGO hubs in the vicinity.

Only devices advertising the LEGO Wireless Protocol service are listed, with
their hub type and whether the green button is pressed.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanAllowList   []string
	scanBlockList   []string
	scanNoDuplicate bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 until interrupted)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show hubs with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide hubs with these addresses")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose", "")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create hub scanner: %w", err)
	}

	opts := scanner.DefaultScanOptions()
	opts.Duration = scanDuration
	opts.DuplicateFilter = scanNoDuplicate
	opts.AllowList = scanAllowList
	opts.BlockList = scanBlockList

	ctx, cancel := signalContext(logger)
	defer cancel()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for hubs", "Scanning", scanDuration, "Processing results")
	progress.Start()
	hubs, err := s.Scan(ctx, opts, progress.Callback())
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return displayHubs(cmd.OutOrStdout(), hubs, scanFormat)
}

func displayHubs(w io.Writer, hubs map[string]scanner.HubInfo, format string) error {
	list := make([]scanner.HubInfo, 0, len(hubs))
	for _, h := range hubs {
		list = append(list, h)
	}
	// Strongest signal first
	sort.Slice(list, func(i, j int) bool {
		if list[i].RSSI != list[j].RSSI {
			return list[i].RSSI > list[j].RSSI
		}
		return list[i].Address < list[j].Address
	})

	if format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(list)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No hubs discovered")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tTYPE\tRSSI\tBUTTON\tLAST SEEN")
	fmt.Fprintln(tw, strings.Repeat("-", 72))
	for _, h := range list {
		name := h.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		button := ""
		if h.ButtonPressed {
			button = "pressed"
		}
		lastSeen := time.Since(h.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d dBm\t%s\t%s ago\n",
			name, h.Address, h.SystemType, h.RSSI, button, lastSeen)
	}
	return tw.Flush()
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/hubmux/internal/devicefactory"
	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/internal/testutils"
	"github.com/srg/hubmux/pkg/device"
	"github.com/srg/hubmux/pkg/gateway"
)

// executeCommand runs the root command with args and returns stdout and stderr.
func executeCommand(args ...string) (string, string, error) {
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), errOut.String(), err
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "gateway not running",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
			want: "cannot reach the gateway",
		},
		{
			name: "register timeout",
			err:  fmt.Errorf("registering port 0x00: %w", device.ErrRegisterTimeout),
			want: "did not answer the registration",
		},
		{
			name: "hub lost",
			err:  fmt.Errorf("serve: %w", gateway.ErrPeripheralLost),
			want: "the hub disconnected",
		},
		{
			name: "not a hub",
			err:  peripheral.ErrNotFound,
			want: "not a LEGO hub",
		},
		{
			name: "parameter",
			err:  fmt.Errorf("%w: ms 20000 not in [0, 10000]", device.ErrValueOutOfRange),
			want: "invalid parameter",
		},
		{
			name: "anything else",
			err:  errors.New("boom"),
			want: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, FormatUserError(tt.err), tt.want)
		})
	}
	assert.Empty(t, FormatUserError(nil))
}

func TestConfigureLogger(t *testing.T) {
	tests := []struct {
		name       string
		logLevel   string
		verbose    bool
		configured string
		want       logrus.Level
		wantErr    bool
	}{
		{name: "default is warn", want: logrus.WarnLevel},
		{name: "config level", configured: "info", want: logrus.InfoLevel},
		{name: "verbose", verbose: true, configured: "info", want: logrus.DebugLevel},
		{name: "flag wins", logLevel: "error", verbose: true, want: logrus.ErrorLevel},
		{name: "invalid flag", logLevel: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{Use: "test"}
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().Bool("verbose", false, "")
			require.NoError(t, cmd.Flags().Set("log-level", tt.logLevel))
			require.NoError(t, cmd.Flags().Set("verbose", strconv.FormatBool(tt.verbose)))

			logger, err := configureLogger(cmd, "verbose", tt.configured)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestPrintTrace(t *testing.T) {
	records := []gateway.TraceRecord{
		{Time: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC), Direction: gateway.Downstream, Key: 0x01, Handle: 0x0E, Data: []byte{0x05, 0x00, 0x81}},
		{Time: time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC), Direction: gateway.Upstream, Key: 0x07, Handle: 0x0E, Data: []byte{0x05, 0x00, 0x82}, Dropped: true},
	}

	var buf bytes.Buffer
	printTrace(&buf, records, false)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "proxy->hub port=0x01")
	assert.Contains(t, lines[1], "(dropped)")
	assert.NotContains(t, buf.String(), "\x1b[")
}

func TestProgressPrinterStopsOnce(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressPrinter(&buf, "Working", "Starting", "Done")
	p.Start()
	p.Callback()("Done")
	p.Stop()
	assert.True(t, strings.HasPrefix(buf.String(), "\rWorking (Starting...)"))
	assert.True(t, strings.HasSuffix(buf.String(), clearLineSequence))

	// A printer that never started can still be stopped.
	NewProgressPrinter(&buf, "Idle", "Waiting").Stop()
}

// replayDevice hands a fixed set of advertisements to the scanner.
type replayDevice struct {
	advs []blelib.Advertisement
}

func (d *replayDevice) Scan(ctx context.Context, _ bool, handler blelib.AdvHandler) error {
	for _, adv := range d.advs {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestScanCommand(t *testing.T) {
	original := devicefactory.DeviceFactory
	t.Cleanup(func() { devicefactory.DeviceFactory = original })

	hub := testutils.NewAdvertisementBuilder().
		WithAddress("90:84:2B:4A:3B:1C").
		WithName("Technic Hub").
		WithRSSI(-45).
		WithServices(peripheral.HubServiceUUID).
		WithLWPHub(0x80, true).
		Build()
	other := testutils.NewAdvertisementBuilder().
		WithAddress("99:88:77:66:55:44").
		WithName("Heart Rate").
		WithServices("180D").
		Build()
	devicefactory.DeviceFactory = func() (devicefactory.ScanningDevice, error) {
		return &replayDevice{advs: []blelib.Advertisement{hub, other}}, nil
	}

	out, _, err := executeCommand("scan", "--duration", "50ms", "--format", "json")
	require.NoError(t, err)

	var hubs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &hubs))
	require.Len(t, hubs, 1)
	assert.Equal(t, "Technic Hub", hubs[0]["name"])
	assert.Equal(t, true, hubs[0]["button_pressed"])

	_, _, err = executeCommand("scan", "--duration", "10ms", "--format", "xml")
	assert.ErrorContains(t, err, "invalid format")
	scanFormat = "table"
}

const squareScript = `
name: square
devices:
  - {name: hub, kind: hub}
  - {name: arm, kind: motor, port: A, gear_ratio: 2}
  - {name: left, kind: motor, port: B}
  - {name: right, kind: motor, port: C}
  - {name: drive, kind: synced, motors: [left, right]}
steps:
  - {device: hub, cmd: set_led_color, args: {color: blue}}
  - device: arm
    cmd: goto_abs_pos
    args: {position: 45, speed: 30}
    options: {wait_completion: true}
    only_after: true
  - device: drive
    cmd: start_move_degrees_synced
    args: {degrees: 180, speed1: 40, speed2: -40}
    options: {wait_completion: true}
    only_after: true
`

func TestRunCommandWithSimulator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "square.yaml")
	require.NoError(t, os.WriteFile(path, []byte(squareScript), 0o600))

	helper := testutils.NewTestHelper(t)
	_, port := helper.FreeAddr()

	out, _, err := executeCommand("run", "--serve", "--backend", "sim", "--port", strconv.Itoa(port),
		"--report", "--log-level", "error", path)
	require.NoError(t, err)

	var report struct {
		Script string `json:"script"`
		Report struct {
			Groups [][]struct {
				Name  string `json:"name"`
				Error string `json:"error"`
			} `json:"groups"`
		} `json:"report"`
		Devices []struct {
			Name     string `json:"name"`
			Position int32  `json:"position"`
		} `json:"devices"`
		Gateway map[string]int64 `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	assert.Equal(t, "square", report.Script)
	// The LED step runs with the first marked step; the drive waits for both.
	var groups [][]string
	for _, g := range report.Report.Groups {
		var names []string
		for _, res := range g {
			assert.Empty(t, res.Error, res.Name)
			names = append(names, res.Name)
		}
		groups = append(groups, names)
	}
	require.Len(t, groups, 2)
	assert.ElementsMatch(t, []string{"0-hub.set_led_color", "1-arm.goto_abs_pos"}, groups[0])
	assert.Equal(t, []string{"2-drive.start_move_degrees_synced"}, groups[1])

	positions := map[string]int32{}
	for _, d := range report.Devices {
		positions[d.Name] = d.Position
	}
	assert.Equal(t, int32(90), positions["arm"])
	assert.Positive(t, report.Gateway["Forwarded"])
}

package testutils

import (
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is an interface that matches the methods we need from testing.T
type TestingT interface {
	Errorf(format string, args ...interface{})
}

type HexAssertOptions struct {
	// BytesPerLine splits dumps so diffs point at the offending part of a frame.
	BytesPerLine int  `default:"8"`
	ShowOffsets  bool `default:"true"`
	EnableColors bool `default:"false"`
}

// HexOption is a functional option for configuring HexAsserter
type HexOption func(*HexAssertOptions)

// HexAsserter compares byte strings as hex dumps and reports a unified diff.
type HexAsserter struct {
	t       TestingT
	options HexAssertOptions
}

// NewHexAsserter creates a new HexAsserter with default options
func NewHexAsserter(t *testing.T) *HexAsserter {
	return NewHexAsserterWithInterface(t)
}

// NewHexAsserterWithInterface creates a new HexAsserter using the TestingT interface
func NewHexAsserterWithInterface(t TestingT) *HexAsserter {
	opts := HexAssertOptions{}
	defaults.SetDefaults(&opts)
	return &HexAsserter{
		t:       t,
		options: opts,
	}
}

// WithOptions applies functional options to the HexAsserter
func (ha *HexAsserter) WithOptions(opts ...HexOption) *HexAsserter {
	for _, opt := range opts {
		opt(&ha.options)
	}
	return ha
}

// GetOptions returns a copy of the current options (for testing)
func (ha *HexAsserter) GetOptions() HexAssertOptions {
	return ha.options
}

// Assert compares actual bytes against an expected hex string such as
// "0E 0E 00 81". Whitespace in expected is ignored.
func (ha *HexAsserter) Assert(actual []byte, expected string) {
	want, err := ParseHex(expected)
	if err != nil {
		ha.t.Errorf("invalid expected hex %q: %v", expected, err)
		return
	}
	ha.AssertBytes(actual, want)
}

// AssertBytes compares two byte strings.
func (ha *HexAsserter) AssertBytes(actual, expected []byte) {
	if diff := ha.diff(actual, expected); diff != "" {
		ha.t.Errorf("Hex assertion failed:\n%s", diff)
	}
}

func (ha *HexAsserter) diff(actual, expected []byte) string {
	a := ha.dump(actual)
	e := ha.dump(expected)
	if a == e {
		return ""
	}

	edits := myers.ComputeEdits("", e, a)
	unified := gotextdiff.ToUnified("expected", "actual", e, edits)
	return ha.colorize(fmt.Sprint(unified))
}

// dump renders b as newline terminated rows of upper-case hex bytes.
func (ha *HexAsserter) dump(b []byte) string {
	per := ha.options.BytesPerLine
	if per <= 0 {
		per = len(b) + 1
	}
	var sb strings.Builder
	for off := 0; off < len(b); off += per {
		end := off + per
		if end > len(b) {
			end = len(b)
		}
		if ha.options.ShowOffsets {
			fmt.Fprintf(&sb, "%04x: ", off)
		}
		sb.WriteString(FormatHex(b[off:end]))
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "(%d bytes)\n", len(b))
	return sb.String()
}

func (ha *HexAsserter) colorize(diff string) string {
	if !ha.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "@@"):
			lines[i] = cyan.Sprint(line)
		case strings.HasPrefix(line, "-"):
			lines[i] = red.Sprint(line)
		case strings.HasPrefix(line, "+"):
			lines[i] = green.Sprint(line)
		}
	}
	return strings.Join(lines, "\n")
}

// FormatHex renders b as space separated upper-case hex bytes.
func FormatHex(b []byte) string {
	return strings.ToUpper(fmt.Sprintf("% x", b))
}

// ParseHex parses a hex string, ignoring whitespace.
func ParseHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.Join(strings.Fields(s), ""))
}

// MustHex is ParseHex for literals in tests.
func MustHex(s string) []byte {
	b, err := ParseHex(s)
	if err != nil {
		panic(err)
	}
	return b
}

// WithBytesPerLine sets the row width of the rendered dumps
func WithBytesPerLine(n int) HexOption {
	return func(opts *HexAssertOptions) {
		opts.BytesPerLine = n
	}
}

// WithShowOffsets sets whether rows are prefixed with their byte offset
func WithShowOffsets(show bool) HexOption {
	return func(opts *HexAssertOptions) {
		opts.ShowOffsets = show
	}
}

// WithEnableColors sets whether to enable colored diff output
func WithEnableColors(enable bool) HexOption {
	return func(opts *HexAssertOptions) {
		opts.EnableColors = enable
	}
}

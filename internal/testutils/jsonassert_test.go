package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).GetOptions()
	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder)
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		opts     []Option
		wantFail bool
	}{
		{
			name:     "identical",
			actual:   `{"port":"0x01","connected":true}`,
			expected: `{"port":"0x01","connected":true}`,
		},
		{
			name:     "extra keys ignored by default",
			actual:   `{"port":"0x01","connected":true,"name":"left"}`,
			expected: `{"port":"0x01","connected":true}`,
		},
		{
			name:     "extra keys reported when not ignored",
			actual:   `{"port":"0x01","name":"left"}`,
			expected: `{"port":"0x01"}`,
			opts:     []Option{WithIgnoreExtraKeys(false)},
			wantFail: true,
		},
		{
			name:     "presence placeholder",
			actual:   `{"port":"0x01","runtime":"1.25s"}`,
			expected: `{"port":"0x01","runtime":"<<PRESENCE>>"}`,
		},
		{
			name:     "presence placeholder requires the key",
			actual:   `{"port":"0x01"}`,
			expected: `{"port":"0x01","runtime":"<<PRESENCE>>"}`,
			wantFail: true,
		},
		{
			name:     "ignored fields at any depth",
			actual:   `{"groups":[{"at":"t1","ok":true}]}`,
			expected: `{"groups":[{"at":"t2","ok":true}]}`,
			opts:     []Option{WithIgnoredFields("at")},
		},
		{
			name:     "array root",
			actual:   `[{"name":"arm","position":90,"port":"0x00"},{"name":"drive","position":0}]`,
			expected: `[{"name":"arm","position":90},{"name":"drive","position":0}]`,
		},
		{
			name:     "array root mismatch",
			actual:   `[{"name":"arm","position":45}]`,
			expected: `[{"name":"arm","position":90}]`,
			wantFail: true,
		},
		{
			name:     "root kind mismatch",
			actual:   `{"name":"arm"}`,
			expected: `[{"name":"arm"}]`,
			wantFail: true,
		},
		{
			name:     "value mismatch",
			actual:   `{"port_free":false}`,
			expected: `{"port_free":true}`,
			wantFail: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &recordingT{}
			NewJSONAsserterWithInterface(rt).WithOptions(tt.opts...).Assert(tt.actual, tt.expected)
			if tt.wantFail {
				require.NotEmpty(t, rt.errors)
				assert.Contains(t, rt.errors[0], "JSON assertion failed")
			} else {
				assert.Empty(t, rt.errors)
			}
		})
	}
}

package tinygo

import (
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"
)

func TestParseAddress(t *testing.T) {
	addr, err := parseAddress("90:84:2B:4A:3B:1C")
	require.NoError(t, err)
	assert.Equal(t, "90:84:2B:4A:3B:1C", strings.ToUpper(addr.String()))

	_, err = parseAddress("not-a-mac")
	assert.Error(t, err)
}

func TestNewAdapterDefault(t *testing.T) {
	a, err := newAdapter("")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestLinuxWritersUseWithoutResponse(t *testing.T) {
	want := reflect.ValueOf(bluetooth.DeviceCharacteristic.WriteWithoutResponse).Pointer()
	assert.Equal(t, want, reflect.ValueOf(deviceCharacteristicWrite).Pointer())
	assert.Equal(t, want, reflect.ValueOf(deviceCharacteristicWriteWithResponse).Pointer())
}

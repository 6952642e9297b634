package device

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/hubmux/internal/testutils"
	"github.com/srg/hubmux/pkg/lwp"
)

func decode(t *testing.T, hexStr string) lwp.Message {
	msg, err := lwp.Decode(testutils.MustHex(hexStr))
	require.NoError(t, err)
	return msg
}

func TestFeedbackMovesPortFree(t *testing.T) {
	m, err := NewMotor(lwp.PortA)
	require.NoError(t, err)

	m.dispatch(decode(t, "05 00 82 00 01"))
	assert.False(t, m.PortFree().IsSet())

	m.dispatch(decode(t, "05 00 82 00 0A"))
	assert.True(t, m.PortFree().IsSet())

	// A new command replacing a running one is still in progress.
	m.dispatch(decode(t, "05 00 82 00 05"))
	assert.False(t, m.PortFree().IsSet())

	assert.Equal(t, 3, m.FeedbackLog().Len())
	fb, ok := m.LastFeedback()
	require.True(t, ok)
	assert.Equal(t, lwp.FeedbackInProgress|lwp.FeedbackDiscarded, fb.Entries[0].Feedback)
}

func TestSynchronizedFeedbackNeedsAllPorts(t *testing.T) {
	a, err := NewMotor(lwp.PortA)
	require.NoError(t, err)
	b, err := NewMotor(lwp.PortB)
	require.NoError(t, err)
	s, err := NewSynchronizedMotor(a, b)
	require.NoError(t, err)

	s.dispatch(decode(t, "09 00 82 10 01 00 01 01 01"))
	assert.False(t, s.PortFree().IsSet())

	s.dispatch(decode(t, "09 00 82 10 0A 00 0A 01 01"))
	assert.False(t, s.PortFree().IsSet())

	s.dispatch(decode(t, "09 00 82 10 0A 00 0A 01 0A"))
	assert.True(t, s.PortFree().IsSet())
}

func TestSingleEntryCompletedFeedbackFreesVirtualPort(t *testing.T) {
	a, _ := NewMotor(lwp.PortA)
	b, _ := NewMotor(lwp.PortB)
	s, err := NewSynchronizedMotor(a, b)
	require.NoError(t, err)

	s.dispatch(decode(t, "05 00 82 10 0A"))
	assert.True(t, s.PortFree().IsSet())
}

func TestTotalDistanceAccumulates(t *testing.T) {
	m, err := NewMotor(lwp.PortA, WithGearRatio(2), WithWheelDiameter(50))
	require.NoError(t, err)

	for _, v := range []int32{100, 190, 145, 145, -35} {
		m.dispatch(lwp.PortValue{Port: lwp.PortA, Value: v, Size: 4})
	}

	steps := 90.0 + 45 + 0 + 180
	assert.InDelta(t, steps*2*math.Pi*50/360, m.TotalDistance(), 1e-9)
	assert.Equal(t, int32(-35), m.Position())
	assert.Equal(t, int32(145), m.PreviousPosition())

	v, ok := m.LastValue()
	require.True(t, ok)
	assert.Equal(t, int32(-35), v.Value)
}

func TestPortValueDecodedIntoSlot(t *testing.T) {
	m, err := NewMotor(lwp.PortA)
	require.NoError(t, err)

	m.dispatch(decode(t, "08 00 45 00 D5 02 00 00"))
	v, ok := m.LastValue()
	require.True(t, ok)
	assert.Equal(t, int32(725), v.Value)
	assert.InDelta(t, 12.654, v.Rad(), 1e-3)
	assert.Equal(t, lwp.Forward, v.Direction())
	assert.Zero(t, m.TotalDistance())
}

func TestNotificationsMoveEvents(t *testing.T) {
	m, err := NewMotor(lwp.PortC)
	require.NoError(t, err)
	assert.True(t, m.Disconnected().IsSet())

	m.dispatch(lwp.ExtServerNotification{Port: lwp.PortC, Event: lwp.ExtSrvConnected})
	assert.True(t, m.Connected().IsSet())
	assert.False(t, m.Disconnected().IsSet())
	assert.True(t, m.PortFree().IsSet())

	m.dispatch(lwp.HubAttachedIO{Port: lwp.PortC, Event: lwp.IOAttached, IOType: lwp.IOTypeTechnicLMotor})
	assert.True(t, m.Port2HubConnected().IsSet())
	m.dispatch(lwp.HubAttachedIO{Port: lwp.PortC, Event: lwp.IODetached})
	assert.False(t, m.Port2HubConnected().IsSet())

	m.dispatch(lwp.PortNotification{Port: lwp.PortC, Mode: 2, Delta: 1, Enabled: true})
	assert.True(t, m.Port2HubConnected().IsSet())

	m.dispatch(lwp.HubAlertNotification{Alert: lwp.AlertOverPower, Op: lwp.AlertUpdate, Status: lwp.AlertStatusAlert})
	assert.True(t, m.HubAlert().IsSet())
	assert.Equal(t, 1, m.AlertLog().Len())

	m.dispatch(lwp.GenericErrorNotification{CommandType: lwp.TypePortOutputCommand, Code: lwp.ErrCodeInvalidUse})
	assert.True(t, m.Errored().IsSet())
	assert.Equal(t, 1, m.ErrorLog().Len())

	m.dispatch(lwp.HubActionNotification{Action: lwp.ActionWillSwitchOff})
	action, ok := m.LastHubAction()
	require.True(t, ok)
	assert.Equal(t, lwp.ActionWillSwitchOff, action.Action)

	m.dispatch(lwp.ExtServerNotification{Port: lwp.PortC, Event: lwp.ExtSrvDisconnected})
	assert.False(t, m.Connected().IsSet())
	assert.True(t, m.Disconnected().IsSet())
	assert.Equal(t, 3, m.ServerLog().Len())
}

func TestVirtualAttachOwnsMotors(t *testing.T) {
	a, _ := NewMotor(lwp.PortB)
	b, _ := NewMotor(lwp.PortC)
	s, err := NewSynchronizedMotor(a, b)
	require.NoError(t, err)
	assert.Equal(t, byte(115), s.Port())

	// A pair of other ports is not ours.
	s.dispatch(lwp.HubAttachedIO{Port: 0x11, Event: lwp.IOAttachedVirtual, IOType: lwp.IOTypeMotor, PortA: lwp.PortA, PortB: lwp.PortD})
	_, ok := s.VirtualPort()
	assert.False(t, ok)

	s.dispatch(lwp.HubAttachedIO{Port: 0x10, Event: lwp.IOAttachedVirtual, IOType: lwp.IOTypeMotor, PortA: lwp.PortB, PortB: lwp.PortC})
	port, ok := s.VirtualPort()
	require.True(t, ok)
	assert.Equal(t, byte(0x10), port)
	assert.Equal(t, byte(0x10), s.Port())
	assert.True(t, a.OwnedByVirtual())
	assert.True(t, b.OwnedByVirtual())

	err = a.StartSpeed(context.Background(), 20)
	assert.ErrorIs(t, err, ErrPortOwnedByVirtual)

	s.dispatch(lwp.HubAttachedIO{Port: 0x10, Event: lwp.IODetached})
	_, ok = s.VirtualPort()
	assert.False(t, ok)
	assert.False(t, a.OwnedByVirtual())
}

func TestSnapshot(t *testing.T) {
	m, err := NewMotor(lwp.PortA, WithName("left"))
	require.NoError(t, err)
	m.dispatch(lwp.PortValue{Port: lwp.PortA, Value: 0, Size: 4})
	m.dispatch(lwp.PortValue{Port: lwp.PortA, Value: 360, Size: 4})
	m.dispatch(decode(t, "05 00 82 00 0A"))

	testutils.NewJSONAsserter(t).AssertValue(m.Snapshot(), `{
		"name": "left",
		"kind": "motor",
		"port": "0x00",
		"connected": false,
		"port_free": true,
		"port2hub_connected": false,
		"stalled": false,
		"hub_alert": false,
		"error": false,
		"last_value": 360,
		"last_feedback": "0x00:COMPLETED|IDLE",
		"logs": {"feedback": 1, "error": 0, "alert": 0, "server": 0},
		"position": 360,
		"total_distance": 314.1592653589793,
		"gear_ratio": 1
	}`)
}

func TestInputFormatReplyFreesPort(t *testing.T) {
	m, err := NewMotor(lwp.PortA)
	require.NoError(t, err)
	m.portFree.Clear()

	// Another port's format does not concern this proxy.
	m.dispatch(lwp.PortInputFormat{Port: lwp.PortB, Mode: 2, Delta: 1, Enabled: true})
	assert.False(t, m.PortFree().IsSet())

	m.dispatch(decode(t, "0A 00 47 00 02 01 00 00 00 01"))
	assert.True(t, m.PortFree().IsSet())
	assert.True(t, m.Port2HubConnected().IsSet())
	pn, ok := m.LastPortNotification()
	require.True(t, ok)
	assert.Equal(t, byte(2), pn.Mode)

	m.portFree.Clear()
	m.dispatch(lwp.PortInputFormat{Port: lwp.PortA, Mode: 2, Delta: 1, Enabled: false})
	assert.True(t, m.PortFree().IsSet())
	assert.False(t, m.Port2HubConnected().IsSet())
}

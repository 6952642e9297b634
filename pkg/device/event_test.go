package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/hubmux/pkg/lwp"
)

func TestEventSetClearWait(t *testing.T) {
	e := NewEvent()
	assert.False(t, e.IsSet())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)

	woke := make(chan error, 1)
	go func() { woke <- e.Wait(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	e.Set()
	select {
	case err := <-woke:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}

	// Setting twice must not panic on a closed channel.
	e.Set()
	assert.True(t, e.IsSet())

	e.Clear()
	assert.False(t, e.IsSet())
	select {
	case <-e.C():
		t.Fatal("cleared event channel is closed")
	default:
	}
}

func TestEventLogEvictsOldest(t *testing.T) {
	log := NewEventLog[int](3)
	for i := 1; i <= 5; i++ {
		log.Append(i * 10)
	}

	assert.Equal(t, 3, log.Len())
	assert.Equal(t, uint64(5), log.Total())

	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []int{30, 40, 50}, []int{entries[0].Value, entries[1].Value, entries[2].Value})
	assert.Equal(t, uint64(3), entries[0].Seq)
	assert.False(t, entries[2].Time.Before(entries[0].Time))

	last, ok := log.Last()
	require.True(t, ok)
	assert.Equal(t, 50, last.Value)
}

func TestEventLogEmpty(t *testing.T) {
	log := NewEventLog[string](0)
	_, ok := log.Last()
	assert.False(t, ok)
	assert.Empty(t, log.Entries())

	log.Append("a")
	log.Append("b")
	assert.Equal(t, 1, log.Len())
}

func TestOptionsDefaults(t *testing.T) {
	o := newOptions(nil)

	assert.Equal(t, "127.0.0.1", o.Host)
	assert.Equal(t, 8888, o.ServerPort)
	assert.Equal(t, 1.0, o.GearRatio)
	assert.Equal(t, 100.0, o.WheelDiameter)
	assert.Equal(t, time.Second, o.TimeToStalled)
	assert.Equal(t, 2, o.StallBias)
	assert.Equal(t, 5*time.Second, o.RegisterTimeout)
	assert.NotNil(t, o.Logger)
	assert.Equal(t, "127.0.0.1:8888", o.address())

	o = newOptions([]Option{WithGearRatio(0), WithServer("localhost", 9000)})
	assert.Equal(t, 0.0, o.GearRatio)
	assert.Equal(t, "localhost:9000", o.address())
}

func TestCommandOptions(t *testing.T) {
	dev := newOptions(nil)

	co := newCommandOptions(dev, nil)
	assert.Equal(t, lwp.DefaultFlags, co.flags())
	assert.Equal(t, byte(0), co.profile())
	assert.Equal(t, byte(100), co.maxPower())
	assert.Equal(t, lwp.EndStateBrake, co.OnCompletion)
	assert.Zero(t, co.TimeToStalled)

	co = newCommandOptions(dev, []CommandOption{
		WithStart(lwp.StartBufferIfNeeded),
		WithCompletion(lwp.CompletionNoAction),
		WithProfile(true, true),
		WithMaxPower(250),
		WithStallWatch(0),
	})
	assert.Equal(t, byte(0x00), co.flags())
	assert.Equal(t, byte(0x07), co.profile())
	assert.Equal(t, byte(100), co.maxPower())
	assert.Equal(t, dev.TimeToStalled, co.TimeToStalled)

	co = newCommandOptions(dev, []CommandOption{WithProfile(false, true), WithMaxPower(-5)})
	assert.Equal(t, byte(0x05), co.profile())
	assert.Equal(t, byte(0), co.maxPower())
}

func TestConnectionErrors(t *testing.T) {
	err := &ConnectionError{State: RegisterTimeout, Msg: "no reply"}
	assert.ErrorIs(t, err, ErrRegisterTimeout)
	assert.NotErrorIs(t, err, ErrHandshake)
	assert.Equal(t, "register_timeout: no reply", err.Error())
	assert.Equal(t, "not_connected", ErrNotConnected.Error())

	assert.ErrorIs(t, outOfRange("ms", 10001, 0, 10000), ErrValueOutOfRange)
}

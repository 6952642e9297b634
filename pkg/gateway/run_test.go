package gateway

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/hubmux/internal/hubsim"
	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/internal/testutils"
	"github.com/srg/hubmux/pkg/lwp"
)

func TestRunWithSimulator(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	helper.Logger.SetLevel(logrus.WarnLevel)
	host, port := helper.FreeAddr()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var (
		mu     sync.Mutex
		phases []string
	)
	progress := func(phase string) {
		mu.Lock()
		phases = append(phases, phase)
		mu.Unlock()
	}

	keys, err := Run(helper.Context(5*time.Second), &RunOptions{
		Backend: peripheral.BackendSim,
		Host:    host,
		Port:    port,
		Sim:     &hubsim.Options{CommandDuration: 5 * time.Millisecond},
		Logger:  helper.Logger,
	}, progress, func(g *Gateway) ([]byte, error) {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return nil, err
		}
		defer conn.Close()

		c := &testClient{t: t, conn: conn}
		c.register(lwp.PortA)
		require.True(t, testutils.Eventually(func() bool { return g.Registered(lwp.PortA) }, time.Second))
		return g.Devices(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{lwp.PortA}, keys)

	mu.Lock()
	assert.Equal(t, []string{"Connecting", "Connected", "Running"}, phases)
	mu.Unlock()

	// The gateway is closed once the callback returned.
	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestRunValidatesOptions(t *testing.T) {
	noop := func(*Gateway) (struct{}, error) { return struct{}{}, nil }

	_, err := Run(context.Background(), nil, nil, noop)
	assert.ErrorContains(t, err, "options are required")

	_, err = Run(context.Background(), &RunOptions{Backend: peripheral.BackendGoBLE}, nil, noop)
	assert.ErrorContains(t, err, "hub address is required")
}

func TestWaitReturnsOnCancel(t *testing.T) {
	hub := hubsim.New(nil, logrus.New())
	g := New(hub, &Options{Port: 1})
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, g.Wait(ctx))
}

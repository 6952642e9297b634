package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/hubmux/internal/hubsim"
	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/internal/testutils"
	"github.com/srg/hubmux/pkg/lwp"
)

const readTimeout = 2 * time.Second

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func (c *testClient) sendRaw(hex string) {
	_, err := c.conn.Write(testutils.MustHex(hex))
	require.NoError(c.t, err)
}

func (c *testClient) send(cmd lwp.Command) {
	require.NoError(c.t, lwp.WriteCommand(c.conn, cmd))
}

func (c *testClient) register(port byte) {
	c.send(lwp.ExtSrvConnectReq{Port: port})
	payload := c.read()
	require.Equal(c.t, lwp.ExtSrvConnectedAck{Port: port}.Payload(), payload)
}

func (c *testClient) read() []byte {
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	payload, err := lwp.ReadNotification(c.conn)
	require.NoError(c.t, err)
	return payload
}

// next reads frames until match accepts a decoded one.
func (c *testClient) next(match func(lwp.Message) bool) lwp.Message {
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		msg, err := lwp.Decode(c.read())
		require.NoError(c.t, err)
		if match(msg) {
			return msg
		}
	}
	c.t.Fatalf("no matching notification within %s", readTimeout)
	return nil
}

// silent asserts nothing arrives for d.
func (c *testClient) silent(d time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	var b [1]byte
	_, err := c.conn.Read(b[:])
	var netErr net.Error
	require.True(c.t, errors.As(err, &netErr) && netErr.Timeout(), "expected no data, got %v", err)
}

type GatewayTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	hub     *hubsim.Hub
	gateway *Gateway
	addr    string
}

func (s *GatewayTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.helper.Logger.SetLevel(logrus.WarnLevel)

	host, port := s.helper.FreeAddr()
	s.addr = net.JoinHostPort(host, strconv.Itoa(port))
	s.hub = hubsim.New(&hubsim.Options{CommandDuration: 5 * time.Millisecond}, s.helper.Logger)
	s.gateway = New(s.hub, &Options{Host: host, Port: port, Logger: s.helper.Logger})
	s.Require().NoError(s.gateway.Listen(context.Background()))
}

func (s *GatewayTestSuite) TearDownTest() {
	_ = s.gateway.Close()
}

func (s *GatewayTestSuite) dial() *testClient {
	conn, err := net.DialTimeout("tcp", s.addr, readTimeout)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })
	return &testClient{t: s.T(), conn: conn}
}

func (s *GatewayTestSuite) TestRegisterFlow() {
	c := s.dial()
	c.sendRaw("00 05 05 00 5C 01 00")

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	raw := make([]byte, 6)
	_, err := io.ReadFull(c.conn, raw)
	s.Require().NoError(err)

	// The length byte is sent before the LWP message, which starts with it too.
	testutils.NewHexAsserter(s.T()).Assert(raw, "05 05 00 5C 01 03")
	s.True(s.gateway.Registered(lwp.PortB))
	s.Equal([]byte{lwp.PortB}, s.gateway.Devices())
}

func (s *GatewayTestSuite) TestVirtualPortRekey() {
	c := s.dial()
	provisional := lwp.ProvisionalKey(lwp.PortB, lwp.PortC)
	s.Require().Equal(byte(115), provisional)
	c.register(provisional)

	c.send(lwp.SetupVirtualPort{Connect: true, PortA: lwp.PortB, PortB: lwp.PortC})
	msg := c.next(func(m lwp.Message) bool {
		att, ok := m.(lwp.HubAttachedIO)
		return ok && att.Event == lwp.IOAttachedVirtual
	}).(lwp.HubAttachedIO)

	s.Equal(lwp.VirtualPortMin, msg.Port)
	s.True(s.gateway.Registered(lwp.VirtualPortMin))
	s.False(s.gateway.Registered(provisional))
	s.Equal([]byte{lwp.VirtualPortMin}, s.gateway.Devices())
}

func (s *GatewayTestSuite) TestVirtualPortReleasedOnDetach() {
	c := s.dial()
	provisional := lwp.ProvisionalKey(lwp.PortB, lwp.PortC)
	c.register(provisional)

	isVirtual := func(m lwp.Message) bool {
		att, ok := m.(lwp.HubAttachedIO)
		return ok && att.Event == lwp.IOAttachedVirtual
	}
	c.send(lwp.SetupVirtualPort{Connect: true, PortA: lwp.PortB, PortB: lwp.PortC})
	first := c.next(isVirtual).(lwp.HubAttachedIO)

	c.send(lwp.SetupVirtualPort{Port: first.Port})
	detached := c.next(func(m lwp.Message) bool {
		att, ok := m.(lwp.HubAttachedIO)
		return ok && att.Event == lwp.IODetached
	}).(lwp.HubAttachedIO)
	s.Equal(first.Port, detached.Port)
	s.True(testutils.Eventually(func() bool { return s.gateway.Registered(provisional) }, readTimeout))
	s.False(s.gateway.Registered(first.Port))

	c.send(lwp.SetupVirtualPort{Connect: true, PortA: lwp.PortB, PortB: lwp.PortC})
	second := c.next(isVirtual).(lwp.HubAttachedIO)
	s.NotEqual(first.Port, second.Port)
	s.True(s.gateway.Registered(second.Port))
	s.Equal([]byte{second.Port}, s.gateway.Devices())
}

func (s *GatewayTestSuite) TestCommandForwardedAndFeedbackRouted() {
	c := s.dial()
	c.register(lwp.PortA)

	cmd := lwp.StartMoveByDegrees{Port: lwp.PortA, Flags: lwp.DefaultFlags, Degrees: 30, Speed: 20, MaxPower: 100}
	c.send(cmd)
	c.next(func(m lwp.Message) bool {
		fb, ok := m.(lwp.PortCmdFeedback)
		return ok && fb.AllTerminal()
	})

	var forwarded []hubsim.Write
	for _, w := range s.hub.Writes() {
		if w.Handle == peripheral.HandleCharacteristic {
			forwarded = append(forwarded, w)
		}
	}
	s.Require().Len(forwarded, 1)
	testutils.NewHexAsserter(s.T()).AssertBytes(forwarded[0].Data, cmd.Payload())
	s.GreaterOrEqual(s.gateway.Stats().Routed, int64(2))
}

func (s *GatewayTestSuite) TestGeneralNotificationGoesToCCCD() {
	c := s.dial()
	c.register(lwp.PortHub)

	c.sendRaw("0F 04 04 00 01 00")
	led := c.next(func(m lwp.Message) bool {
		att, ok := m.(lwp.HubAttachedIO)
		return ok && att.Port == lwp.PortLED
	}).(lwp.HubAttachedIO)
	s.Equal(lwp.IOTypeLED, led.IOType)

	writes := s.hub.Writes()
	s.Require().NotEmpty(writes)
	s.Equal(peripheral.HandleCCCD, writes[0].Handle)
	s.Equal([]byte{0x01, 0x00}, writes[0].Data)
}

func (s *GatewayTestSuite) TestHubLevelMessagesRouteToHub() {
	c := s.dial()
	c.register(lwp.PortHub)

	c.send(lwp.HubAlertUpdate(lwp.AlertLowVoltage))
	alert := c.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAlertNotification); return ok }).(lwp.HubAlertNotification)
	s.Equal(lwp.AlertLowVoltage, alert.Alert)
}

func (s *GatewayTestSuite) TestGenericErrorRoutesToLastSender() {
	hubConn := s.dial()
	hubConn.register(lwp.PortHub)
	motor := s.dial()
	motor.register(lwp.PortC)

	// Port 0x07 has nothing attached, so the hub answers with an error.
	motor.send(lwp.StartSpeed{Port: 0x07, Flags: lwp.DefaultFlags, Speed: 10, MaxPower: 100})
	errMsg := motor.next(func(m lwp.Message) bool { _, ok := m.(lwp.GenericErrorNotification); return ok }).(lwp.GenericErrorNotification)
	s.Equal(lwp.TypePortOutputCommand, errMsg.CommandType)

	hubConn.silent(50 * time.Millisecond)
}

func (s *GatewayTestSuite) TestUnregisteredStreamIsRejected() {
	c := s.dial()
	c.send(lwp.StartSpeed{Port: lwp.PortA, Flags: lwp.DefaultFlags, Speed: 10, MaxPower: 100})

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, err := lwp.ReadNotification(c.conn)
	s.ErrorIs(err, io.EOF)
	s.Empty(s.hub.Writes())
}

func (s *GatewayTestSuite) TestDisconnectRequest() {
	c := s.dial()
	c.register(lwp.PortD)

	c.send(lwp.ExtSrvDisconnectReq{Port: lwp.PortD})
	testutils.NewHexAsserter(s.T()).Assert(c.read(), "05 00 5C 03 04")
	s.False(s.gateway.Registered(lwp.PortD))
}

func (s *GatewayTestSuite) TestDuplicateRegister() {
	first := s.dial()
	first.register(lwp.PortA)

	first.send(lwp.ExtSrvConnectReq{Port: lwp.PortA})
	first.silent(50 * time.Millisecond)

	// Another stream asking for a live key is closed instead of left waiting.
	second := s.dial()
	second.send(lwp.ExtSrvConnectReq{Port: lwp.PortA})
	_ = second.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, err := lwp.ReadNotification(second.conn)
	s.ErrorIs(err, io.EOF)
	s.True(s.gateway.Registered(lwp.PortA))

	first.send(lwp.StartSpeed{Port: lwp.PortA, Flags: lwp.DefaultFlags, Speed: 10, MaxPower: 100})
	first.next(func(m lwp.Message) bool { _, ok := m.(lwp.PortCmdFeedback); return ok })
}

func (s *GatewayTestSuite) TestClosedStreamIsRemoved() {
	c := s.dial()
	c.register(lwp.PortB)
	s.Require().NoError(c.conn.Close())

	s.True(testutils.Eventually(func() bool { return !s.gateway.Registered(lwp.PortB) }, readTimeout))
}

func (s *GatewayTestSuite) TestUnroutedNotificationIsDropped() {
	s.hub.Inject(lwp.PortValue{Port: lwp.PortD, Value: 10, Size: 4})

	s.True(testutils.Eventually(func() bool { return s.gateway.Stats().Dropped == 1 }, readTimeout))
	trace := s.gateway.DrainTrace()
	s.Require().Len(trace, 1)
	s.True(trace[0].Dropped)
	s.Equal(Upstream, trace[0].Direction)
	s.Empty(s.gateway.DrainTrace())
}

func (s *GatewayTestSuite) TestTraceRecordsBothDirections() {
	c := s.dial()
	c.register(lwp.PortA)
	c.send(lwp.SetAccDecProfile{Port: lwp.PortA, Time: 100})
	c.next(func(m lwp.Message) bool { _, ok := m.(lwp.PortCmdFeedback); return ok })

	var up, down int
	for _, rec := range s.gateway.DrainTrace() {
		if rec.Direction == Upstream {
			up++
		} else {
			down++
		}
	}
	s.GreaterOrEqual(up, 2)
	s.Equal(1, down)
}

// lockedBuffer is a bytes.Buffer safe for the routing goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (s *GatewayTestSuite) TestTraceSinkReceivesLines() {
	_ = s.gateway.Close()

	sink := &lockedBuffer{}
	host, port := s.helper.FreeAddr()
	s.addr = net.JoinHostPort(host, strconv.Itoa(port))
	s.hub = hubsim.New(&hubsim.Options{CommandDuration: 5 * time.Millisecond}, s.helper.Logger)
	s.gateway = New(s.hub, &Options{Host: host, Port: port, TraceSink: sink, Logger: s.helper.Logger})
	s.Require().NoError(s.gateway.Listen(context.Background()))

	c := s.dial()
	c.register(lwp.PortA)
	c.send(lwp.SetAccDecProfile{Port: lwp.PortA, Time: 100})
	c.next(func(m lwp.Message) bool { _, ok := m.(lwp.PortCmdFeedback); return ok })

	s.Eventually(func() bool {
		return strings.Contains(sink.String(), "proxy->hub port=0x00") &&
			strings.Contains(sink.String(), "hub->proxy port=0x00")
	}, readTimeout, 5*time.Millisecond)
	s.True(strings.HasSuffix(sink.String(), "\r\n"))
}

func (s *GatewayTestSuite) TestServeReturnsWhenHubDrops() {
	_ = s.gateway.Close()

	host, port := s.helper.FreeAddr()
	hub := hubsim.New(nil, s.helper.Logger)
	g := New(hub, &Options{Host: host, Port: port, Logger: s.helper.Logger})

	done := make(chan error, 1)
	go func() { done <- g.Serve(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	_ = hub.Close()

	select {
	case err := <-done:
		s.ErrorIs(err, ErrPeripheralLost)
	case <-time.After(readTimeout):
		s.Fail("Serve did not return")
	}
}

func TestGatewayTestSuite(t *testing.T) {
	suite.Run(t, new(GatewayTestSuite))
}

func TestRegisterError(t *testing.T) {
	err := error(&RegisterError{Remote: "127.0.0.1:4000", Type: lwp.TypePortOutputCommand, Key: 0x01})
	assert.ErrorIs(t, err, ErrRegister)
	assert.Contains(t, err.Error(), "0x01")

	var regErr *RegisterError
	assert.True(t, errors.As(err, &regErr))

	owned := error(&RegisterError{Remote: "127.0.0.1:4001", Type: lwp.TypeExtServer, Key: lwp.PortA, Owner: "127.0.0.1:4000"})
	assert.ErrorIs(t, owned, ErrRegister)
	assert.Contains(t, owned.Error(), "owned by 127.0.0.1:4000")
}

func TestDefaultOptions(t *testing.T) {
	g := New(hubsim.New(nil, nil), nil)
	defer g.Close()

	assert.Equal(t, "127.0.0.1", g.opts.Host)
	assert.Equal(t, 8888, g.opts.Port)
	assert.Equal(t, uint32(256), g.opts.TraceSize)
	assert.Nil(t, g.Addr())
}

package hubsim

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/pkg/lwp"
)

type HubSimTestSuite struct {
	suite.Suite
	hub  *Hub
	msgs chan lwp.Message
}

func (s *HubSimTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	s.hub = New(&Options{CommandDuration: 5 * time.Millisecond, TickInterval: 5 * time.Millisecond}, logger)
	s.msgs = make(chan lwp.Message, 256)
	s.hub.SetNotificationHandler(func(data []byte) {
		msg, err := lwp.Decode(data)
		if err == nil {
			s.msgs <- msg
		}
	})
}

func (s *HubSimTestSuite) TearDownTest() {
	_ = s.hub.Close()
}

func (s *HubSimTestSuite) send(cmd lwp.Command) {
	handle := uint16(peripheral.HandleCharacteristic)
	payload := cmd.Payload()
	if cmd.Handle() == lwp.HandleNotificationEnable {
		handle = peripheral.HandleCCCD
		payload = payload[2:]
	}
	s.Require().NoError(s.hub.WriteCharacteristic(handle, payload, false))
}

// next waits for the first message accepted by match, discarding the others.
func (s *HubSimTestSuite) next(match func(lwp.Message) bool) lwp.Message {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg := <-s.msgs:
			if match(msg) {
				return msg
			}
		case <-timeout:
			s.FailNow("timed out waiting for notification")
			return nil
		}
	}
}

func isFeedback(port byte, fb lwp.Feedback) func(lwp.Message) bool {
	return func(m lwp.Message) bool {
		f, ok := m.(lwp.PortCmdFeedback)
		if !ok {
			return false
		}
		got, ok := f.For(port)
		return ok && got == fb
	}
}

func (s *HubSimTestSuite) TestNotificationEnableReportsAttachedIO() {
	s.send(lwp.GeneralNotificationEnable{})

	seen := map[byte]lwp.IOType{}
	for len(seen) < 5 {
		msg := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAttachedIO); return ok }).(lwp.HubAttachedIO)
		s.Equal(lwp.IOAttached, msg.Event)
		seen[msg.Port] = msg.IOType
	}
	s.Equal(lwp.IOTypeTechnicLMotor, seen[lwp.PortA])
	s.Equal(lwp.IOTypeLED, seen[lwp.PortLED])
}

func (s *HubSimTestSuite) TestMoveByDegreesCompletesWithPosition() {
	s.send(lwp.NewPortNotificationReq(lwp.PortA))
	echo := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.PortInputFormat); return ok }).(lwp.PortInputFormat)
	s.True(echo.Enabled)
	s.Equal(lwp.PortA, echo.Port)

	s.send(lwp.StartMoveByDegrees{Port: lwp.PortA, Flags: lwp.DefaultFlags, Degrees: 90, Speed: 50, MaxPower: 100, EndState: lwp.EndStateHold})

	s.next(isFeedback(lwp.PortA, lwp.FeedbackInProgress))
	value := s.next(func(m lwp.Message) bool {
		v, ok := m.(lwp.PortValue)
		return ok && v.Value == 90
	}).(lwp.PortValue)
	s.Equal(lwp.PortA, value.Port)
	s.next(isFeedback(lwp.PortA, lwp.FeedbackCompleted|lwp.FeedbackIdle))

	pos, ok := s.hub.Position(lwp.PortA)
	s.True(ok)
	s.Equal(int32(90), pos)
}

func (s *HubSimTestSuite) TestReverseSpeedMovesBackwards() {
	s.send(lwp.StartMoveByDegrees{Port: lwp.PortB, Flags: lwp.DefaultFlags, Degrees: 45, Speed: -30, MaxPower: 100})
	s.next(isFeedback(lwp.PortB, lwp.FeedbackCompleted|lwp.FeedbackIdle))

	pos, _ := s.hub.Position(lwp.PortB)
	s.Equal(int32(-45), pos)
}

func (s *HubSimTestSuite) TestVirtualPortSetup() {
	s.send(lwp.SetupVirtualPort{Connect: true, PortA: lwp.PortA, PortB: lwp.PortB})

	attached := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAttachedIO); return ok }).(lwp.HubAttachedIO)
	s.Equal(lwp.IOAttachedVirtual, attached.Event)
	s.Equal(lwp.VirtualPortMin, attached.Port)
	s.Equal(lwp.PortA, attached.PortA)
	s.Equal(lwp.PortB, attached.PortB)

	port, ok := s.hub.VirtualPort(lwp.PortA, lwp.PortB)
	s.True(ok)
	s.Equal(lwp.VirtualPortMin, port)

	s.send(lwp.GotoAbsPosSynced{Port: port, Flags: lwp.DefaultFlags, Position1: 100, Position2: -100, Speed: 40, MaxPower: 100})
	fb := s.next(func(m lwp.Message) bool {
		f, ok := m.(lwp.PortCmdFeedback)
		return ok && f.AllTerminal()
	}).(lwp.PortCmdFeedback)
	s.Len(fb.Entries, 3)
	s.Equal(port, fb.Entries[0].Port)

	a, _ := s.hub.Position(lwp.PortA)
	b, _ := s.hub.Position(lwp.PortB)
	s.Equal(int32(100), a)
	s.Equal(int32(-100), b)
}

func (s *HubSimTestSuite) TestDuplicateVirtualPortIsReportedAgain() {
	s.send(lwp.SetupVirtualPort{Connect: true, PortA: lwp.PortC, PortB: lwp.PortD})
	s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAttachedIO); return ok })

	s.send(lwp.SetupVirtualPort{Connect: true, PortA: lwp.PortC, PortB: lwp.PortD})
	errMsg := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.GenericErrorNotification); return ok }).(lwp.GenericErrorNotification)
	s.Equal(lwp.TypeVirtualPortSetup, errMsg.CommandType)
	again := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAttachedIO); return ok }).(lwp.HubAttachedIO)
	s.Equal(lwp.VirtualPortMin, again.Port)
}

func (s *HubSimTestSuite) TestUnknownPortIsRejected() {
	s.send(lwp.StartSpeed{Port: 0x07, Flags: lwp.DefaultFlags, Speed: 10, MaxPower: 100})

	errMsg := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.GenericErrorNotification); return ok }).(lwp.GenericErrorNotification)
	s.Equal(lwp.TypePortOutputCommand, errMsg.CommandType)
	s.Equal(lwp.ErrCodeInvalidUse, errMsg.Code)
	s.next(isFeedback(0x07, lwp.FeedbackDiscarded|lwp.FeedbackIdle))
}

func (s *HubSimTestSuite) TestAlerts() {
	s.send(lwp.HubAlertUpdate(lwp.AlertLowVoltage))
	first := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAlertNotification); return ok }).(lwp.HubAlertNotification)
	s.False(first.Alerting())

	s.send(lwp.HubAlertSubscription(lwp.AlertLowVoltage, lwp.AlertEnable))
	s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAlertNotification); return ok })

	s.hub.SetAlert(lwp.AlertLowVoltage, true)
	raised := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubAlertNotification); return ok }).(lwp.HubAlertNotification)
	s.True(raised.Alerting())
	s.Equal(lwp.AlertUpdate, raised.Op)
}

func (s *HubSimTestSuite) TestStalledMotorNeverCompletes() {
	s.hub.SetStalled(lwp.PortC, true)
	s.send(lwp.StartMoveByDegrees{Port: lwp.PortC, Flags: lwp.DefaultFlags, Degrees: 90, Speed: 50, MaxPower: 100})
	s.next(isFeedback(lwp.PortC, lwp.FeedbackInProgress))

	time.Sleep(30 * time.Millisecond)
	pos, _ := s.hub.Position(lwp.PortC)
	s.Equal(int32(0), pos)

	s.hub.SetStalled(lwp.PortC, false)
	s.next(isFeedback(lwp.PortC, lwp.FeedbackDiscarded|lwp.FeedbackIdle))
}

func (s *HubSimTestSuite) TestDisconnectAction() {
	s.send(lwp.HubActionCmd{Action: lwp.ActionDisconnect})
	action := s.next(func(m lwp.Message) bool { _, ok := m.(lwp.HubActionNotification); return ok }).(lwp.HubActionNotification)
	s.Equal(lwp.ActionWillDisconnect, action.Action)

	select {
	case <-s.hub.Disconnected():
	case <-time.After(time.Second):
		s.FailNow("hub did not disconnect")
	}
	err := s.hub.WriteCharacteristic(peripheral.HandleCharacteristic, lwp.HubAlertUpdate(lwp.AlertLowVoltage).Payload(), false)
	s.ErrorIs(err, peripheral.ErrNotConnected)
}

func (s *HubSimTestSuite) TestWritesAreRecorded() {
	s.send(lwp.SetLEDColor(lwp.ColorRed))
	s.next(isFeedback(lwp.PortLED, lwp.FeedbackCompleted|lwp.FeedbackIdle))

	writes := s.hub.Writes()
	s.Require().Len(writes, 1)
	s.Equal(uint16(peripheral.HandleCharacteristic), writes[0].Handle)
	s.Equal(lwp.SetLEDColor(lwp.ColorRed).Payload(), writes[0].Data)
}

func TestHubSimTestSuite(t *testing.T) {
	suite.Run(t, new(HubSimTestSuite))
}

func TestUnknownHandle(t *testing.T) {
	h := New(nil, nil)
	defer h.Close()

	err := h.WriteCharacteristic(0x42, []byte{0x01}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, peripheral.ErrUnknownHandle)
}

func TestVirtualPortAllocationWraps(t *testing.T) {
	h := New(nil, nil)
	defer h.Close()

	h.mu.Lock()
	h.nextVirtual = lwp.VirtualPortMax + 1
	p := h.allocateVirtual()
	h.mu.Unlock()
	assert.Equal(t, lwp.VirtualPortMin, p)
}

package lwp

import (
	"encoding/binary"
	"math"
)

// Message is an upstream notification decoded from the hub.
//
// The set of implementations is closed; consumers dispatch with a type switch.
type Message interface {
	Type() MessageType
	// Bytes re-encodes the message into its LWP form.
	Bytes() []byte
	upstream()
}

// HubActionNotification reports a hub action or an upcoming shutdown.
type HubActionNotification struct {
	Action HubAction
}

func (HubActionNotification) Type() MessageType { return TypeHubAction }
func (m HubActionNotification) Bytes() []byte   { return message(TypeHubAction, byte(m.Action)) }
func (HubActionNotification) upstream()         {}

// HubAlertNotification reports the state of a hub alert.
type HubAlertNotification struct {
	Alert  AlertType
	Op     AlertOp
	Status AlertStatus
}

func (HubAlertNotification) Type() MessageType { return TypeHubAlert }
func (m HubAlertNotification) Bytes() []byte {
	return message(TypeHubAlert, byte(m.Alert), byte(m.Op), byte(m.Status))
}
func (HubAlertNotification) upstream() {}

// Alerting reports whether the alert condition is active.
func (m HubAlertNotification) Alerting() bool {
	return m.Status == AlertStatusAlert
}

// HubAttachedIO reports a device attached to or detached from a port. Virtual
// attachments carry the two ports the virtual port was built from.
type HubAttachedIO struct {
	Port   byte
	Event  IOEvent
	IOType IOType
	HWRev  uint32
	SWRev  uint32
	PortA  byte
	PortB  byte
}

func (HubAttachedIO) Type() MessageType { return TypeHubAttachedIO }
func (m HubAttachedIO) Bytes() []byte {
	body := []byte{m.Port, byte(m.Event)}
	switch m.Event {
	case IOAttached:
		body = binary.LittleEndian.AppendUint16(body, uint16(m.IOType))
		body = binary.LittleEndian.AppendUint32(body, m.HWRev)
		body = binary.LittleEndian.AppendUint32(body, m.SWRev)
	case IOAttachedVirtual:
		body = binary.LittleEndian.AppendUint16(body, uint16(m.IOType))
		body = append(body, m.PortA, m.PortB)
	}
	return message(TypeHubAttachedIO, body...)
}
func (HubAttachedIO) upstream() {}

// GenericErrorNotification is the hub's reaction to a command it could not
// execute.
type GenericErrorNotification struct {
	CommandType MessageType
	Code        ErrorCode
}

func (GenericErrorNotification) Type() MessageType { return TypeGenericError }
func (m GenericErrorNotification) Bytes() []byte {
	return message(TypeGenericError, byte(m.CommandType), byte(m.Code))
}
func (GenericErrorNotification) upstream() {}

// PortNotification acknowledges a port input format setup.
type PortNotification struct {
	Port    byte
	Mode    byte
	Delta   uint32
	Enabled bool
}

func (PortNotification) Type() MessageType { return TypePortNotification }
func (m PortNotification) Bytes() []byte {
	body := binary.LittleEndian.AppendUint32([]byte{m.Port, m.Mode}, m.Delta)
	return message(TypePortNotification, append(body, boolByte(m.Enabled))...)
}
func (PortNotification) upstream() {}

// PortValue carries a single port reading. Size is the width of the encoded
// value in bytes (1, 2 or 4).
type PortValue struct {
	Port  byte
	Value int32
	Size  int
}

func (PortValue) Type() MessageType { return TypePortValue }
func (m PortValue) Bytes() []byte {
	body := []byte{m.Port}
	switch m.Size {
	case 1:
		body = append(body, byte(int8(m.Value)))
	case 2:
		body = binary.LittleEndian.AppendUint16(body, uint16(int16(m.Value)))
	default:
		body = binary.LittleEndian.AppendUint32(body, uint32(m.Value))
	}
	return message(TypePortValue, body...)
}
func (PortValue) upstream() {}

// Deg returns the value in degrees.
func (m PortValue) Deg() float64 { return float64(m.Value) }

// Rad returns the value in radians.
func (m PortValue) Rad() float64 { return math.Pi / 180 * float64(m.Value) }

// Direction returns the sign of the value, 0 for a zero reading.
func (m PortValue) Direction() Direction {
	switch {
	case m.Value > 0:
		return Forward
	case m.Value < 0:
		return Reverse
	default:
		return 0
	}
}

// PortInputFormat reports the active input format of a port.
type PortInputFormat struct {
	Port    byte
	Mode    byte
	Delta   uint32
	Enabled bool
}

func (PortInputFormat) Type() MessageType { return TypePortInputFormat }
func (m PortInputFormat) Bytes() []byte {
	body := binary.LittleEndian.AppendUint32([]byte{m.Port, m.Mode}, m.Delta)
	return message(TypePortInputFormat, append(body, boolByte(m.Enabled))...)
}
func (PortInputFormat) upstream() {}

// ExtServerNotification is a gateway control reply.
type ExtServerNotification struct {
	Port  byte
	Event ExtSrvEvent
}

func (ExtServerNotification) Type() MessageType { return TypeExtServer }
func (m ExtServerNotification) Bytes() []byte {
	return message(TypeExtServer, m.Port, byte(m.Event))
}
func (ExtServerNotification) upstream() {}

// ExtServerCmdAck acknowledges a gateway control command.
type ExtServerCmdAck struct {
	Port byte
}

func (ExtServerCmdAck) Type() MessageType { return TypeExtServer }
func (m ExtServerCmdAck) Bytes() []byte {
	return message(TypeExtServer, m.Port, byte(ExtSrvCmdAck))
}
func (ExtServerCmdAck) upstream() {}

// FeedbackEntry is one port/feedback pair of a port output feedback.
type FeedbackEntry struct {
	Port     byte
	Feedback Feedback
}

// PortCmdFeedback reports command progress for one to three ports.
type PortCmdFeedback struct {
	Entries []FeedbackEntry
}

func (PortCmdFeedback) Type() MessageType { return TypePortOutputFeedback }
func (m PortCmdFeedback) Bytes() []byte {
	body := make([]byte, 0, 2*len(m.Entries))
	for _, e := range m.Entries {
		body = append(body, e.Port, byte(e.Feedback))
	}
	return message(TypePortOutputFeedback, body...)
}
func (PortCmdFeedback) upstream() {}

// For returns the feedback reported for port.
func (m PortCmdFeedback) For(port byte) (Feedback, bool) {
	for _, e := range m.Entries {
		if e.Port == port {
			return e.Feedback, true
		}
	}
	return 0, false
}

// AnyInProgress reports whether any port still executes a command.
func (m PortCmdFeedback) AnyInProgress() bool {
	for _, e := range m.Entries {
		if e.Feedback.InProgress() {
			return true
		}
	}
	return false
}

// AllTerminal reports whether every reported port drained its buffer.
func (m PortCmdFeedback) AllTerminal() bool {
	if len(m.Entries) == 0 {
		return false
	}
	for _, e := range m.Entries {
		if !e.Feedback.Terminal() {
			return false
		}
	}
	return true
}

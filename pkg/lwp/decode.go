package lwp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage is returned when a byte string matches no upstream message.
	ErrInvalidMessage = errors.New("invalid LWP message")
	// ErrFrameTooLong is returned when a payload does not fit a one-byte length.
	ErrFrameTooLong = errors.New("frame too long")
)

func invalid(raw []byte, format string, args ...any) error {
	return fmt.Errorf("%w: %s [% X]", ErrInvalidMessage, fmt.Sprintf(format, args...), raw)
}

// Decode parses one complete upstream LWP message.
func Decode(raw []byte) (Message, error) {
	if len(raw) < 3 {
		return nil, invalid(raw, "short message")
	}
	if int(raw[0]) != len(raw) {
		return nil, invalid(raw, "length byte %d does not match %d bytes", raw[0], len(raw))
	}

	t := MessageType(raw[2])
	body := raw[3:]
	need := func(n int) error {
		if len(body) < n {
			return invalid(raw, "%s needs %d body bytes, got %d", t, n, len(body))
		}
		return nil
	}

	switch t {
	case TypeHubAction:
		if err := need(1); err != nil {
			return nil, err
		}
		return HubActionNotification{Action: HubAction(body[0])}, nil

	case TypeHubAlert:
		if err := need(3); err != nil {
			return nil, err
		}
		return HubAlertNotification{Alert: AlertType(body[0]), Op: AlertOp(body[1]), Status: AlertStatus(body[2])}, nil

	case TypeHubAttachedIO:
		return decodeAttachedIO(raw, body)

	case TypeGenericError:
		if err := need(2); err != nil {
			return nil, err
		}
		return GenericErrorNotification{CommandType: MessageType(body[0]), Code: ErrorCode(body[1])}, nil

	case TypePortNotification:
		if err := need(7); err != nil {
			return nil, err
		}
		return PortNotification{
			Port:    body[0],
			Mode:    body[1],
			Delta:   binary.LittleEndian.Uint32(body[2:6]),
			Enabled: body[6] != 0,
		}, nil

	case TypePortValue:
		return decodePortValue(raw, body)

	case TypePortInputFormat:
		if err := need(7); err != nil {
			return nil, err
		}
		return PortInputFormat{
			Port:    body[0],
			Mode:    body[1],
			Delta:   binary.LittleEndian.Uint32(body[2:6]),
			Enabled: body[6] != 0,
		}, nil

	case TypeExtServer:
		if len(body) != 2 {
			return nil, invalid(raw, "%s needs 2 body bytes, got %d", t, len(body))
		}
		if ExtSrvEvent(body[1]) == ExtSrvCmdAck {
			return ExtServerCmdAck{Port: body[0]}, nil
		}
		return ExtServerNotification{Port: body[0], Event: ExtSrvEvent(body[1])}, nil

	case TypePortOutputFeedback:
		if len(body) == 0 || len(body)%2 != 0 || len(body) > 6 {
			return nil, invalid(raw, "%s carries %d body bytes", t, len(body))
		}
		fb := PortCmdFeedback{Entries: make([]FeedbackEntry, 0, len(body)/2)}
		for i := 0; i < len(body); i += 2 {
			fb.Entries = append(fb.Entries, FeedbackEntry{Port: body[i], Feedback: Feedback(body[i+1])})
		}
		return fb, nil
	}

	return nil, invalid(raw, "unsupported message type %s", t)
}

func decodeAttachedIO(raw, body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, invalid(raw, "attached io needs port and event")
	}
	m := HubAttachedIO{Port: body[0], Event: IOEvent(body[1])}
	switch m.Event {
	case IODetached:
	case IOAttached:
		if len(body) < 12 {
			return nil, invalid(raw, "attached io needs type and revisions")
		}
		m.IOType = IOType(binary.LittleEndian.Uint16(body[2:4]))
		m.HWRev = binary.LittleEndian.Uint32(body[4:8])
		m.SWRev = binary.LittleEndian.Uint32(body[8:12])
	case IOAttachedVirtual:
		if len(body) < 6 {
			return nil, invalid(raw, "virtual attachment needs type and both ports")
		}
		m.IOType = IOType(binary.LittleEndian.Uint16(body[2:4]))
		m.PortA = body[4]
		m.PortB = body[5]
	default:
		return nil, invalid(raw, "unknown io event %s", m.Event)
	}
	return m, nil
}

func decodePortValue(raw, body []byte) (Message, error) {
	if len(body) < 2 {
		return nil, invalid(raw, "port value without value")
	}
	m := PortValue{Port: body[0]}
	v := body[1:]
	switch len(v) {
	case 1:
		m.Value, m.Size = int32(int8(v[0])), 1
	case 2:
		m.Value, m.Size = int32(int16(binary.LittleEndian.Uint16(v))), 2
	case 4:
		m.Value, m.Size = int32(binary.LittleEndian.Uint32(v)), 4
	default:
		return nil, invalid(raw, "port value of %d bytes", len(v))
	}
	return m, nil
}

// PortOf returns the port a message refers to. Hub level messages report
// PortHub; generic errors have no port.
func PortOf(m Message) (byte, bool) {
	switch v := m.(type) {
	case HubActionNotification, HubAlertNotification:
		return PortHub, true
	case HubAttachedIO:
		return v.Port, true
	case PortNotification:
		return v.Port, true
	case PortValue:
		return v.Port, true
	case PortInputFormat:
		return v.Port, true
	case ExtServerNotification:
		return v.Port, true
	case ExtServerCmdAck:
		return v.Port, true
	case PortCmdFeedback:
		if len(v.Entries) > 0 {
			return v.Entries[0].Port, true
		}
	}
	return 0, false
}

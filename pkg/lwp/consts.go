package lwp

import "fmt"

// MessageType is the third byte of every LWP message.
type MessageType byte

const (
	TypeHubProperties      MessageType = 0x01
	TypeHubAction          MessageType = 0x02
	TypeHubAlert           MessageType = 0x03
	TypeHubAttachedIO      MessageType = 0x04
	TypeGenericError       MessageType = 0x05
	TypePortInputFormatSet MessageType = 0x41
	TypePortValue          MessageType = 0x45
	TypePortInputFormat    MessageType = 0x47
	TypeExtServer          MessageType = 0x5C
	TypeVirtualPortSetup   MessageType = 0x61
	TypePortOutputCommand  MessageType = 0x81
	TypePortOutputFeedback MessageType = 0x82

	TypePortNotification    = TypePortInputFormatSet
	TypeGeneralNotification = TypeHubProperties
)

var messageTypeNames = map[MessageType]string{
	TypeHubProperties:      "HUB_PROPERTIES",
	TypeHubAction:          "HUB_ACTION",
	TypeHubAlert:           "HUB_ALERT",
	TypeHubAttachedIO:      "HUB_ATTACHED_IO",
	TypeGenericError:       "GENERIC_ERROR",
	TypePortInputFormatSet: "PORT_INPUT_FORMAT_SETUP",
	TypePortValue:          "PORT_VALUE",
	TypePortInputFormat:    "PORT_INPUT_FORMAT",
	TypeExtServer:          "EXT_SERVER",
	TypeVirtualPortSetup:   "VIRTUAL_PORT_SETUP",
	TypePortOutputCommand:  "PORT_OUTPUT_COMMAND",
	TypePortOutputFeedback: "PORT_OUTPUT_FEEDBACK",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
}

// Frame handles. The gateway forwards downstream payloads to the GATT handle
// carried in the first byte of each proxy frame.
const (
	HandleControl            byte = 0x00
	HandleCommand            byte = 0x0E
	HandleNotificationEnable byte = 0x0F
)

// HubID is the only hub id ever addressed; one hub per gateway.
const HubID byte = 0x00

// Ports
const (
	PortA   byte = 0x00
	PortB   byte = 0x01
	PortC   byte = 0x02
	PortD   byte = 0x03
	PortLED byte = 0x32
	PortHub byte = 0xFE

	VirtualPortMin byte = 0x10
	VirtualPortMax byte = 0x31

	// ProvisionalKeyBase offsets the synthetic routing key a synchronized pair
	// registers under before the hub assigns its virtual port.
	ProvisionalKeyBase = 110
)

// ProvisionalKey returns the routing key for a motor pair whose virtual port is
// not known yet.
func ProvisionalKey(portA, portB byte) byte {
	return byte(ProvisionalKeyBase + int(portA) + 2*int(portB))
}

// IsVirtualPort reports whether port lies in the range the hub assigns to
// virtual ports.
func IsVirtualPort(port byte) bool {
	return port >= VirtualPortMin && port <= VirtualPortMax
}

// PortString formats a port byte the way it is logged.
func PortString(port byte) string {
	return fmt.Sprintf("0x%02x", port)
}

// ExtSrvEvent is the last byte of an external-server control message.
type ExtSrvEvent byte

const (
	ExtSrvConnect      ExtSrvEvent = 0x00
	ExtSrvConnected    ExtSrvEvent = 0x03
	ExtSrvDisconnected ExtSrvEvent = 0x04
	ExtSrvCmdAck       ExtSrvEvent = 0x05
	ExtSrvDisconnect   ExtSrvEvent = 0xDD
)

func (e ExtSrvEvent) String() string {
	switch e {
	case ExtSrvConnect:
		return "EXT_SRV_CONNECT"
	case ExtSrvConnected:
		return "EXT_SRV_CONNECTED"
	case ExtSrvDisconnected:
		return "EXT_SRV_DISCONNECTED"
	case ExtSrvCmdAck:
		return "EXT_SRV_CMD_ACK"
	case ExtSrvDisconnect:
		return "EXT_SRV_DISCONNECT"
	default:
		return fmt.Sprintf("EXT_SRV(0x%02x)", byte(e))
	}
}

// Feedback is the per-port CMD_FEEDBACK bitfield of a port output feedback.
type Feedback byte

const (
	FeedbackInProgress Feedback = 0x01
	FeedbackCompleted  Feedback = 0x02
	FeedbackDiscarded  Feedback = 0x04
	FeedbackIdle       Feedback = 0x08
	FeedbackBusy       Feedback = 0x10

	feedbackTerminalMask = FeedbackCompleted | FeedbackDiscarded | FeedbackIdle
)

// InProgress reports whether a command is still executing on the port.
func (f Feedback) InProgress() bool {
	return f&FeedbackInProgress != 0
}

// Terminal reports whether the port command buffer drained. A command that is
// still in progress is never terminal, even when a previous one was discarded.
func (f Feedback) Terminal() bool {
	return !f.InProgress() && f&feedbackTerminalMask != 0
}

func (f Feedback) String() string {
	names := []struct {
		bit  Feedback
		name string
	}{
		{FeedbackInProgress, "IN_PROGRESS"},
		{FeedbackCompleted, "COMPLETED"},
		{FeedbackDiscarded, "DISCARDED"},
		{FeedbackIdle, "IDLE"},
		{FeedbackBusy, "BUSY"},
	}
	s := ""
	for _, n := range names {
		if f&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if s == "" {
		return fmt.Sprintf("FEEDBACK(0x%02x)", byte(f))
	}
	return s
}

// IOEvent is the event byte of a HUB_ATTACHED_IO message.
type IOEvent byte

const (
	IODetached        IOEvent = 0x00
	IOAttached        IOEvent = 0x01
	IOAttachedVirtual IOEvent = 0x02
)

func (e IOEvent) String() string {
	switch e {
	case IODetached:
		return "DETACHED"
	case IOAttached:
		return "ATTACHED"
	case IOAttachedVirtual:
		return "ATTACHED_VIRTUAL"
	default:
		return fmt.Sprintf("IO_EVENT(0x%02x)", byte(e))
	}
}

// IOType identifies the kind of device attached to a port.
type IOType uint16

const (
	IOTypeMotor            IOType = 0x0001
	IOTypeLED              IOType = 0x0017
	IOTypeTechnicLMotor    IOType = 0x002E
	IOTypeTechnicXLMotor   IOType = 0x002F
	IOTypeTechnicMMotor    IOType = 0x0030
	IOTypeInternalMotorTac IOType = 0x0027
)

// HubAction codes. Codes from 0x30 upward are only ever sent by the hub.
type HubAction byte

const (
	ActionSwitchOff          HubAction = 0x01
	ActionDisconnect         HubAction = 0x02
	ActionVCCPortOn          HubAction = 0x03
	ActionVCCPortOff         HubAction = 0x04
	ActionActivateBusy       HubAction = 0x05
	ActionResetBusy          HubAction = 0x06
	ActionFastShutdown       HubAction = 0x2F
	ActionWillSwitchOff      HubAction = 0x30
	ActionWillDisconnect     HubAction = 0x31
	ActionWillGoIntoBootMode HubAction = 0x32
)

var hubActionNames = map[HubAction]string{
	ActionSwitchOff:          "SWITCH_OFF",
	ActionDisconnect:         "DISCONNECT",
	ActionVCCPortOn:          "VCC_PORT_ON",
	ActionVCCPortOff:         "VCC_PORT_OFF",
	ActionActivateBusy:       "ACTIVATE_BUSY_INDICATION",
	ActionResetBusy:          "RESET_BUSY_INDICATION",
	ActionFastShutdown:       "FAST_SHUTDOWN",
	ActionWillSwitchOff:      "WILL_SWITCH_OFF",
	ActionWillDisconnect:     "WILL_DISCONNECT",
	ActionWillGoIntoBootMode: "WILL_GO_INTO_BOOT_MODE",
}

func (a HubAction) String() string {
	if name, ok := hubActionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("HUB_ACTION(0x%02x)", byte(a))
}

// ParseHubAction resolves an action by its name, as used in experiment scripts.
func ParseHubAction(name string) (HubAction, error) {
	for code, n := range hubActionNames {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown hub action %q", name)
}

// Warning reports whether the hub announces it is about to go away.
func (a HubAction) Warning() bool {
	return a >= ActionWillSwitchOff
}

// AlertType selects the hub alert a HUB_ALERT message refers to.
type AlertType byte

const (
	AlertLowVoltage  AlertType = 0x01
	AlertHighCurrent AlertType = 0x02
	AlertLowSignal   AlertType = 0x03
	AlertOverPower   AlertType = 0x04
)

var alertTypeNames = map[AlertType]string{
	AlertLowVoltage:  "LOW_VOLTAGE",
	AlertHighCurrent: "HIGH_CURRENT",
	AlertLowSignal:   "LOW_SIGNAL",
	AlertOverPower:   "OVER_POWER",
}

func (a AlertType) String() string {
	if name, ok := alertTypeNames[a]; ok {
		return name
	}
	return fmt.Sprintf("ALERT(0x%02x)", byte(a))
}

// ParseAlertType resolves an alert type by name.
func ParseAlertType(name string) (AlertType, error) {
	for code, n := range alertTypeNames {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown alert type %q", name)
}

// AlertOp is the operation of a HUB_ALERT message.
type AlertOp byte

const (
	AlertEnable        AlertOp = 0x01
	AlertDisable       AlertOp = 0x02
	AlertRequestUpdate AlertOp = 0x03
	AlertUpdate        AlertOp = 0x04
)

func (o AlertOp) String() string {
	switch o {
	case AlertEnable:
		return "ENABLE"
	case AlertDisable:
		return "DISABLE"
	case AlertRequestUpdate:
		return "REQUEST_UPDATE"
	case AlertUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("ALERT_OP(0x%02x)", byte(o))
	}
}

// AlertStatus is carried by hub alert updates.
type AlertStatus byte

const (
	AlertStatusOK    AlertStatus = 0x00
	AlertStatusAlert AlertStatus = 0xFF
)

// ErrorCode is the status carried by a GENERIC_ERROR message.
type ErrorCode byte

const (
	ErrCodeACK                  ErrorCode = 0x01
	ErrCodeMACK                 ErrorCode = 0x02
	ErrCodeBufferOverflow       ErrorCode = 0x03
	ErrCodeTimeout              ErrorCode = 0x04
	ErrCodeCommandNotRecognized ErrorCode = 0x05
	ErrCodeInvalidUse           ErrorCode = 0x06
	ErrCodeOvercurrent          ErrorCode = 0x07
	ErrCodeInternal             ErrorCode = 0x08
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeACK:                  "ACK",
	ErrCodeMACK:                 "MACK",
	ErrCodeBufferOverflow:       "BUFFER_OVERFLOW",
	ErrCodeTimeout:              "TIMEOUT",
	ErrCodeCommandNotRecognized: "COMMAND_NOT_RECOGNIZED",
	ErrCodeInvalidUse:           "INVALID_USE",
	ErrCodeOvercurrent:          "OVERCURRENT",
	ErrCodeInternal:             "INTERNAL_ERROR",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR(0x%02x)", byte(c))
}

// Color is the index colour understood by the hub LED.
type Color byte

const (
	ColorWhite     Color = 0
	ColorGreen     Color = 1
	ColorYellow    Color = 2
	ColorRed       Color = 3
	ColorBlue      Color = 4
	ColorPurple    Color = 5
	ColorLightBlue Color = 6
	ColorTeal      Color = 7
	ColorPink      Color = 8
)

var colorNames = map[Color]string{
	ColorWhite:     "WHITE",
	ColorGreen:     "GREEN",
	ColorYellow:    "YELLOW",
	ColorRed:       "RED",
	ColorBlue:      "BLUE",
	ColorPurple:    "PURPLE",
	ColorLightBlue: "LIGHTBLUE",
	ColorTeal:      "TEAL",
	ColorPink:      "PINK",
}

func (c Color) String() string {
	if name, ok := colorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("COLOR(%d)", byte(c))
}

// ParseColor resolves a colour by name.
func ParseColor(name string) (Color, error) {
	for c, n := range colorNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown color %q", name)
}

// Direction multiplies speed and power values.
type Direction int8

const (
	Forward Direction = 1
	Reverse Direction = -1

	CW    = Forward
	Right = Forward
	CCW   = Reverse
	Left  = Reverse
)

// EndState is what a motor does once a bounded motion finishes.
type EndState byte

const (
	EndStateCoast EndState = 0x00
	EndStateHold  EndState = 0x7E
	EndStateBrake EndState = 0x7F
)

// ParseEndState resolves an end state by name.
func ParseEndState(name string) (EndState, error) {
	switch name {
	case "COAST", "coast":
		return EndStateCoast, nil
	case "HOLD", "hold":
		return EndStateHold, nil
	case "BREAK", "BRAKE", "break", "brake":
		return EndStateBrake, nil
	default:
		return 0, fmt.Errorf("unknown end state %q", name)
	}
}

// Profile bits of the use-profile byte.
const (
	UseDecProfile byte = 0x01
	UseAccProfile byte = 0x02
)

// ProfileByte packs the acceleration and deceleration profile selection.
func ProfileByte(useProfile, useAcc, useDec bool) byte {
	var b byte
	if useProfile {
		b |= 1 << 2
	}
	if useAcc {
		b |= UseAccProfile
	}
	if useDec {
		b |= UseDecProfile
	}
	return b
}

// Start and completion conditions of port output commands. The startup and
// completion byte is the bitwise AND of one of each.
const (
	StartBufferIfNeeded   byte = 0x0F
	StartExecImmediately  byte = 0x1F
	CompletionNoAction    byte = 0xF0
	CompletionUpdateState byte = 0xF1

	DefaultFlags = StartExecImmediately & CompletionUpdateState
)

// Flags combines a start and a completion condition.
func Flags(start, completion byte) byte {
	return start & completion
}

// Port output sub-commands.
const (
	SubSetAccTime                 byte = 0x05
	SubSetDecTime                 byte = 0x06
	SubStartSpeed                 byte = 0x07
	SubStartSpeedSynced           byte = 0x08
	SubStartSpeedForTime          byte = 0x09
	SubStartSpeedForTimeSynced    byte = 0x0A
	SubStartSpeedForDegrees       byte = 0x0B
	SubStartSpeedForDegreesSynced byte = 0x0C
	SubGotoAbsolutePosition       byte = 0x0D
	SubGotoAbsolutePositionSynced byte = 0x0E
	SubPresetEncoderSynced        byte = 0x14
	SubWriteDirectModeData        byte = 0x51
)

// WriteDirect preset modes.
const (
	ModeMotorPower        byte = 0x00
	ModeMotorPowerSynced  byte = 0x02
	ModeLEDColor          byte = 0x00
	ModeLEDRGB            byte = 0x01
	ModePresetEncoder     byte = 0x02
	ModePortValuePosition byte = 0x02
)

// Acceleration and deceleration time bounds in milliseconds.
const (
	MinProfileTime = 0
	MaxProfileTime = 10000
)

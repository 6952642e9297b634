package lwp

import (
	"encoding/binary"
)

// Command is a downstream LWP message addressed through the gateway.
//
// Handle is the GATT handle the gateway writes the payload to; Payload is the
// complete LWP message starting with its own length byte.
type Command interface {
	Handle() byte
	Payload() []byte
}

// message assembles [length, hub id, type, body...].
func message(t MessageType, body ...byte) []byte {
	out := make([]byte, 0, 3+len(body))
	out = append(out, byte(3+len(body)), HubID, byte(t))
	return append(out, body...)
}

func outputCommand(port, flags, sub byte, body ...byte) []byte {
	b := make([]byte, 0, 3+len(body))
	b = append(b, port, flags, sub)
	b = append(b, body...)
	return message(TypePortOutputCommand, b...)
}

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func le32(v int32) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(v))
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ClampPower limits power and speed values to the signed range the hub accepts.
func ClampPower(v int) int8 {
	switch {
	case v > 127:
		return 127
	case v < -127:
		return -127
	default:
		return int8(v)
	}
}

// ExtSrvConnectReq registers a proxy under Port.
type ExtSrvConnectReq struct {
	Port byte
}

func (c ExtSrvConnectReq) Handle() byte { return HandleControl }
func (c ExtSrvConnectReq) Payload() []byte {
	return message(TypeExtServer, c.Port, byte(ExtSrvConnect))
}

// ExtSrvDisconnectReq removes the proxy registered under Port.
type ExtSrvDisconnectReq struct {
	Port byte
}

func (c ExtSrvDisconnectReq) Handle() byte { return HandleControl }
func (c ExtSrvDisconnectReq) Payload() []byte {
	return message(TypeExtServer, c.Port, byte(ExtSrvDisconnect))
}

// ExtSrvConnectedAck is synthesized by the gateway after a registration.
type ExtSrvConnectedAck struct {
	Port byte
}

func (c ExtSrvConnectedAck) Handle() byte { return HandleControl }
func (c ExtSrvConnectedAck) Payload() []byte {
	return message(TypeExtServer, c.Port, byte(ExtSrvConnected))
}

// ExtSrvDisconnectedAck is synthesized by the gateway after a disconnect request.
type ExtSrvDisconnectedAck struct {
	Port byte
}

func (c ExtSrvDisconnectedAck) Handle() byte { return HandleControl }
func (c ExtSrvDisconnectedAck) Payload() []byte {
	return message(TypeExtServer, c.Port, byte(ExtSrvDisconnected))
}

// HubActionCmd asks the hub to perform Action.
type HubActionCmd struct {
	Action HubAction
}

func (c HubActionCmd) Handle() byte    { return HandleCommand }
func (c HubActionCmd) Payload() []byte { return message(TypeHubAction, byte(c.Action)) }

// HubAlertCmd enables, disables or requests an update of a hub alert.
type HubAlertCmd struct {
	Alert AlertType
	Op    AlertOp
}

// HubAlertUpdate requests the current state of alert.
func HubAlertUpdate(alert AlertType) HubAlertCmd {
	return HubAlertCmd{Alert: alert, Op: AlertRequestUpdate}
}

// HubAlertSubscription enables (op=AlertEnable) or disables (op=AlertDisable)
// alert updates. AlertRequestUpdate is accepted as well.
func HubAlertSubscription(alert AlertType, op AlertOp) HubAlertCmd {
	return HubAlertCmd{Alert: alert, Op: op}
}

func (c HubAlertCmd) Handle() byte { return HandleCommand }
func (c HubAlertCmd) Payload() []byte {
	return message(TypeHubAlert, byte(c.Alert), byte(c.Op))
}

// GeneralNotificationEnable subscribes to hub notifications. The gateway writes
// the bytes following the message header (01 00) to the notification handle.
type GeneralNotificationEnable struct{}

func (c GeneralNotificationEnable) Handle() byte { return HandleNotificationEnable }
func (c GeneralNotificationEnable) Payload() []byte {
	return []byte{0x04, HubID, byte(TypeGeneralNotification), 0x00}
}

// PortNotificationReq asks the hub to emit port values for Port.
type PortNotificationReq struct {
	Port    byte
	Mode    byte
	Delta   uint32
	Enabled bool
}

// NewPortNotificationReq returns the position-mode subscription used by motors.
func NewPortNotificationReq(port byte) PortNotificationReq {
	return PortNotificationReq{Port: port, Mode: ModePortValuePosition, Delta: 1, Enabled: true}
}

func (c PortNotificationReq) Handle() byte { return HandleCommand }
func (c PortNotificationReq) Payload() []byte {
	body := []byte{c.Port, c.Mode}
	body = binary.LittleEndian.AppendUint32(body, c.Delta)
	return message(TypePortInputFormatSet, append(body, boolByte(c.Enabled))...)
}

func boolByte(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}

// StartPower drives a motor with unregulated power.
type StartPower struct {
	Port  byte
	Flags byte
	Power int8
}

func (c StartPower) Handle() byte { return HandleCommand }
func (c StartPower) Payload() []byte {
	return outputCommand(c.Port, c.Flags, SubWriteDirectModeData, ModeMotorPower, byte(c.Power))
}

// StartPowerSynced drives both motors of a virtual port with unregulated power.
type StartPowerSynced struct {
	Port   byte
	Flags  byte
	Power1 int8
	Power2 int8
}

func (c StartPowerSynced) Handle() byte { return HandleCommand }
func (c StartPowerSynced) Payload() []byte {
	return outputCommand(c.Port, c.Flags, SubWriteDirectModeData, ModeMotorPowerSynced, byte(c.Power1), byte(c.Power2))
}

// StartSpeed runs a motor at a regulated speed until told otherwise.
type StartSpeed struct {
	Port     byte
	Flags    byte
	Speed    int8
	MaxPower byte
	Profile  byte
}

func (c StartSpeed) Handle() byte { return HandleCommand }
func (c StartSpeed) Payload() []byte {
	return outputCommand(c.Port, c.Flags, SubStartSpeed, byte(c.Speed), c.MaxPower, c.Profile)
}

// StartSpeedSynced runs both motors of a virtual port.
type StartSpeedSynced struct {
	Port     byte
	Flags    byte
	Speed1   int8
	Speed2   int8
	MaxPower byte
	Profile  byte
}

func (c StartSpeedSynced) Handle() byte { return HandleCommand }
func (c StartSpeedSynced) Payload() []byte {
	return outputCommand(c.Port, c.Flags, SubStartSpeedSynced, byte(c.Speed1), byte(c.Speed2), c.MaxPower, c.Profile)
}

// StartSpeedForTime runs a motor for Time milliseconds.
type StartSpeedForTime struct {
	Port     byte
	Flags    byte
	Time     uint16
	Speed    int8
	MaxPower byte
	EndState EndState
	Profile  byte
}

func (c StartSpeedForTime) Handle() byte { return HandleCommand }
func (c StartSpeedForTime) Payload() []byte {
	body := cat(le16(c.Time), []byte{byte(c.Speed), c.MaxPower, byte(c.EndState), c.Profile})
	return outputCommand(c.Port, c.Flags, SubStartSpeedForTime, body...)
}

// StartSpeedForTimeSynced runs both motors of a virtual port for Time milliseconds.
type StartSpeedForTimeSynced struct {
	Port     byte
	Flags    byte
	Time     uint16
	Speed1   int8
	Speed2   int8
	MaxPower byte
	EndState EndState
	Profile  byte
}

func (c StartSpeedForTimeSynced) Handle() byte { return HandleCommand }
func (c StartSpeedForTimeSynced) Payload() []byte {
	body := cat(le16(c.Time), []byte{byte(c.Speed1), byte(c.Speed2), c.MaxPower, byte(c.EndState), c.Profile})
	return outputCommand(c.Port, c.Flags, SubStartSpeedForTimeSynced, body...)
}

// StartMoveByDegrees turns a motor by Degrees relative to its current position.
type StartMoveByDegrees struct {
	Port     byte
	Flags    byte
	Degrees  int32
	Speed    int8
	MaxPower byte
	EndState EndState
	Profile  byte
}

func (c StartMoveByDegrees) Handle() byte { return HandleCommand }
func (c StartMoveByDegrees) Payload() []byte {
	body := cat(le32(c.Degrees), []byte{byte(c.Speed), c.MaxPower, byte(c.EndState), c.Profile})
	return outputCommand(c.Port, c.Flags, SubStartSpeedForDegrees, body...)
}

// StartMoveByDegreesSynced turns both motors of a virtual port by Degrees.
type StartMoveByDegreesSynced struct {
	Port     byte
	Flags    byte
	Degrees  int32
	Speed1   int8
	Speed2   int8
	MaxPower byte
	EndState EndState
	Profile  byte
}

func (c StartMoveByDegreesSynced) Handle() byte { return HandleCommand }
func (c StartMoveByDegreesSynced) Payload() []byte {
	body := cat(le32(c.Degrees), []byte{byte(c.Speed1), byte(c.Speed2), c.MaxPower, byte(c.EndState), c.Profile})
	return outputCommand(c.Port, c.Flags, SubStartSpeedForDegreesSynced, body...)
}

// GotoAbsPos moves a motor to an absolute encoder position.
type GotoAbsPos struct {
	Port     byte
	Flags    byte
	Position int32
	Speed    int8
	MaxPower byte
	EndState EndState
	Profile  byte
}

func (c GotoAbsPos) Handle() byte { return HandleCommand }
func (c GotoAbsPos) Payload() []byte {
	body := cat(le32(c.Position), []byte{byte(c.Speed), c.MaxPower, byte(c.EndState), c.Profile})
	return outputCommand(c.Port, c.Flags, SubGotoAbsolutePosition, body...)
}

// GotoAbsPosSynced moves both motors of a virtual port to absolute positions.
type GotoAbsPosSynced struct {
	Port      byte
	Flags     byte
	Position1 int32
	Position2 int32
	Speed     int8
	MaxPower  byte
	EndState  EndState
	Profile   byte
}

func (c GotoAbsPosSynced) Handle() byte { return HandleCommand }
func (c GotoAbsPosSynced) Payload() []byte {
	body := cat(le32(c.Position1), le32(c.Position2), []byte{byte(c.Speed), c.MaxPower, byte(c.EndState), c.Profile})
	return outputCommand(c.Port, c.Flags, SubGotoAbsolutePositionSynced, body...)
}

// SetAccDecProfile stores an acceleration (Deceleration=false) or deceleration
// time in profile ProfileNr.
type SetAccDecProfile struct {
	Port         byte
	Flags        byte
	Deceleration bool
	Time         uint16
	ProfileNr    byte
}

func (c SetAccDecProfile) Handle() byte { return HandleCommand }
func (c SetAccDecProfile) Payload() []byte {
	sub := SubSetAccTime
	if c.Deceleration {
		sub = SubSetDecTime
	}
	return outputCommand(c.Port, c.Flags, sub, cat(le16(c.Time), []byte{c.ProfileNr})...)
}

// WriteDirect writes mode data directly to a port.
type WriteDirect struct {
	Port  byte
	Flags byte
	Mode  byte
	Data  []byte
}

// SetLEDColor returns the WriteDirect that sets the hub LED to an index colour.
func SetLEDColor(color Color) WriteDirect {
	return WriteDirect{Port: PortLED, Flags: DefaultFlags, Mode: ModeLEDColor, Data: []byte{byte(color)}}
}

// SetLEDRGB returns the WriteDirect that sets the hub LED to an RGB value.
func SetLEDRGB(r, g, b byte) WriteDirect {
	return WriteDirect{Port: PortLED, Flags: DefaultFlags, Mode: ModeLEDRGB, Data: []byte{r, g, b}}
}

// PresetEncoder returns the WriteDirect that redefines the current motor position.
func PresetEncoder(port byte, position int32) WriteDirect {
	return WriteDirect{Port: port, Flags: DefaultFlags, Mode: ModePresetEncoder, Data: le32(position)}
}

func (c WriteDirect) Handle() byte { return HandleCommand }
func (c WriteDirect) Payload() []byte {
	return outputCommand(c.Port, c.Flags, SubWriteDirectModeData, append([]byte{c.Mode}, c.Data...)...)
}

// SetupVirtualPort connects two ports into a virtual port or disconnects one.
type SetupVirtualPort struct {
	Connect bool
	PortA   byte
	PortB   byte
	// Port is the virtual port to disconnect; ignored when Connect is set.
	Port byte
}

func (c SetupVirtualPort) Handle() byte { return HandleCommand }
func (c SetupVirtualPort) Payload() []byte {
	if c.Connect {
		return message(TypeVirtualPortSetup, 0x01, c.PortA, c.PortB)
	}
	return message(TypeVirtualPortSetup, 0x00, c.Port)
}

// SetPositionLR presets the encoders of both motors of a virtual port.
type SetPositionLR struct {
	Port  byte
	Flags byte
	Left  int32
	Right int32
}

func (c SetPositionLR) Handle() byte { return HandleCommand }
func (c SetPositionLR) Payload() []byte {
	return outputCommand(c.Port, c.Flags, SubPresetEncoderSynced, cat(le32(c.Left), le32(c.Right))...)
}

// Package hubsim provides an in-process LWP hub that implements
// peripheral.Peripheral. It answers the commands the gateway forwards with the
// notifications a Technic hub would send, which makes the whole stack testable
// without a radio.
package hubsim

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/hubmux/internal/groutine"
	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/pkg/lwp"
)

// Options configures the simulated hub.
type Options struct {
	// CommandDuration is how long a bounded motion takes to complete.
	CommandDuration time.Duration `default:"20ms"`
	// TickInterval drives continuous motions and their port values.
	TickInterval time.Duration `default:"50ms"`
	// DegreesPerSpeed is the rotation per second for one unit of speed.
	DegreesPerSpeed float64 `default:"10"`
	// PipeSize is the capacity in bytes of the notification pipe.
	PipeSize int `default:"8192"`
	// MotorPorts lists the ports with a motor attached. Defaults to A-D.
	MotorPorts []byte
}

// Write records one write received from the gateway.
type Write struct {
	Handle uint16
	Data   []byte
}

type motor struct {
	port    byte
	ioType  lwp.IOType
	pos     int32
	speed   int8
	notify  bool
	stalled bool
	running bool
	gen     uint64
	// pair is set on virtual ports.
	pair *[2]byte
}

// Hub is a simulated LWP hub.
type Hub struct {
	opts   Options
	logger *logrus.Logger

	mu            sync.Mutex
	motors        map[byte]*motor
	nextVirtual   byte
	alertSubs     map[lwp.AlertType]bool
	alertActive   map[lwp.AlertType]bool
	notifyEnabled bool
	writes        []Write

	pipeMu sync.Mutex
	pipe   *ringbuffer.RingBuffer
	signal chan struct{}

	handlerMu sync.RWMutex
	handler   func([]byte)

	cancel       context.CancelFunc
	closeOnce    sync.Once
	disconnected chan struct{}
}

var _ peripheral.Peripheral = (*Hub)(nil)

// New starts a simulated hub. A nil opts selects the defaults.
func New(opts *Options, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	if len(o.MotorPorts) == 0 {
		o.MotorPorts = []byte{lwp.PortA, lwp.PortB, lwp.PortC, lwp.PortD}
	}

	h := &Hub{
		opts:         o,
		logger:       logger,
		motors:       make(map[byte]*motor),
		nextVirtual:  lwp.VirtualPortMin,
		alertSubs:    make(map[lwp.AlertType]bool),
		alertActive:  make(map[lwp.AlertType]bool),
		pipe:         ringbuffer.New(o.PipeSize),
		signal:       make(chan struct{}, 1),
		disconnected: make(chan struct{}),
	}
	for _, p := range o.MotorPorts {
		h.motors[p] = &motor{port: p, ioType: lwp.IOTypeTechnicLMotor}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	groutine.Go(ctx, "hubsim-pump", h.pump)
	groutine.Go(ctx, "hubsim-ticker", h.tick)
	return h
}

// WriteCharacteristic implements peripheral.Peripheral.
func (h *Hub) WriteCharacteristic(handle uint16, data []byte, withResponse bool) error {
	select {
	case <-h.disconnected:
		return peripheral.ErrNotConnected
	default:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, Write{Handle: handle, Data: append([]byte(nil), data...)})

	switch handle {
	case peripheral.HandleCCCD:
		h.enableNotifications(peripheral.IsNotificationEnable(data))
		return nil
	case peripheral.HandleCharacteristic:
		h.handleCommand(data)
		return nil
	default:
		return peripheral.UnknownHandle(handle)
	}
}

// SetNotificationHandler implements peripheral.Peripheral.
func (h *Hub) SetNotificationHandler(fn func(data []byte)) {
	h.handlerMu.Lock()
	h.handler = fn
	h.handlerMu.Unlock()
}

// Disconnected implements peripheral.Peripheral.
func (h *Hub) Disconnected() <-chan struct{} {
	return h.disconnected
}

// Close stops the simulator.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		close(h.disconnected)
	})
	return nil
}

// Writes returns every write received so far.
func (h *Hub) Writes() []Write {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Write, len(h.writes))
	copy(out, h.writes)
	return out
}

// Inject emits an arbitrary notification.
func (h *Hub) Inject(msg lwp.Message) {
	h.emit(msg)
}

// Position returns the encoder position of port.
func (h *Hub) Position(port byte) (int32, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.motors[port]
	if !ok {
		return 0, false
	}
	return m.pos, true
}

// VirtualPort returns the virtual port combining a and b.
func (h *Hub) VirtualPort(a, b byte) (byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := h.findVirtual(a, b)
	if m == nil {
		return 0, false
	}
	return m.port, true
}

// SetStalled blocks the motor on port. A stalled motor does not move and its
// bounded commands never complete. Releasing the stall discards them.
func (h *Hub) SetStalled(port byte, stalled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.motors[port]
	if !ok {
		return
	}
	m.stalled = stalled
	if stalled {
		return
	}
	for _, o := range h.motors {
		if o.running && !h.stalled(o) {
			o.gen++
			o.running = false
			h.emit(h.feedback(o, lwp.FeedbackDiscarded|lwp.FeedbackIdle))
		}
	}
}

// SetAlert raises or clears a hub alert and notifies subscribers.
func (h *Hub) SetAlert(alert lwp.AlertType, active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alertActive[alert] = active
	if h.alertSubs[alert] {
		h.emit(h.alertUpdate(alert))
	}
}

func (h *Hub) alertUpdate(alert lwp.AlertType) lwp.HubAlertNotification {
	status := lwp.AlertStatusOK
	if h.alertActive[alert] {
		status = lwp.AlertStatusAlert
	}
	return lwp.HubAlertNotification{Alert: alert, Op: lwp.AlertUpdate, Status: status}
}

// enableNotifications mirrors a real hub, which reports every attached device
// once notifications are enabled.
func (h *Hub) enableNotifications(enable bool) {
	if enable == h.notifyEnabled {
		return
	}
	h.notifyEnabled = enable
	if !enable {
		return
	}
	for _, p := range h.opts.MotorPorts {
		h.emit(lwp.HubAttachedIO{Port: p, Event: lwp.IOAttached, IOType: h.motors[p].ioType, HWRev: 0x10000000, SWRev: 0x10000000})
	}
	h.emit(lwp.HubAttachedIO{Port: lwp.PortLED, Event: lwp.IOAttached, IOType: lwp.IOTypeLED, HWRev: 0x10000000, SWRev: 0x10000000})
}

func (h *Hub) handleCommand(data []byte) {
	if len(data) < 3 || int(data[0]) != len(data) {
		h.logger.WithField("data", data).Warn("Simulator dropped malformed command")
		return
	}
	t := lwp.MessageType(data[2])
	body := data[3:]

	switch t {
	case lwp.TypeHubProperties:
	case lwp.TypeHubAction:
		if len(body) >= 1 {
			h.hubAction(lwp.HubAction(body[0]))
		}
	case lwp.TypeHubAlert:
		if len(body) >= 2 {
			h.hubAlert(lwp.AlertType(body[0]), lwp.AlertOp(body[1]))
		}
	case lwp.TypePortInputFormatSet:
		if len(body) >= 7 {
			h.portInputFormat(body)
		}
	case lwp.TypeVirtualPortSetup:
		h.virtualPortSetup(body)
	case lwp.TypePortOutputCommand:
		if len(body) >= 3 {
			h.outputCommand(body[0], body[2], body[3:])
		}
	default:
		h.emit(lwp.GenericErrorNotification{CommandType: t, Code: lwp.ErrCodeCommandNotRecognized})
	}
}

func (h *Hub) hubAction(action lwp.HubAction) {
	switch action {
	case lwp.ActionSwitchOff:
		h.emit(lwp.HubActionNotification{Action: lwp.ActionWillSwitchOff})
		h.closeLater()
	case lwp.ActionDisconnect:
		h.emit(lwp.HubActionNotification{Action: lwp.ActionWillDisconnect})
		h.closeLater()
	case lwp.ActionFastShutdown:
		h.closeLater()
	}
}

func (h *Hub) closeLater() {
	time.AfterFunc(h.opts.CommandDuration, func() { _ = h.Close() })
}

func (h *Hub) hubAlert(alert lwp.AlertType, op lwp.AlertOp) {
	switch op {
	case lwp.AlertEnable:
		h.alertSubs[alert] = true
		h.emit(h.alertUpdate(alert))
	case lwp.AlertDisable:
		delete(h.alertSubs, alert)
	case lwp.AlertRequestUpdate:
		h.emit(h.alertUpdate(alert))
	}
}

func (h *Hub) portInputFormat(body []byte) {
	port, mode := body[0], body[1]
	delta := binary.LittleEndian.Uint32(body[2:6])
	enabled := body[6] != 0

	m, ok := h.motors[port]
	if !ok {
		h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypePortInputFormatSet, Code: lwp.ErrCodeInvalidUse})
		return
	}
	m.notify = enabled
	h.emit(lwp.PortInputFormat{Port: port, Mode: mode, Delta: delta, Enabled: enabled})
	if enabled {
		h.emit(lwp.PortValue{Port: port, Value: m.pos, Size: 4})
	}
}

func (h *Hub) findVirtual(a, b byte) *motor {
	for _, m := range h.motors {
		if m.pair != nil && m.pair[0] == a && m.pair[1] == b {
			return m
		}
	}
	return nil
}

func (h *Hub) virtualPortSetup(body []byte) {
	if len(body) == 3 && body[0] == 0x01 {
		a, b := body[1], body[2]
		ma, okA := h.motors[a]
		_, okB := h.motors[b]
		if !okA || !okB || a == b {
			h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypeVirtualPortSetup, Code: lwp.ErrCodeInvalidUse})
			return
		}
		if existing := h.findVirtual(a, b); existing != nil {
			// A pair that is already connected is reported again after the error.
			h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypeVirtualPortSetup, Code: lwp.ErrCodeInvalidUse})
			h.emit(lwp.HubAttachedIO{Port: existing.port, Event: lwp.IOAttachedVirtual, IOType: ma.ioType, PortA: a, PortB: b})
			return
		}
		port := h.allocateVirtual()
		if port == 0 {
			h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypeVirtualPortSetup, Code: lwp.ErrCodeBufferOverflow})
			return
		}
		h.motors[port] = &motor{port: port, ioType: ma.ioType, pos: ma.pos, pair: &[2]byte{a, b}}
		h.logger.WithFields(logrus.Fields{
			"port":   lwp.PortString(port),
			"port_a": lwp.PortString(a),
			"port_b": lwp.PortString(b),
		}).Debug("Simulator attached virtual port")
		h.emit(lwp.HubAttachedIO{Port: port, Event: lwp.IOAttachedVirtual, IOType: ma.ioType, PortA: a, PortB: b})
		return
	}

	if len(body) == 2 && body[0] == 0x00 {
		m, ok := h.motors[body[1]]
		if !ok || m.pair == nil {
			h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypeVirtualPortSetup, Code: lwp.ErrCodeInvalidUse})
			return
		}
		delete(h.motors, m.port)
		h.emit(lwp.HubAttachedIO{Port: m.port, Event: lwp.IODetached})
		return
	}

	h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypeVirtualPortSetup, Code: lwp.ErrCodeCommandNotRecognized})
}

func (h *Hub) allocateVirtual() byte {
	for p := h.nextVirtual; p <= lwp.VirtualPortMax; p++ {
		if _, used := h.motors[p]; !used {
			h.nextVirtual = p + 1
			return p
		}
	}
	for p := lwp.VirtualPortMin; p < h.nextVirtual; p++ {
		if _, used := h.motors[p]; !used {
			h.nextVirtual = p + 1
			return p
		}
	}
	return 0
}

func (h *Hub) emit(msg lwp.Message) {
	raw := msg.Bytes()

	h.pipeMu.Lock()
	if h.pipe.Capacity()-h.pipe.Length() < len(raw) {
		h.pipeMu.Unlock()
		h.logger.WithField("msg_type", msg.Type().String()).Warn("Simulator notification pipe full, dropping")
		return
	}
	_, err := h.pipe.Write(raw)
	h.pipeMu.Unlock()
	if err != nil {
		h.logger.WithError(err).Warn("Simulator failed to queue notification")
		return
	}

	select {
	case h.signal <- struct{}{}:
	default:
	}
}

// pump delivers queued notifications to the handler, one LWP message at a time.
func (h *Hub) pump(ctx context.Context) {
	buf := make([]byte, 512)
	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.signal:
		}

		for {
			h.pipeMu.Lock()
			n, err := h.pipe.TryRead(buf)
			h.pipeMu.Unlock()
			if n > 0 {
				pending = append(pending, buf[:n]...)
			}
			if err != nil || n == 0 {
				break
			}
		}

		for len(pending) > 0 {
			size := int(pending[0])
			if size == 0 {
				h.logger.Error("Simulator notification pipe corrupted, resetting")
				pending = nil
				break
			}
			if len(pending) < size {
				break
			}
			msg := append([]byte(nil), pending[:size]...)
			pending = pending[size:]
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg []byte) {
	h.handlerMu.RLock()
	fn := h.handler
	h.handlerMu.RUnlock()
	if fn == nil {
		return
	}
	fn(msg)
}

// tick advances motors running at a constant speed.
func (h *Hub) tick(ctx context.Context) {
	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()
	step := h.opts.TickInterval.Seconds() * h.opts.DegreesPerSpeed

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		for _, m := range h.motors {
			if m.speed == 0 || m.stalled || m.pair != nil {
				continue
			}
			m.pos += int32(float64(m.speed) * step)
			h.reportPosition(m)
		}
		for _, m := range h.motors {
			h.mirror(m)
		}
		h.mu.Unlock()
	}
}

func (h *Hub) reportPosition(m *motor) {
	if m.notify {
		h.emit(lwp.PortValue{Port: m.port, Value: m.pos, Size: 4})
	}
}

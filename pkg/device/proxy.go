// Package device implements the proxies user code drives: the hub itself,
// single motors and synchronized motor pairs. Every proxy owns a TCP stream to
// the gateway, registers under its port and mirrors the hub state reported for
// that port into typed slots, logs and events.
package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/hubmux/internal/groutine"
	"github.com/srg/hubmux/pkg/lwp"
)

// Device is the behaviour shared by every proxy.
type Device interface {
	Name() string
	Port() byte
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	RequestPortNotification(ctx context.Context) error
	Snapshot() Snapshot
	Close() error
}

var (
	_ Device = (*Hub)(nil)
	_ Device = (*Motor)(nil)
	_ Device = (*SynchronizedMotor)(nil)
)

type slot[T any] struct {
	mu sync.RWMutex
	v  T
	ok bool
}

func (s *slot[T]) store(v T) {
	s.mu.Lock()
	s.v, s.ok = v, true
	s.mu.Unlock()
}

func (s *slot[T]) load() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v, s.ok
}

// Proxy is the base device: the gateway stream, the listen loop and the
// port-free discipline. Hub, Motor and SynchronizedMotor embed it.
type Proxy struct {
	opts   Options
	kind   string
	logger *logrus.Logger

	mu         sync.RWMutex
	port       byte
	conn       net.Conn
	lastSent   lwp.Command
	lastFailed lwp.Command
	listenDone chan struct{}

	connMu  sync.Mutex
	wmu     sync.Mutex
	portSem chan struct{}
	closing atomic.Bool

	connected    *Event
	disconnected *Event
	portFree     *Event
	stalled      *Event
	hubAlert     *Event
	port2hub     *Event
	errored      *Event

	value      slot[lwp.PortValue]
	feedback   slot[lwp.PortCmdFeedback]
	genericErr slot[lwp.GenericErrorNotification]
	portNotif  slot[lwp.PortNotification]
	attached   slot[lwp.HubAttachedIO]
	action     slot[lwp.HubActionNotification]
	alert      slot[lwp.HubAlertNotification]
	server     slot[lwp.ExtServerNotification]

	feedbackLog *EventLog[lwp.PortCmdFeedback]
	errorLog    *EventLog[lwp.GenericErrorNotification]
	alertLog    *EventLog[lwp.HubAlertNotification]
	serverLog   *EventLog[lwp.Message]

	// allTerminal frees the port only when every feedback entry is terminal.
	allTerminal bool
	hook        func(lwp.Message)
}

func newProxy(port byte, kind string, opts []Option) *Proxy {
	o := newOptions(opts)
	if o.Name == "" {
		o.Name = fmt.Sprintf("%s-%s", kind, lwp.PortString(port))
	}

	p := &Proxy{
		opts:         o,
		kind:         kind,
		logger:       o.Logger,
		port:         port,
		portSem:      make(chan struct{}, 1),
		connected:    NewEvent(),
		disconnected: NewEvent(),
		portFree:     NewEvent(),
		stalled:      NewEvent(),
		hubAlert:     NewEvent(),
		port2hub:     NewEvent(),
		errored:      NewEvent(),
		feedbackLog:  NewEventLog[lwp.PortCmdFeedback](o.LogSize),
		errorLog:     NewEventLog[lwp.GenericErrorNotification](o.LogSize),
		alertLog:     NewEventLog[lwp.HubAlertNotification](o.LogSize),
		serverLog:    NewEventLog[lwp.Message](o.LogSize),
	}
	p.disconnected.Set()
	return p
}

func (p *Proxy) Name() string { return p.opts.Name }

// Port returns the key the proxy is registered under.
func (p *Proxy) Port() byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.port
}

func (p *Proxy) log() *logrus.Entry {
	return p.logger.WithFields(logrus.Fields{
		"device": p.opts.Name,
		"port":   lwp.PortString(p.Port()),
	})
}

func (p *Proxy) Connected() *Event         { return p.connected }
func (p *Proxy) Disconnected() *Event      { return p.disconnected }
func (p *Proxy) PortFree() *Event          { return p.portFree }
func (p *Proxy) Stalled() *Event           { return p.stalled }
func (p *Proxy) HubAlert() *Event          { return p.hubAlert }
func (p *Proxy) Port2HubConnected() *Event { return p.port2hub }

// Errored is set whenever the hub reports a generic error for this port.
func (p *Proxy) Errored() *Event { return p.errored }

func (p *Proxy) FeedbackLog() *EventLog[lwp.PortCmdFeedback]        { return p.feedbackLog }
func (p *Proxy) ErrorLog() *EventLog[lwp.GenericErrorNotification]  { return p.errorLog }
func (p *Proxy) AlertLog() *EventLog[lwp.HubAlertNotification]      { return p.alertLog }
func (p *Proxy) ServerLog() *EventLog[lwp.Message]                  { return p.serverLog }
func (p *Proxy) LastValue() (lwp.PortValue, bool)                   { return p.value.load() }
func (p *Proxy) LastFeedback() (lwp.PortCmdFeedback, bool)          { return p.feedback.load() }
func (p *Proxy) LastError() (lwp.GenericErrorNotification, bool)    { return p.genericErr.load() }
func (p *Proxy) LastPortNotification() (lwp.PortNotification, bool) { return p.portNotif.load() }
func (p *Proxy) LastAttachedIO() (lwp.HubAttachedIO, bool)          { return p.attached.load() }
func (p *Proxy) LastHubAction() (lwp.HubActionNotification, bool)   { return p.action.load() }
func (p *Proxy) LastAlert() (lwp.HubAlertNotification, bool)        { return p.alert.load() }

// LastCommand returns the last command written successfully.
func (p *Proxy) LastCommand() lwp.Command {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSent
}

// LastFailedCommand returns the last command whose write failed.
func (p *Proxy) LastFailedCommand() lwp.Command {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastFailed
}

// Connect opens the gateway stream and registers the proxy under its port.
func (p *Proxy) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.connected.IsSet() {
		return ErrAlreadyConnected
	}

	regCtx, cancel := context.WithTimeout(ctx, p.opts.RegisterTimeout)
	defer cancel()

	addr := p.opts.address()
	var dialer net.Dialer
	conn, err := dialer.DialContext(regCtx, "tcp", addr)
	if err != nil {
		return &ConnectionError{State: NotConnected, Msg: fmt.Sprintf("dial %s: %v", addr, err)}
	}

	key := p.Port()
	req := lwp.ExtSrvConnectReq{Port: key}
	msg, err := p.handshake(regCtx, conn, req)
	if err != nil {
		_ = conn.Close()
		return err
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.conn = conn
	p.lastSent = req
	p.listenDone = done
	p.mu.Unlock()
	p.closing.Store(false)

	p.dispatch(msg)

	groutine.Go(context.Background(), "device-listen-"+p.opts.Name, func(ctx context.Context) {
		defer close(done)
		p.listen(conn)
	})

	p.log().WithField("gateway", addr).Info("Registered with gateway")
	return nil
}

// handshake sends the register request and waits for exactly one reply frame.
func (p *Proxy) handshake(ctx context.Context, conn net.Conn, req lwp.ExtSrvConnectReq) (lwp.Message, error) {
	if err := lwp.WriteCommand(conn, req); err != nil {
		return nil, fmt.Errorf("%w: failed to send register request: %v", ErrNotConnected, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	payload, err := lwp.ReadNotification(conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: no reply within %s", ErrRegisterTimeout, p.opts.RegisterTimeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := lwp.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	srv, ok := msg.(lwp.ExtServerNotification)
	if !ok || srv.Event != lwp.ExtSrvConnected || srv.Port != req.Port {
		return nil, fmt.Errorf("%w: unexpected reply % x", ErrHandshake, payload)
	}
	return msg, nil
}

// Disconnect asks the gateway to drop the registration and closes the stream.
// It is a no-op when the proxy is not connected.
func (p *Proxy) Disconnect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if !p.connected.IsSet() {
		return nil
	}
	p.closing.Store(true)

	if err := p.Send(lwp.ExtSrvDisconnectReq{Port: p.Port()}); err != nil {
		p.closeTransport()
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.opts.RegisterTimeout)
	defer cancel()
	if err := p.disconnected.Wait(waitCtx); err != nil {
		p.log().WithError(err).Warn("Gateway did not acknowledge disconnect, closing stream")
		p.closeTransport()
	}
	p.log().Info("Disconnected from gateway")
	return nil
}

// Close disconnects and waits for the listen loop to exit.
func (p *Proxy) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.RegisterTimeout)
	defer cancel()

	err := p.Disconnect(ctx)
	p.closing.Store(true)
	p.closeTransport()

	p.mu.RLock()
	done := p.listenDone
	p.mu.RUnlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return err
}

func (p *Proxy) closeTransport() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.connected.Clear()
	p.disconnected.Set()
}

// Send writes a fully framed command. Anything but the register request is
// refused until the gateway confirmed the registration.
func (p *Proxy) Send(cmd lwp.Command) error {
	if _, register := cmd.(lwp.ExtSrvConnectReq); !register && !p.connected.IsSet() {
		return fmt.Errorf("%w: cannot send %T", ErrNotConnected, cmd)
	}

	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: no gateway stream", ErrNotConnected)
	}

	p.wmu.Lock()
	err := lwp.WriteCommand(conn, cmd)
	p.wmu.Unlock()

	p.mu.Lock()
	if err != nil {
		p.lastFailed = cmd
	} else {
		p.lastSent = cmd
	}
	p.mu.Unlock()

	if err != nil {
		p.log().WithError(err).Error("Failed to send command")
		return fmt.Errorf("failed to send %T: %w", cmd, err)
	}
	p.log().WithFields(logrus.Fields{
		"handle": fmt.Sprintf("0x%02x", cmd.Handle()),
		"data":   hex.EncodeToString(cmd.Payload()),
	}).Debug("Sent command")
	return nil
}

// RequestPortNotification subscribes to position values of the proxy's port.
func (p *Proxy) RequestPortNotification(ctx context.Context) error {
	return p.execute(ctx, lwp.NewPortNotificationReq(p.Port()))
}

// execute applies the port-free discipline: callers queue on the port, wait
// until it is free, clear it and send. The listener frees the port again.
func (p *Proxy) execute(ctx context.Context, cmd lwp.Command) error {
	select {
	case p.portSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.portSem }()

	if err := p.awaitFree(ctx); err != nil {
		return err
	}
	p.portFree.Clear()
	if err := p.Send(cmd); err != nil {
		p.portFree.Set()
		return err
	}
	return nil
}

func (p *Proxy) awaitFree(ctx context.Context) error {
	if !p.connected.IsSet() {
		return fmt.Errorf("%w: %s", ErrNotConnected, p.opts.Name)
	}
	select {
	case <-p.portFree.C():
		return nil
	case <-p.disconnected.C():
		return fmt.Errorf("%w: stream closed while waiting for port", ErrNotConnected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// perform runs cmd with the delays, stall watcher and waits of co.
func (p *Proxy) perform(ctx context.Context, cmd lwp.Command, co CommandOptions) error {
	if err := sleep(ctx, co.DelayBefore); err != nil {
		return err
	}
	if err := p.execute(ctx, cmd); err != nil {
		return err
	}
	if co.TimeToStalled > 0 {
		p.watchStall(co.TimeToStalled)
	}
	if co.WaitCompletion {
		if err := p.awaitFree(ctx); err != nil {
			return err
		}
	}
	if co.WaitUntil != nil {
		if err := waitUntil(ctx, co.WaitUntil, co.WaitUntilTimeout); err != nil {
			return err
		}
	}
	return sleep(ctx, co.DelayAfter)
}

// watchStall samples the port value every interval while the current command
// runs and sets Stalled once two samples differ by less than the stall bias.
func (p *Proxy) watchStall(interval time.Duration) {
	p.stalled.Clear()
	free := p.portFree.C()
	closed := p.disconnected.C()
	bias := int64(p.opts.StallBias)

	groutine.Go(context.Background(), "device-stall-watch-"+p.opts.Name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev, _ := p.value.load()
		for {
			select {
			case <-ticker.C:
			case <-free:
				return
			case <-closed:
				return
			}
			cur, _ := p.value.load()
			if abs64(int64(cur.Value)-int64(prev.Value)) < bias {
				p.stalled.Set()
				p.log().WithField("value", cur.Value).Warn("Motor stalled")
				return
			}
			prev = cur
		}
	})
}

const pollInterval = 10 * time.Millisecond

// waitUntil polls pred on its own goroutine. It returns nil once pred holds or
// timeout elapses; only ctx cancellation is an error.
func waitUntil(ctx context.Context, pred func() bool, timeout time.Duration) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan struct{})
	groutine.Go(watchCtx, "device-wait-until", func(ctx context.Context) {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if pred() {
				close(found)
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	})

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-found:
		return nil
	case <-expired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

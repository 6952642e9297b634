// Package gateway owns the BLE link to one hub and multiplexes it between the
// device proxies connected over TCP.
//
// Proxies register a routing key (their port byte) with an ExtServer connect
// request. Commands they send are forwarded to the hub unchanged; notifications
// from the hub are routed back by the port byte at offset 3.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/hubmux/internal/groutine"
	"github.com/srg/hubmux/internal/peripheral"
	"github.com/srg/hubmux/pkg/lwp"
)

// Options configures a Gateway.
type Options struct {
	Host string `default:"127.0.0.1"`
	Port int    `default:"8888"`
	// QueueSize bounds the notifications waiting for the dispatcher.
	QueueSize int `default:"256"`
	// TraceSize is the number of frames kept for DrainTrace; 0 disables the ring.
	TraceSize uint32 `default:"256"`
	// TraceSink receives every routed frame as a text line. It is written
	// from the routing goroutines and should not block.
	TraceSink io.Writer
	// WriteTimeout bounds a single write to a proxy stream.
	WriteTimeout time.Duration `default:"5s"`
	Logger       *logrus.Logger
}

type proxyConn struct {
	conn   net.Conn
	remote string

	wmu sync.Mutex

	// keys are the routing keys registered over this stream, guarded by
	// Gateway.routeMu.
	keys map[byte]struct{}
}

func (p *proxyConn) write(payload []byte, timeout time.Duration) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return lwp.WriteNotification(p.conn, payload)
}

// Gateway routes LWP traffic between one hub and many proxies.
type Gateway struct {
	opts   Options
	logger *logrus.Logger
	hub    peripheral.Peripheral

	// devices maps routing keys to proxy streams. Readers are lock-free,
	// mutations are serialised by routeMu.
	devices *hashmap.Map[byte, *proxyConn]
	// senders remembers the last stream that sent each message type, used to
	// route GenericError notifications.
	senders *hashmap.Map[lwp.MessageType, *proxyConn]
	// virtuals maps an assigned virtual port back to the provisional key its
	// owner registered under. Guarded by routeMu.
	virtuals map[byte]byte
	routeMu  sync.Mutex

	bleMu sync.Mutex

	notifications chan []byte
	tracer        *tracer
	stats         Stats

	listener net.Listener
	connMu   sync.Mutex
	conns    map[*proxyConn]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates a gateway for hub. A nil opts selects the defaults.
func New(hub peripheral.Peripheral, opts *Options) *Gateway {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	logger := o.Logger
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		opts:          o,
		logger:        logger,
		hub:           hub,
		devices:       hashmap.New[byte, *proxyConn](),
		senders:       hashmap.New[lwp.MessageType, *proxyConn](),
		virtuals:      make(map[byte]byte),
		notifications: make(chan []byte, o.QueueSize),
		conns:         make(map[*proxyConn]struct{}),
		ctx:           ctx,
		cancel:        cancel,
	}
	g.tracer = newTracer(o.TraceSize, o.TraceSink, &g.stats)
	return g
}

// Listen binds the TCP listener and starts routing. It returns once the
// gateway accepts connections.
func (g *Gateway) Listen(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway already listening")
	}
	if g.ctx.Err() != nil {
		return ErrClosed
	}

	addr := net.JoinHostPort(g.opts.Host, strconv.Itoa(g.opts.Port))
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g.listener = l
	g.logger.WithField("addr", l.Addr().String()).Info("Gateway listening")

	g.hub.SetNotificationHandler(g.onNotification)

	g.spawn("gateway-dispatcher", g.dispatch)
	g.spawn("gateway-accept", g.accept)
	g.spawn("gateway-link-monitor", g.monitorLink)
	return nil
}

// Serve listens and blocks until ctx is cancelled or the hub disconnects.
func (g *Gateway) Serve(ctx context.Context) error {
	if err := g.Listen(ctx); err != nil {
		return err
	}
	defer g.Close()
	return g.Wait(ctx)
}

// Addr returns the bound listener address, nil before Listen.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Close stops routing, closes every proxy stream and disconnects the hub.
func (g *Gateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		g.cancel()
		if g.listener != nil {
			_ = g.listener.Close()
		}

		g.connMu.Lock()
		for pc := range g.conns {
			_ = pc.conn.Close()
		}
		g.connMu.Unlock()

		g.wg.Wait()
		g.hub.SetNotificationHandler(nil)
		err = g.hub.Close()
		g.logger.Info("Gateway closed")
	})
	return err
}

// Devices returns the registered routing keys in ascending order.
func (g *Gateway) Devices() []byte {
	keys := make([]byte, 0, g.devices.Len())
	g.devices.Range(func(k byte, _ *proxyConn) bool {
		keys = append(keys, k)
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Registered reports whether key has an owner.
func (g *Gateway) Registered(key byte) bool {
	_, ok := g.devices.Get(key)
	return ok
}

// DrainTrace returns and clears the buffered trace records, oldest first.
func (g *Gateway) DrainTrace() []TraceRecord {
	return g.tracer.drain()
}

// Stats returns a copy of the traffic counters.
func (g *Gateway) Stats() Stats {
	return g.stats.snapshot()
}

func (g *Gateway) spawn(name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	groutine.Go(g.ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

func (g *Gateway) accept(ctx context.Context) {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.WithError(err).Warn("Accept failed")
			continue
		}

		pc := &proxyConn{conn: conn, remote: conn.RemoteAddr().String(), keys: make(map[byte]struct{})}
		g.connMu.Lock()
		if ctx.Err() != nil {
			g.connMu.Unlock()
			_ = conn.Close()
			return
		}
		g.conns[pc] = struct{}{}
		g.connMu.Unlock()

		g.logger.WithField("remote", pc.remote).Debug("Proxy connected")
		g.spawn("gateway-proxy-"+pc.remote, func(ctx context.Context) { g.serveProxy(ctx, pc) })
	}
}

// serveProxy is the inbound loop of one proxy stream.
func (g *Gateway) serveProxy(ctx context.Context, pc *proxyConn) {
	defer g.dropProxy(pc)

	for ctx.Err() == nil {
		handle, msg, err := lwp.ReadCommandFrame(pc.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				g.logger.WithField("remote", pc.remote).Debug("Proxy stream closed")
			} else {
				g.logger.WithError(err).WithField("remote", pc.remote).Warn("Proxy stream failed")
			}
			return
		}

		if err := g.handleCommand(pc, handle, msg); err != nil {
			g.logger.WithError(err).WithField("remote", pc.remote).Error("Closing proxy stream")
			return
		}
	}
}

func (g *Gateway) dropProxy(pc *proxyConn) {
	g.routeMu.Lock()
	for key := range pc.keys {
		if owner, ok := g.devices.Get(key); ok && owner == pc {
			g.devices.Del(key)
			delete(g.virtuals, key)
			g.logger.WithFields(logrus.Fields{
				"port":   lwp.PortString(key),
				"remote": pc.remote,
			}).Info("Proxy removed")
		}
	}
	var stale []lwp.MessageType
	g.senders.Range(func(t lwp.MessageType, owner *proxyConn) bool {
		if owner == pc {
			stale = append(stale, t)
		}
		return true
	})
	for _, t := range stale {
		g.senders.Del(t)
	}
	g.routeMu.Unlock()

	g.connMu.Lock()
	delete(g.conns, pc)
	g.connMu.Unlock()
	_ = pc.conn.Close()
}

func isExtServer(msg []byte, event lwp.ExtSrvEvent) bool {
	return len(msg) >= 5 && lwp.MessageType(msg[2]) == lwp.TypeExtServer && lwp.ExtSrvEvent(msg[len(msg)-1]) == event
}

// handleCommand processes one frame from a proxy. A returned error closes the
// stream.
func (g *Gateway) handleCommand(pc *proxyConn, handle byte, msg []byte) error {
	if len(msg) < 3 {
		return fmt.Errorf("%w: short frame [% X]", lwp.ErrInvalidMessage, msg)
	}
	t := lwp.MessageType(msg[2])

	if t == lwp.TypeGeneralNotification && handle == lwp.HandleNotificationEnable {
		g.tracer.record(TraceRecord{Time: time.Now(), Direction: Downstream, Key: lwp.PortHub, Handle: peripheral.HandleCCCD, Data: msg})
		g.writeHub(peripheral.HandleCCCD, msg[2:])
		return nil
	}

	if len(msg) < 4 {
		return fmt.Errorf("%w: short frame [% X]", lwp.ErrInvalidMessage, msg)
	}
	key := msg[3]

	switch {
	case isExtServer(msg, lwp.ExtSrvConnect):
		return g.register(pc, key)
	case isExtServer(msg, lwp.ExtSrvDisconnect):
		return g.unregister(pc, key)
	}

	g.routeMu.Lock()
	registered := len(pc.keys) > 0
	if registered {
		g.senders.Set(t, pc)
	}
	g.routeMu.Unlock()
	if !registered {
		return &RegisterError{Remote: pc.remote, Type: t, Key: key}
	}

	g.tracer.record(TraceRecord{Time: time.Now(), Direction: Downstream, Key: key, Handle: peripheral.HandleCharacteristic, Data: msg})
	g.writeHub(peripheral.HandleCharacteristic, msg)
	return nil
}

func (g *Gateway) writeHub(handle uint16, data []byte) {
	g.bleMu.Lock()
	err := g.hub.WriteCharacteristic(handle, data, true)
	g.bleMu.Unlock()

	if err != nil {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"handle": fmt.Sprintf("0x%02x", handle),
		}).Error("Failed to write to hub")
		return
	}
	atomic.AddInt64(&g.stats.Forwarded, 1)
	if g.logger.IsLevelEnabled(logrus.DebugLevel) {
		g.logger.WithFields(logrus.Fields{
			"handle": fmt.Sprintf("0x%02x", handle),
			"data":   fmt.Sprintf("% X", data),
		}).Debug("Forwarded to hub")
	}
}

func (g *Gateway) register(pc *proxyConn, key byte) error {
	logger := g.logger.WithFields(logrus.Fields{"port": lwp.PortString(key), "remote": pc.remote})

	g.routeMu.Lock()
	owner, exists := g.devices.Get(key)
	if !exists {
		g.devices.Set(key, pc)
		pc.keys[key] = struct{}{}
	}
	g.routeMu.Unlock()

	if exists {
		if owner == pc {
			logger.Debug("Duplicate register ignored")
			return nil
		}
		logger.WithField("owner", owner.remote).Warn("Port already registered by another proxy")
		return &RegisterError{Remote: pc.remote, Type: lwp.TypeExtServer, Key: key, Owner: owner.remote}
	}

	logger.Info("Proxy registered")
	return g.reply(pc, lwp.ExtSrvConnectedAck{Port: key})
}

func (g *Gateway) unregister(pc *proxyConn, key byte) error {
	g.routeMu.Lock()
	if owner, ok := g.devices.Get(key); ok && owner == pc {
		g.devices.Del(key)
		delete(g.virtuals, key)
	}
	delete(pc.keys, key)
	g.routeMu.Unlock()

	g.logger.WithFields(logrus.Fields{"port": lwp.PortString(key), "remote": pc.remote}).Info("Proxy unregistered")
	return g.reply(pc, lwp.ExtSrvDisconnectedAck{Port: key})
}

func (g *Gateway) reply(pc *proxyConn, cmd lwp.Command) error {
	payload := cmd.Payload()
	g.tracer.record(TraceRecord{Time: time.Now(), Direction: Upstream, Key: payload[3], Data: payload})
	if err := pc.write(payload, g.opts.WriteTimeout); err != nil {
		return fmt.Errorf("failed to reply to %s: %w", pc.remote, err)
	}
	return nil
}

// onNotification runs on the BLE stack goroutine; it only queues the data.
func (g *Gateway) onNotification(data []byte) {
	buf := append([]byte(nil), data...)
	select {
	case g.notifications <- buf:
	case <-g.ctx.Done():
	}
}

func (g *Gateway) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-g.notifications:
			g.route(data)
		}
	}
}

func (g *Gateway) monitorLink(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-g.hub.Disconnected():
		g.logger.Error("Hub disconnected")
	}
}

// route delivers one hub notification to its owner.
func (g *Gateway) route(data []byte) {
	if len(data) < 3 {
		g.logger.WithField("data", fmt.Sprintf("% X", data)).Warn("Dropping short notification")
		return
	}

	msg, err := lwp.Decode(data)
	if err != nil {
		g.logger.WithError(err).Debug("Routing undecodable notification by raw port byte")
	}

	switch m := msg.(type) {
	case lwp.HubAttachedIO:
		switch m.Event {
		case lwp.IOAttachedVirtual:
			g.rekey(lwp.ProvisionalKey(m.PortA, m.PortB), m.Port)
		case lwp.IODetached:
			// The owner still needs the detach under the virtual port.
			defer g.release(m.Port)
		}
	case lwp.GenericErrorNotification:
		if m.CommandType == lwp.TypeVirtualPortSetup {
			g.logger.WithField("code", m.Code.String()).Warn("Hub rejected virtual port setup, ignoring")
			g.tracer.record(TraceRecord{Time: time.Now(), Direction: Upstream, Key: lwp.PortHub, Data: data})
			return
		}
	case lwp.HubAlertNotification:
		if m.Alerting() {
			g.logger.WithField("alert", m.Alert.String()).Warn("Hub alert")
		}
	case lwp.HubActionNotification:
		if m.Action.Warning() {
			g.logger.WithField("action", m.Action.String()).Warn("Hub announced shutdown")
		}
	}

	pc, key, ok := g.owner(data)
	g.tracer.record(TraceRecord{Time: time.Now(), Direction: Upstream, Key: key, Data: data, Dropped: !ok})
	if !ok {
		atomic.AddInt64(&g.stats.Dropped, 1)
		g.logger.WithFields(logrus.Fields{
			"port":     lwp.PortString(key),
			"msg_type": lwp.MessageType(data[2]).String(),
		}).Debug("No proxy for notification, dropping")
		return
	}

	if err := pc.write(data, g.opts.WriteTimeout); err != nil {
		g.logger.WithError(err).WithFields(logrus.Fields{
			"port":   lwp.PortString(key),
			"remote": pc.remote,
		}).Warn("Failed to deliver notification")
		return
	}
	atomic.AddInt64(&g.stats.Routed, 1)
}

// owner resolves the stream a notification belongs to.
func (g *Gateway) owner(data []byte) (*proxyConn, byte, bool) {
	t := lwp.MessageType(data[2])

	switch t {
	case lwp.TypeHubProperties, lwp.TypeHubAction, lwp.TypeHubAlert:
		pc, ok := g.devices.Get(lwp.PortHub)
		return pc, lwp.PortHub, ok
	case lwp.TypeGenericError:
		if len(data) >= 4 {
			if pc, ok := g.senders.Get(lwp.MessageType(data[3])); ok {
				return pc, lwp.PortHub, true
			}
		}
		pc, ok := g.devices.Get(lwp.PortHub)
		return pc, lwp.PortHub, ok
	}

	if len(data) < 4 {
		return nil, 0, false
	}
	key := data[3]
	if pc, ok := g.devices.Get(key); ok {
		return pc, key, true
	}
	if key == lwp.PortLED {
		pc, ok := g.devices.Get(lwp.PortHub)
		return pc, key, ok
	}
	return nil, key, false
}

// rekey moves the owner of a provisional synchronized-motor key to the virtual
// port the hub assigned.
func (g *Gateway) rekey(from, to byte) {
	g.routeMu.Lock()
	defer g.routeMu.Unlock()

	logger := g.logger.WithFields(logrus.Fields{"from": lwp.PortString(from), "port": lwp.PortString(to)})
	pc, ok := g.devices.Get(from)
	if !ok {
		logger.Debug("No provisional registration to re-key")
		return
	}
	if _, taken := g.devices.Get(to); taken {
		logger.Warn("Virtual port already owned, dropping provisional registration")
		g.devices.Del(from)
		delete(pc.keys, from)
		return
	}

	g.devices.Set(to, pc)
	g.devices.Del(from)
	delete(pc.keys, from)
	pc.keys[to] = struct{}{}
	g.virtuals[to] = from
	logger.Info("Re-keyed virtual port")
}

// release moves the owner of a detached virtual port back to its provisional
// key, so the pair can be set up again and get a different port.
func (g *Gateway) release(port byte) {
	g.routeMu.Lock()
	defer g.routeMu.Unlock()

	from, ok := g.virtuals[port]
	if !ok {
		return
	}
	delete(g.virtuals, port)

	pc, ok := g.devices.Get(port)
	if !ok {
		return
	}
	g.devices.Del(port)
	delete(pc.keys, port)

	logger := g.logger.WithFields(logrus.Fields{"from": lwp.PortString(port), "port": lwp.PortString(from)})
	if _, taken := g.devices.Get(from); taken {
		logger.Warn("Provisional key taken, dropping released virtual port")
		return
	}
	g.devices.Set(from, pc)
	pc.keys[from] = struct{}{}
	logger.Info("Released virtual port")
}

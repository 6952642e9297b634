package device

import (
	"encoding/hex"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/srg/hubmux/pkg/lwp"
)

// listen reads notification frames until the stream closes.
func (p *Proxy) listen(conn net.Conn) {
	for {
		payload, err := lwp.ReadNotification(conn)
		if err != nil {
			if !p.closing.Load() && p.connected.IsSet() {
				p.log().WithError(err).Error("Lost gateway stream")
			}
			p.dropStream(conn)
			return
		}

		msg, err := lwp.Decode(payload)
		if err != nil {
			p.log().WithError(err).WithField("data", hex.EncodeToString(payload)).Warn("Dropping undecodable notification")
			continue
		}
		p.log().WithFields(logrus.Fields{
			"msg_type": msg.Type().String(),
			"data":     hex.EncodeToString(payload),
		}).Debug("Received notification")
		p.dispatch(msg)
	}
}

// dropStream marks the proxy disconnected if conn is still its stream.
func (p *Proxy) dropStream(conn net.Conn) {
	p.mu.Lock()
	current := p.conn == conn
	if current {
		p.conn = nil
	}
	p.mu.Unlock()

	_ = conn.Close()
	if current {
		p.connected.Clear()
		p.disconnected.Set()
	}
}

// dispatch stores msg in its slot and moves the events it affects.
func (p *Proxy) dispatch(msg lwp.Message) {
	switch m := msg.(type) {
	case lwp.ExtServerNotification:
		p.server.store(m)
		p.serverLog.Append(m)
		switch m.Event {
		case lwp.ExtSrvConnected:
			p.connected.Set()
			p.disconnected.Clear()
			p.portFree.Set()
		case lwp.ExtSrvDisconnected:
			p.closeTransport()
		}

	case lwp.ExtServerCmdAck:
		p.serverLog.Append(m)

	case lwp.PortValue:
		p.value.store(m)

	case lwp.PortCmdFeedback:
		p.feedback.store(m)
		p.feedbackLog.Append(m)
		p.applyFeedback(m)

	case lwp.GenericErrorNotification:
		p.genericErr.store(m)
		p.errorLog.Append(m)
		p.errored.Set()
		p.log().WithFields(logrus.Fields{
			"command": m.CommandType.String(),
			"code":    m.Code.String(),
		}).Warn("Hub rejected command")
		// A rejected command never reports feedback, so the port is free again.
		if last := p.LastCommand(); last != nil && commandType(last) == m.CommandType {
			p.portFree.Set()
		}

	case lwp.PortNotification:
		p.portNotif.store(m)
		p.inputFormatApplied(m.Enabled)

	case lwp.HubAttachedIO:
		p.attached.store(m)
		switch m.Event {
		case lwp.IOAttached:
			p.portFree.Set()
			p.port2hub.Set()
		case lwp.IODetached:
			p.port2hub.Clear()
		}

	case lwp.HubActionNotification:
		p.action.store(m)
		p.serverLog.Append(m)
		if m.Action.Warning() {
			p.log().WithField("action", m.Action.String()).Warn("Hub is going away")
		}

	case lwp.HubAlertNotification:
		p.alert.store(m)
		p.alertLog.Append(m)
		p.hubAlert.Set()
		if m.Alerting() {
			p.log().WithField("alert", m.Alert.String()).Warn("Hub resource warning")
		}

	case lwp.PortInputFormat:
		// Hubs acknowledge a port input format setup with 0x47.
		if m.Port != p.Port() {
			break
		}
		p.portNotif.store(lwp.PortNotification(m))
		p.log().WithField("mode", m.Mode).Debug("Port input format")
		p.inputFormatApplied(m.Enabled)
	}

	if p.hook != nil {
		p.hook(msg)
	}
}

func (p *Proxy) inputFormatApplied(enabled bool) {
	p.portFree.Set()
	if enabled {
		p.port2hub.Set()
	} else {
		p.port2hub.Clear()
	}
}

func (p *Proxy) applyFeedback(fb lwp.PortCmdFeedback) {
	if p.allTerminal {
		switch {
		case fb.AllTerminal():
			p.portFree.Set()
		case fb.AnyInProgress():
			p.portFree.Clear()
		}
		return
	}

	f, ok := fb.For(p.Port())
	if !ok {
		if len(fb.Entries) == 0 {
			return
		}
		f = fb.Entries[0].Feedback
	}
	switch {
	case f.Terminal():
		p.portFree.Set()
	case f.InProgress():
		p.portFree.Clear()
	}
}

func commandType(cmd lwp.Command) lwp.MessageType {
	payload := cmd.Payload()
	if len(payload) < 3 {
		return 0
	}
	return lwp.MessageType(payload[2])
}

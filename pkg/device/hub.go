package device

import (
	"context"

	"github.com/srg/hubmux/pkg/lwp"
)

// Hub is the proxy for hub-level traffic. It is registered under lwp.PortHub
// and also receives the LED port's feedback.
type Hub struct {
	*Proxy
}

func NewHub(opts ...Option) *Hub {
	return &Hub{Proxy: newProxy(lwp.PortHub, "hub", opts)}
}

// SetLEDColor switches the hub LED to an index colour.
func (h *Hub) SetLEDColor(ctx context.Context, color lwp.Color, opts ...CommandOption) error {
	co := newCommandOptions(h.opts, opts)
	cmd := lwp.SetLEDColor(color)
	cmd.Flags = co.flags()
	return h.perform(ctx, cmd, co)
}

// SetLEDRGB switches the hub LED to an RGB colour.
func (h *Hub) SetLEDRGB(ctx context.Context, r, g, b byte, opts ...CommandOption) error {
	co := newCommandOptions(h.opts, opts)
	cmd := lwp.SetLEDRGB(r, g, b)
	cmd.Flags = co.flags()
	return h.perform(ctx, cmd, co)
}

// Action sends a hub action such as lwp.ActionSwitchOff.
func (h *Hub) Action(ctx context.Context, action lwp.HubAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.Send(lwp.HubActionCmd{Action: action})
}

// GeneralNotificationRequest enables hub notifications. The hub answers with
// an attached IO report for every port.
func (h *Hub) GeneralNotificationRequest(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.Send(lwp.GeneralNotificationEnable{})
}

// AlertRequest enables, disables or requests an update of a hub alert.
func (h *Hub) AlertRequest(ctx context.Context, alert lwp.AlertType, op lwp.AlertOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.Send(lwp.HubAlertSubscription(alert, op))
}

// RequestPortNotification is not available on the hub port.
func (h *Hub) RequestPortNotification(context.Context) error {
	return ErrNotApplicable
}

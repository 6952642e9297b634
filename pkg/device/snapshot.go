package device

import (
	"fmt"
	"strings"

	"github.com/srg/hubmux/pkg/lwp"
)

// Snapshot is a JSON view of a proxy's state.
type Snapshot struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Port      string `json:"port"`
	Connected bool   `json:"connected"`
	PortFree  bool   `json:"port_free"`
	Port2Hub  bool   `json:"port2hub_connected"`
	Stalled   bool   `json:"stalled"`
	HubAlert  bool   `json:"hub_alert"`
	Error     bool   `json:"error"`

	LastValue    *int32 `json:"last_value,omitempty"`
	LastFeedback string `json:"last_feedback,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	LastCommand  string `json:"last_command,omitempty"`

	Logs map[string]uint64 `json:"logs"`

	Position       *int32   `json:"position,omitempty"`
	TotalDistance  *float64 `json:"total_distance,omitempty"`
	GearRatio      float64  `json:"gear_ratio,omitempty"`
	OwnedByVirtual bool     `json:"owned_by_virtual,omitempty"`
	VirtualPort    string   `json:"virtual_port,omitempty"`
	Motors         []string `json:"motors,omitempty"`
}

func (p *Proxy) Snapshot() Snapshot {
	s := Snapshot{
		Name:      p.Name(),
		Kind:      p.kind,
		Port:      lwp.PortString(p.Port()),
		Connected: p.connected.IsSet(),
		PortFree:  p.portFree.IsSet(),
		Port2Hub:  p.port2hub.IsSet(),
		Stalled:   p.stalled.IsSet(),
		HubAlert:  p.hubAlert.IsSet(),
		Error:     p.errored.IsSet(),
		Logs: map[string]uint64{
			"feedback": p.feedbackLog.Total(),
			"error":    p.errorLog.Total(),
			"alert":    p.alertLog.Total(),
			"server":   p.serverLog.Total(),
		},
	}

	if v, ok := p.value.load(); ok {
		value := v.Value
		s.LastValue = &value
	}
	if fb, ok := p.feedback.load(); ok {
		s.LastFeedback = formatFeedback(fb)
	}
	if e, ok := p.genericErr.load(); ok {
		s.LastError = fmt.Sprintf("%s: %s", e.CommandType, e.Code)
	}
	if cmd := p.LastCommand(); cmd != nil {
		s.LastCommand = strings.TrimPrefix(fmt.Sprintf("%T", cmd), "lwp.")
	}
	return s
}

func formatFeedback(fb lwp.PortCmdFeedback) string {
	parts := make([]string, 0, len(fb.Entries))
	for _, e := range fb.Entries {
		parts = append(parts, lwp.PortString(e.Port)+":"+e.Feedback.String())
	}
	return strings.Join(parts, " ")
}

package hubsim

import (
	"encoding/binary"
	"time"

	"github.com/srg/hubmux/pkg/lwp"
)

func (h *Hub) outputCommand(port, sub byte, args []byte) {
	if port == lwp.PortLED {
		h.emit(lwp.PortCmdFeedback{Entries: []lwp.FeedbackEntry{{Port: port, Feedback: lwp.FeedbackCompleted | lwp.FeedbackIdle}}})
		return
	}

	m, ok := h.motors[port]
	if !ok {
		h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypePortOutputCommand, Code: lwp.ErrCodeInvalidUse})
		h.emit(lwp.PortCmdFeedback{Entries: []lwp.FeedbackEntry{{Port: port, Feedback: lwp.FeedbackDiscarded | lwp.FeedbackIdle}}})
		return
	}

	switch sub {
	case lwp.SubSetAccTime, lwp.SubSetDecTime:
		h.complete(m)

	case lwp.SubWriteDirectModeData:
		h.directMode(m, args)

	case lwp.SubStartSpeed:
		if len(args) >= 1 {
			h.setSpeed(m, int8(args[0]), int8(args[0]))
		}
	case lwp.SubStartSpeedSynced:
		if len(args) >= 2 {
			h.setSpeed(m, int8(args[0]), int8(args[1]))
		}

	case lwp.SubStartSpeedForTime:
		if len(args) >= 3 {
			ms := binary.LittleEndian.Uint16(args[0:2])
			s := int8(args[2])
			h.startBounded(m, h.byTime(ms, s, s))
		}
	case lwp.SubStartSpeedForTimeSynced:
		if len(args) >= 4 {
			ms := binary.LittleEndian.Uint16(args[0:2])
			h.startBounded(m, h.byTime(ms, int8(args[2]), int8(args[3])))
		}

	case lwp.SubStartSpeedForDegrees:
		if len(args) >= 5 {
			deg := int32(binary.LittleEndian.Uint32(args[0:4]))
			s := int8(args[4])
			h.startBounded(m, byDegrees(deg, s, s))
		}
	case lwp.SubStartSpeedForDegreesSynced:
		if len(args) >= 6 {
			deg := int32(binary.LittleEndian.Uint32(args[0:4]))
			h.startBounded(m, byDegrees(deg, int8(args[4]), int8(args[5])))
		}

	case lwp.SubGotoAbsolutePosition:
		if len(args) >= 4 {
			pos := int32(binary.LittleEndian.Uint32(args[0:4]))
			h.startBounded(m, toPosition(pos, pos))
		}
	case lwp.SubGotoAbsolutePositionSynced:
		if len(args) >= 8 {
			p1 := int32(binary.LittleEndian.Uint32(args[0:4]))
			p2 := int32(binary.LittleEndian.Uint32(args[4:8]))
			h.startBounded(m, toPosition(p1, p2))
		}

	case lwp.SubPresetEncoderSynced:
		if len(args) >= 8 {
			left := int32(binary.LittleEndian.Uint32(args[0:4]))
			right := int32(binary.LittleEndian.Uint32(args[4:8]))
			h.preset(m, left, right)
		}

	default:
		h.emit(lwp.GenericErrorNotification{CommandType: lwp.TypePortOutputCommand, Code: lwp.ErrCodeCommandNotRecognized})
		h.emit(h.feedback(m, lwp.FeedbackDiscarded|lwp.FeedbackIdle))
	}
}

func (h *Hub) directMode(m *motor, args []byte) {
	if len(args) < 1 {
		h.complete(m)
		return
	}
	mode, data := args[0], args[1:]
	switch {
	case mode == lwp.ModeMotorPower && len(data) == 1:
		h.setSpeed(m, int8(data[0]), int8(data[0]))
	case mode == lwp.ModeMotorPowerSynced && len(data) == 2:
		h.setSpeed(m, int8(data[0]), int8(data[1]))
	case mode == lwp.ModePresetEncoder && len(data) == 4:
		pos := int32(binary.LittleEndian.Uint32(data))
		h.preset(m, pos, pos)
	default:
		h.complete(m)
	}
}

// members returns the physical motors behind m, m itself for a physical port.
func (h *Hub) members(m *motor) []*motor {
	if m.pair == nil {
		return []*motor{m}
	}
	var out []*motor
	for _, p := range m.pair {
		if pm, ok := h.motors[p]; ok {
			out = append(out, pm)
		}
	}
	return out
}

func (h *Hub) feedback(m *motor, fb lwp.Feedback) lwp.PortCmdFeedback {
	entries := []lwp.FeedbackEntry{{Port: m.port, Feedback: fb}}
	if m.pair != nil {
		for _, p := range m.pair {
			entries = append(entries, lwp.FeedbackEntry{Port: p, Feedback: fb})
		}
	}
	return lwp.PortCmdFeedback{Entries: entries}
}

func (h *Hub) complete(m *motor) {
	h.emit(h.feedback(m, lwp.FeedbackCompleted|lwp.FeedbackIdle))
}

func (h *Hub) stalled(m *motor) bool {
	if m.stalled {
		return true
	}
	for _, pm := range h.members(m) {
		if pm.stalled {
			return true
		}
	}
	return false
}

func (h *Hub) setSpeed(m *motor, s1, s2 int8) {
	m.gen++
	m.running = false
	members := h.members(m)
	for i, pm := range members {
		if i == 0 {
			pm.speed = s1
		} else {
			pm.speed = s2
		}
	}
	h.emit(h.feedback(m, lwp.FeedbackInProgress))
	h.emit(h.feedback(m, lwp.FeedbackCompleted|lwp.FeedbackIdle))
}

func (h *Hub) preset(m *motor, left, right int32) {
	for i, pm := range h.members(m) {
		if i == 0 {
			pm.pos = left
		} else {
			pm.pos = right
		}
		h.reportPosition(pm)
	}
	h.mirror(m)
	h.complete(m)
}

// mirror copies the position of the first member onto a virtual port.
func (h *Hub) mirror(m *motor) {
	if m.pair == nil {
		return
	}
	if first, ok := h.motors[m.pair[0]]; ok && first.pos != m.pos {
		m.pos = first.pos
		h.reportPosition(m)
	}
}

type motion func(members []*motor)

func (h *Hub) byTime(ms uint16, s1, s2 int8) motion {
	dps := h.opts.DegreesPerSpeed
	return func(members []*motor) {
		for i, pm := range members {
			s := s1
			if i > 0 {
				s = s2
			}
			pm.pos += int32(float64(s) * dps * float64(ms) / 1000)
		}
	}
}

func byDegrees(deg int32, s1, s2 int8) motion {
	sign := func(s int8) int32 {
		switch {
		case s > 0:
			return 1
		case s < 0:
			return -1
		}
		return 0
	}
	return func(members []*motor) {
		for i, pm := range members {
			s := s1
			if i > 0 {
				s = s2
			}
			pm.pos += deg * sign(s)
		}
	}
}

func toPosition(p1, p2 int32) motion {
	return func(members []*motor) {
		for i, pm := range members {
			if i == 0 {
				pm.pos = p1
			} else {
				pm.pos = p2
			}
		}
	}
}

// startBounded reports the command in progress and completes it after
// CommandDuration unless a newer command on the same port supersedes it.
func (h *Hub) startBounded(m *motor, apply motion) {
	m.gen++
	gen := m.gen
	start := lwp.FeedbackInProgress
	if m.running {
		start |= lwp.FeedbackDiscarded
	}
	m.running = true
	for _, pm := range h.members(m) {
		pm.speed = 0
	}
	h.emit(h.feedback(m, start))

	time.AfterFunc(h.opts.CommandDuration, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m.gen != gen || h.closed() || h.stalled(m) {
			return
		}
		members := h.members(m)
		apply(members)
		for _, pm := range members {
			h.reportPosition(pm)
		}
		h.mirror(m)
		m.running = false
		h.complete(m)
	})
}

func (h *Hub) closed() bool {
	select {
	case <-h.disconnected:
		return true
	default:
		return false
	}
}

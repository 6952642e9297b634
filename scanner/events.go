package scanner

import "sync/atomic"

// EventQueue buffers discovery events for Scanner.Events. Publishing never
// blocks the advertisement handler: when nobody drains the queue the oldest
// event is replaced and counted as dropped.
type EventQueue struct {
	ch      chan DeviceEvent
	dropped atomic.Int64
}

// NewEventQueue creates a queue holding up to capacity events.
func NewEventQueue(capacity int) *EventQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &EventQueue{ch: make(chan DeviceEvent, capacity)}
}

// C returns the receive side of the queue.
func (q *EventQueue) C() <-chan DeviceEvent {
	return q.ch
}

// Publish enqueues ev and reports whether an older event was discarded.
func (q *EventQueue) Publish(ev DeviceEvent) bool {
	replaced := false
	for {
		select {
		case q.ch <- ev:
			return replaced
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			replaced = true
		default:
		}
	}
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	return len(q.ch)
}

// Dropped returns how many events were discarded so far.
func (q *EventQueue) Dropped() int64 {
	return q.dropped.Load()
}

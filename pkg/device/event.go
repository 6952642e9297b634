package device

import (
	"context"
	"sync"
)

// Event is a resettable flag that goroutines can wait on. While set, the
// channel returned by C is closed; Clear installs a fresh channel.
type Event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewEvent returns a cleared event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set marks the event and wakes every waiter.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.set {
		e.set = true
		close(e.ch)
	}
}

// Clear resets the event. Waiters that already woke are unaffected.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		e.set = false
		e.ch = make(chan struct{})
	}
}

func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set
}

// C returns a channel that is closed once the event is set.
func (e *Event) C() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

// Wait blocks until the event is set or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package device

import (
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// LogEntry is one time-stamped record of an EventLog.
type LogEntry[T any] struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Value T         `json:"value"`
}

// EventLog keeps the most recent entries in arrival order. Once Limit entries
// are stored, each append evicts the oldest one.
type EventLog[T any] struct {
	mu      sync.Mutex
	entries *orderedmap.OrderedMap[uint64, LogEntry[T]]
	limit   int
	seq     uint64
	evicted uint64
}

// NewEventLog creates a log that holds at most limit entries. A limit below
// one keeps a single entry.
func NewEventLog[T any](limit int) *EventLog[T] {
	if limit < 1 {
		limit = 1
	}
	return &EventLog[T]{
		entries: orderedmap.New[uint64, LogEntry[T]](),
		limit:   limit,
	}
}

// Append records v with the current time and returns its sequence number.
func (l *EventLog[T]) Append(v T) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	l.entries.Set(l.seq, LogEntry[T]{Seq: l.seq, Time: time.Now(), Value: v})
	for l.entries.Len() > l.limit {
		oldest := l.entries.Oldest()
		l.entries.Delete(oldest.Key)
		l.evicted++
	}
	return l.seq
}

func (l *EventLog[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// Total is the number of entries ever appended, evicted ones included.
func (l *EventLog[T]) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Entries returns a copy of the stored entries, oldest first.
func (l *EventLog[T]) Entries() []LogEntry[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LogEntry[T], 0, l.entries.Len())
	for pair := l.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Last returns the newest entry.
func (l *EventLog[T]) Last() (LogEntry[T], bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pair := l.entries.Newest()
	if pair == nil {
		return LogEntry[T]{}, false
	}
	return pair.Value, true
}

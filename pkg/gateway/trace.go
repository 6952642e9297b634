package gateway

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/hubmux/pkg/lwp"
)

// Direction tells which way a traced frame travelled.
type Direction int

const (
	// Downstream frames go from a proxy to the hub.
	Downstream Direction = iota
	// Upstream frames go from the hub to a proxy.
	Upstream
)

func (d Direction) String() string {
	if d == Upstream {
		return "hub->proxy"
	}
	return "proxy->hub"
}

// TraceRecord is one routed frame.
type TraceRecord struct {
	Time      time.Time
	Direction Direction
	Key       byte
	Handle    uint16
	Data      []byte
	// Dropped is set when no proxy owned the key.
	Dropped bool
}

func (r TraceRecord) String() string {
	state := ""
	if r.Dropped {
		state = " (dropped)"
	}
	return fmt.Sprintf("%s %s port=%s handle=0x%02x [% X]%s",
		r.Time.Format("15:04:05.000"), r.Direction, lwp.PortString(r.Key), r.Handle, r.Data, state)
}

// Stats counts gateway traffic. All fields are updated atomically.
type Stats struct {
	Forwarded   int64 // commands written to the hub
	Routed      int64 // notifications delivered to a proxy
	Dropped     int64 // notifications without an owner
	Overwritten int64 // trace records lost to ring overflow
}

func (s *Stats) snapshot() Stats {
	return Stats{
		Forwarded:   atomic.LoadInt64(&s.Forwarded),
		Routed:      atomic.LoadInt64(&s.Routed),
		Dropped:     atomic.LoadInt64(&s.Dropped),
		Overwritten: atomic.LoadInt64(&s.Overwritten),
	}
}

// tracer keeps the most recent frames in an overlapped ring; the oldest
// records are overwritten once it is full. Records are also written, one
// line each, to sink when set.
type tracer struct {
	buffer mpmc.RichOverlappedRingBuffer[TraceRecord]
	sink   io.Writer
	stats  *Stats
}

func newTracer(size uint32, sink io.Writer, stats *Stats) *tracer {
	if size == 0 && sink == nil {
		return nil
	}
	t := &tracer{sink: sink, stats: stats}
	if size > 0 {
		t.buffer = mpmc.NewOverlappedRingBuffer[TraceRecord](size)
	}
	return t
}

func (t *tracer) record(rec TraceRecord) {
	if t == nil {
		return
	}
	rec.Data = append([]byte(nil), rec.Data...)
	if t.sink != nil {
		// The sink must not block the routing path; short writes are dropped.
		_, _ = io.WriteString(t.sink, rec.String()+"\r\n")
	}
	if t.buffer == nil {
		return
	}
	overwrites, err := t.buffer.EnqueueM(rec)
	if err != nil {
		return
	}
	atomic.AddInt64(&t.stats.Overwritten, int64(overwrites))
}

func (t *tracer) drain() []TraceRecord {
	if t == nil || t.buffer == nil {
		return nil
	}
	var out []TraceRecord
	for !t.buffer.IsEmpty() {
		rec, err := t.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, rec)
	}
	return out
}

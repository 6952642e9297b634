package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows the current phase of a long operation on one
// terminal line, with elapsed or remaining seconds.
//
// A ProgressPrinter is single-use: Start it once and Stop it once.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	phase      atomic.Value
	stopPhases map[string]struct{}
	countdown  time.Duration // zero counts up

	startOnce sync.Once
	started   atomic.Bool
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer that counts elapsed seconds. Setting a
// phase listed in stopPhases through Callback stops it.
func NewProgressPrinter(out io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:        out,
		prefix:     prefix,
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a printer that counts down from d.
func NewCountdownProgressPrinter(out io.Writer, prefix, phase string, d time.Duration, stopPhases ...string) *ProgressPrinter {
	p := NewProgressPrinter(out, prefix, phase, stopPhases...)
	p.countdown = d
	return p
}

// Start begins updating the progress line.
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		p.started.Store(true)
		start := time.Now()
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()

			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					phase := p.phase.Load().(string)
					if _, isStop := p.stopPhases[phase]; isStop {
						return
					}
					p.print(phase, p.seconds(time.Since(start)))
				}
			}
		}()
	})
}

func (p *ProgressPrinter) seconds(elapsed time.Duration) int {
	if p.countdown == 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.countdown - elapsed
	if remaining <= 0 {
		return 0
	}
	// Round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a phase setter; setting a stop phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, isStop := p.stopPhases[phase]; isStop {
			p.Stop()
		}
	}
}

// Stop ends the updates and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		if p.started.Load() {
			<-p.done
		}
		fmt.Fprint(p.out, clearLineSequence)
	})
}

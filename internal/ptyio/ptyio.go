// Package ptyio exposes a pseudo-terminal that a process can write to without
// blocking. The gateway uses it to stream its live frame trace to a terminal
// program such as screen or minicom attached to the slave side.
//
//	p, err := ptyio.New(&ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	fmt.Println("trace available on", p.TTYName())
//
// Writes are queued in a ring buffer and flushed by a background goroutine.
// When the ring is full the excess bytes are dropped and counted.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/hubmux/internal/groutine"
)

// Options configures a PTY.
type Options struct {
	// WriteCap is the ring capacity in bytes.
	WriteCap int `default:"65536"`
	// PollTimeout bounds how long the flush loop waits before re-checking
	// for shutdown.
	PollTimeout time.Duration `default:"50ms"`
	Logger      *logrus.Logger
}

// Stats counts PTY traffic.
type Stats struct {
	Queued  int    // bytes waiting in the ring
	Written uint64 // bytes flushed to the master
	Dropped uint64 // bytes lost to ring overflow
}

// PTY is the master side of a pseudo-terminal pair.
type PTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	fd          int // master descriptor, non-blocking
	ttyName     string
	pollTimeout time.Duration

	ring *ringbuffer.RingBuffer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed  atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
}

// New opens a pty pair in raw mode and starts the flush loop.
func New(opts *Options) (*PTY, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)
	logger := o.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	master, slave, fd, err := open()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		fd:          fd,
		ttyName:     slave.Name(),
		pollTimeout: o.PollTimeout,
		ring:        ringbuffer.New(o.WriteCap),
		cancel:      cancel,
	}

	p.wg.Add(1)
	groutine.Go(ctx, "pty-flush-"+p.ttyName, func(ctx context.Context) {
		defer p.wg.Done()
		p.flushLoop(ctx)
	})
	return p, nil
}

// TTYName returns the slave device path, e.g. /dev/pts/5.
func (p *PTY) TTYName() string {
	return p.ttyName
}

// Write queues data for the slave. It never blocks; n is less than len(data)
// when the ring overflowed.
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	// The ring is non-blocking: a full ring writes what fits and reports an
	// error, which only matters as a drop count here.
	n, err := p.ring.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		p.logger.WithError(err).Debug("PTY ring write")
	}
	if n < len(data) {
		p.dropped.Add(uint64(len(data) - n))
	}
	return n, nil
}

// Stats returns the current counters.
func (p *PTY) Stats() Stats {
	return Stats{
		Queued:  p.ring.Length(),
		Written: p.written.Load(),
		Dropped: p.dropped.Load(),
	}
}

// Close stops the flush loop and closes both ends of the pair.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	return errors.Join(p.master.Close(), p.slave.Close())
}

func (p *PTY) flushLoop(ctx context.Context) {
	fd := p.fd
	pollOut := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	timeoutMs := int(p.pollTimeout / time.Millisecond)
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		n, err := p.ring.TryRead(buf)
		if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.pollTimeout):
			}
			continue
		}

		for off := 0; off < n && ctx.Err() == nil; {
			written, err := unix.Write(fd, buf[off:n])
			if written > 0 {
				off += written
				p.written.Add(uint64(written))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				// Nobody drains the slave; wait for room.
				if _, pollErr := unix.Poll(pollOut, timeoutMs); pollErr != nil && !errors.Is(pollErr, syscall.EINTR) {
					p.logger.WithError(pollErr).Warn("PTY poll failed")
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, syscall.EIO):
				p.logger.WithField("tty", p.ttyName).Debug("PTY closed")
				return
			default:
				p.logger.WithError(err).WithField("tty", p.ttyName).Warn("PTY write failed")
				return
			}
		}
	}
}

// open creates the pty pair, puts the slave in raw mode and the master in
// non-blocking mode. os.File.Fd switches a descriptor back to blocking, so
// the master fd is taken once, here.
func open() (*os.File, *os.File, int, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	closeBoth := func(cause error) error {
		return errors.Join(cause, master.Close(), slave.Close())
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, 0, closeBoth(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	fd := int(master.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, nil, 0, closeBoth(fmt.Errorf("failed to set %s master to non-blocking mode: %w", slave.Name(), err))
	}
	return master, slave, fd, nil
}

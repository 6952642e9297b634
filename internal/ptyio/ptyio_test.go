package ptyio

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPTY(t *testing.T, opts *Options) *PTY {
	t.Helper()
	p, err := New(opts)
	if err != nil {
		t.Skipf("no pty available: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestWriteReachesSlave(t *testing.T) {
	p := newTestPTY(t, &Options{PollTimeout: 5 * time.Millisecond})
	assert.True(t, strings.HasPrefix(p.TTYName(), "/dev/"))

	line := "12:00:00.000 proxy->hub port=0x00\r\n"
	n, err := p.Write([]byte(line))
	require.NoError(t, err)
	require.Equal(t, len(line), n)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 128)
		var sb strings.Builder
		for sb.Len() < len(line) {
			n, err := p.slave.Read(buf)
			if err != nil {
				break
			}
			sb.Write(buf[:n])
		}
		got <- sb.String()
	}()

	select {
	case s := <-got:
		assert.Equal(t, line, s)
	case <-time.After(2 * time.Second):
		t.Fatal("nothing read from the slave")
	}
	assert.Eventually(t, func() bool { return p.Stats().Written == uint64(len(line)) }, time.Second, 5*time.Millisecond)
}

func TestOverflowIsCounted(t *testing.T) {
	p := newTestPTY(t, &Options{WriteCap: 8})

	n, err := p.Write([]byte("0123456789abcdefghij"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, uint64(12), p.Stats().Dropped)
}

func TestWriteAfterClose(t *testing.T) {
	p := newTestPTY(t, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

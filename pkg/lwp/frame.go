package lwp

import (
	"fmt"
	"io"
)

// Frame returns the bytes a proxy writes to the gateway for cmd:
// <handle><payload length><payload>.
func Frame(cmd Command) []byte {
	payload := cmd.Payload()
	out := make([]byte, 0, 2+len(payload))
	out = append(out, cmd.Handle(), byte(len(payload)))
	return append(out, payload...)
}

// WriteCommand frames cmd and writes it in a single call.
func WriteCommand(w io.Writer, cmd Command) error {
	payload := cmd.Payload()
	if len(payload) > 0xFF {
		return fmt.Errorf("%w: %d byte payload", ErrFrameTooLong, len(payload))
	}
	_, err := w.Write(Frame(cmd))
	return err
}

// ReadCommandFrame reads one proxy frame and returns its handle and payload.
func ReadCommandFrame(r io.Reader) (byte, []byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// WriteNotification writes an upstream payload preceded by its length, so the
// length byte appears twice on the wire.
func WriteNotification(w io.Writer, payload []byte) error {
	if len(payload) > 0xFF {
		return fmt.Errorf("%w: %d byte payload", ErrFrameTooLong, len(payload))
	}
	out := make([]byte, 0, 1+len(payload))
	out = append(out, byte(len(payload)))
	_, err := w.Write(append(out, payload...))
	return err
}

// ReadNotification reads one upstream frame and returns its LWP payload.
func ReadNotification(r io.Reader) ([]byte, error) {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	payload := make([]byte, n[0])
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

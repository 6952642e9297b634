package lwp

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/srg/hubmux/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandFrameStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, ExtSrvConnectReq{Port: PortB}))
	require.NoError(t, WriteCommand(&buf, GeneralNotificationEnable{}))

	handle, payload, err := ReadCommandFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, HandleControl, handle)
	testutils.NewHexAsserter(t).Assert(payload, "05 00 5C 01 00")

	handle, payload, err = ReadCommandFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, HandleNotificationEnable, handle)
	testutils.NewHexAsserter(t).Assert(payload[2:], "01 00")

	_, _, err = ReadCommandFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestCommandFrameTruncated(t *testing.T) {
	_, _, err := ReadCommandFrame(bytes.NewReader([]byte{0x0E, 0x05, 0x05, 0x00}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestNotificationStream(t *testing.T) {
	var buf bytes.Buffer
	ack := ExtSrvConnectedAck{Port: PortB}.Payload()
	require.NoError(t, WriteNotification(&buf, ack))

	// The length byte is written twice: once as frame header, once as the
	// first byte of the LWP message.
	testutils.NewHexAsserter(t).Assert(buf.Bytes(), "05 05 00 5C 01 03")

	payload, err := ReadNotification(&buf)
	require.NoError(t, err)
	msg, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, ExtServerNotification{Port: PortB, Event: ExtSrvConnected}, msg)
}

func TestFrameTooLong(t *testing.T) {
	err := WriteNotification(io.Discard, make([]byte, 256))
	assert.True(t, errors.Is(err, ErrFrameTooLong))

	err = WriteCommand(io.Discard, WriteDirect{Port: PortA, Data: make([]byte, 300)})
	assert.True(t, errors.Is(err, ErrFrameTooLong))
}

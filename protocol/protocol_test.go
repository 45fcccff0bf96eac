package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/relaymesh/core"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := &core.LocalMessage{
		Onward:        core.Route{"hop", "echo"},
		Return:        core.Route{"tcp_sender_1", "app"},
		Payload:       []byte("hello"),
		FlowControlID: "local-only",
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FrameFromMessage(msg), 0))
	require.NoError(t, WriteFrame(&buf, &Frame{
		Onward:  []string{"app"},
		Failure: &FailureFrame{Address: "gone", Reason: "not_found"},
	}, 0))

	f, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	got := f.Message()
	assert.Equal(t, msg.Onward, got.Onward)
	assert.Equal(t, msg.Return, got.Return)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Empty(t, got.FlowControlID)
	assert.Nil(t, got.Failure)

	f, err = ReadFrame(&buf, 0)
	require.NoError(t, err)
	require.NotNil(t, f.Message().Failure)
	assert.Equal(t, core.Address("gone"), f.Message().Failure.Address)

	_, err = ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameSizeLimit(t *testing.T) {
	big := &Frame{Onward: []string{"x"}, Payload: make([]byte, 256)}

	var buf bytes.Buffer
	assert.ErrorIs(t, WriteFrame(&buf, big, 64), ErrFrameTooLarge)
	assert.Zero(t, buf.Len())

	require.NoError(t, WriteFrame(&buf, big, 0))
	_, err := ReadFrame(&buf, 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, &Frame{Onward: []string{"x"}, Payload: []byte("abc")}, 0))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-1])

	_, err := ReadFrame(truncated, 0)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestMarshalDeterministic(t *testing.T) {
	a, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

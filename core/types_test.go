package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressTransport(t *testing.T) {
	tests := []struct {
		addr      Address
		transport string
		value     string
		local     bool
	}{
		{"echo", "", "echo", true},
		{"tcp#127.0.0.1:4000", "tcp", "127.0.0.1:4000", false},
		{NewTransportAddress("tcp", "host:1"), "tcp", "host:1", false},
		{"#odd", "", "#odd", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.addr), func(t *testing.T) {
			assert.Equal(t, tt.transport, tt.addr.Transport())
			assert.Equal(t, tt.value, tt.addr.Value())
			assert.Equal(t, tt.local, tt.addr.IsLocal())
		})
	}
}

func TestParseRoute(t *testing.T) {
	r, err := ParseRoute("tcp#10.0.0.1:4000 => hop =>  echo")
	require.NoError(t, err)
	assert.Equal(t, Route{"tcp#10.0.0.1:4000", "hop", "echo"}, r)
	assert.Equal(t, "tcp#10.0.0.1:4000 => hop => echo", r.String())

	r, err = ParseRoute("")
	require.NoError(t, err)
	assert.True(t, r.IsEmpty())

	_, err = ParseRoute("a => => b")
	assert.Error(t, err)
}

func TestRouteStepDoesNotAlias(t *testing.T) {
	r := NewRoute("a", "b", "c")

	next, rest, ok := r.Step()
	require.True(t, ok)
	assert.Equal(t, Address("a"), next)
	assert.Equal(t, Route{"b", "c"}, rest)

	rest[0] = "x"
	assert.Equal(t, Route{"a", "b", "c"}, r)

	_, _, ok = Route{}.Step()
	assert.False(t, ok)

	assert.Equal(t, Route{"z", "a", "b", "c"}, r.Prepend("z"))
	assert.Equal(t, Route{"a", "b", "c", "z"}, r.Append("z"))
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, Address("c"), last)
}

func TestMessageClone(t *testing.T) {
	msg := &LocalMessage{
		Onward:  Route{"a"},
		Return:  Route{"b"},
		Payload: []byte("hi"),
		Failure: &DeliveryFailure{Address: "a", Reason: "gone"},
	}
	c := msg.Clone()
	c.Payload[0] = 'H'
	c.Onward[0] = "x"
	c.Failure.Reason = "changed"

	assert.Equal(t, "hi", string(msg.Payload))
	assert.Equal(t, Address("a"), msg.Onward[0])
	assert.Equal(t, "gone", msg.Failure.Reason)
}

func TestMailboxDefaultCapacityFIFO(t *testing.T) {
	mb := NewMailbox(0, nil)
	require.Equal(t, DefaultMailboxSize, mb.Cap())

	ctx := context.Background()
	for i := 0; i < DefaultMailboxSize; i++ {
		require.NoError(t, mb.Enqueue(ctx, &LocalMessage{Payload: []byte{byte(i)}}))
	}
	assert.Equal(t, DefaultMailboxSize, mb.Len())

	for i := 0; i < DefaultMailboxSize; i++ {
		msg, err := mb.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, byte(i), msg.Payload[0])
	}
}

func TestMailboxBackpressure(t *testing.T) {
	mb := NewMailbox(1, nil)
	require.NoError(t, mb.Enqueue(context.Background(), &LocalMessage{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mb.Enqueue(ctx, &LocalMessage{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A waiting producer proceeds once the consumer makes room.
	done := make(chan error, 1)
	go func() {
		done <- mb.Enqueue(context.Background(), &LocalMessage{Payload: []byte("second")})
	}()
	_, err = mb.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-done)

	msg, err := mb.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", string(msg.Payload))
}

func TestMailboxStopped(t *testing.T) {
	done := make(chan struct{})
	mb := NewMailbox(1, done)
	require.NoError(t, mb.Enqueue(context.Background(), &LocalMessage{}))

	blocked := make(chan error, 1)
	go func() {
		blocked <- mb.Enqueue(context.Background(), &LocalMessage{})
	}()
	close(done)

	assert.ErrorIs(t, <-blocked, ErrRelayStopped)
	assert.ErrorIs(t, mb.Enqueue(context.Background(), &LocalMessage{}), ErrRelayStopped)
}

func TestShutdownPairSingleUse(t *testing.T) {
	handle, listener := NewShutdownPair()

	signal, ack := listener.Consume()
	requirePanicsWith(t, ErrReuseViolation, func() { listener.Consume() })

	assert.False(t, handle.Signaled())
	ackCh := handle.Signal()
	assert.True(t, handle.Signaled())
	requirePanicsWith(t, ErrReuseViolation, func() { handle.Signal() })

	<-signal
	ack <- struct{}{}
	<-ackCh
}

func TestShutdownPairNeverBlocks(t *testing.T) {
	handle, listener := NewShutdownPair()

	// Ack before anyone waits, signal before anyone listens.
	_, ack := listener.Consume()
	ack <- struct{}{}
	ackCh := handle.Signal()

	select {
	case <-ackCh:
	case <-time.After(testTimeout):
		t.Fatal("buffered ack not observed")
	}
}

package core

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestNode(t *testing.T, opts ...NodeOption) *Node {
	t.Helper()
	n := NewNode(append([]NodeOption{WithLogger(discardLogger())}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.Shutdown(ctx)
	})
	return n
}

// newSink registers a bare mailbox at addr so tests can observe what the
// router delivers there.
func newSink(t *testing.T, n *Node, addr Address) *Mailbox {
	t.Helper()
	mb := NewMailbox(DefaultMailboxSize, nil)
	require.NoError(t, n.Router().Register(addr, mb))
	return mb
}

func receive(t *testing.T, mb *Mailbox) *LocalMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := mb.Dequeue(ctx)
	require.NoError(t, err, "no message within %s", testTimeout)
	return msg
}

func requireNothing(t *testing.T, mb *Mailbox) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	msg, err := mb.Dequeue(ctx)
	require.Error(t, err, "unexpected message %+v", msg)
}

func requirePanicsWith(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.ErrorIs(t, err, target)
	}()
	fn()
}

// recorder is a worker that publishes every message it handles.
type recorder struct {
	BaseActor
	got chan *LocalMessage
}

func newRecorder() *recorder {
	return &recorder{got: make(chan *LocalMessage, 64)}
}

func (r *recorder) HandleMessage(_ *Context, msg *LocalMessage) error {
	r.got <- msg
	return nil
}

func (r *recorder) next(t *testing.T) *LocalMessage {
	t.Helper()
	select {
	case msg := <-r.got:
		return msg
	case <-time.After(testTimeout):
		t.Fatalf("no message within %s", testTimeout)
		return nil
	}
}

type echoWorker struct {
	BaseActor
}

func (echoWorker) HandleMessage(ctx *Context, msg *LocalMessage) error {
	return ctx.Reply(msg, msg.Payload)
}

type forwarder struct {
	BaseActor
}

func (forwarder) HandleMessage(ctx *Context, msg *LocalMessage) error {
	return ctx.Forward(msg)
}

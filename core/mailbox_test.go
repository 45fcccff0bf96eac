package core

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxFIFO(t *testing.T) {
	mb := NewMailbox(4, nil)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, mb.Enqueue(ctx, &LocalMessage{Payload: []byte(strconv.Itoa(i))}))
	}
	assert.Equal(t, 4, mb.Len())
	for i := 0; i < 4; i++ {
		msg, err := mb.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), string(msg.Payload))
	}
}

func TestMailboxEnqueueAfterDone(t *testing.T) {
	done := make(chan struct{})
	mb := NewMailbox(8, done)
	close(done)

	for i := 0; i < 16; i++ {
		assert.ErrorIs(t, mb.Enqueue(context.Background(), &LocalMessage{}), ErrRelayStopped)
	}
}

func TestMailboxEnqueueFullRespectsContext(t *testing.T) {
	mb := NewMailbox(1, nil)
	require.NoError(t, mb.Enqueue(context.Background(), &LocalMessage{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, mb.Enqueue(ctx, &LocalMessage{}), context.Canceled)
}

func TestSendPreservesOrder(t *testing.T) {
	const total = 1000
	n := newTestNode(t)
	rec := &recorder{got: make(chan *LocalMessage, total)}
	require.NoError(t, n.Spawn("ordered", rec))

	for i := 0; i < total; i++ {
		send(t, n, "ordered", strconv.Itoa(i))
	}
	for i := 0; i < total; i++ {
		require.Equal(t, strconv.Itoa(i), string(rec.next(t).Payload))
	}
}

func TestMailboxBlockedEnqueueFailsWhenDone(t *testing.T) {
	done := make(chan struct{})
	mb := NewMailbox(1, done)
	require.NoError(t, mb.Enqueue(context.Background(), &LocalMessage{}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- mb.Enqueue(context.Background(), &LocalMessage{})
	}()
	close(done)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrRelayStopped)
	case <-time.After(testTimeout):
		t.Fatal("enqueue still blocked after done closed")
	}
}

package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/relaymesh/core"
)

const testTimeout = 2 * time.Second

func newTestNode(t *testing.T) *core.Node {
	t.Helper()
	node := core.NewNode(core.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		node.Shutdown(ctx)
	})
	return node
}

func sink(t *testing.T, node *core.Node, addr core.Address) *core.Mailbox {
	t.Helper()
	mb := core.NewMailbox(32, nil)
	require.NoError(t, node.Router().Register(addr, mb))
	return mb
}

func receive(t *testing.T, mb *core.Mailbox) *core.LocalMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := mb.Dequeue(ctx)
	require.NoError(t, err, "no message received")
	return msg
}

func send(t *testing.T, node *core.Node, onward, ret core.Route, payload string) {
	t.Helper()
	require.NoError(t, node.Send(context.Background(), &core.LocalMessage{
		Onward:  onward,
		Return:  ret,
		Payload: []byte(payload),
	}))
}

func TestEchoer(t *testing.T) {
	node := newTestNode(t)
	require.NoError(t, node.Spawn("echo", Echoer{}))
	caller := sink(t, node, "caller")

	send(t, node, core.Route{"echo"}, core.Route{"caller"}, "ping")
	reply := receive(t, caller)
	assert.Equal(t, []byte("ping"), reply.Payload)
	assert.Equal(t, core.Route{"echo"}, reply.Return)
}

func TestUppercase(t *testing.T) {
	node := newTestNode(t)
	require.NoError(t, node.Spawn("uppercase", Uppercase{}))
	caller := sink(t, node, "caller")

	send(t, node, core.Route{"uppercase"}, core.Route{"caller"}, "hello")
	assert.Equal(t, []byte("HELLO"), receive(t, caller).Payload)
}

func TestHopChain(t *testing.T) {
	node := newTestNode(t)
	require.NoError(t, node.Spawn("hop1", Hop{}))
	require.NoError(t, node.Spawn("hop2", Hop{}))
	require.NoError(t, node.Spawn("uppercase", Uppercase{}))
	caller := sink(t, node, "caller")

	send(t, node, core.Route{"hop1", "hop2", "uppercase"}, core.Route{"caller"}, "via hops")
	reply := receive(t, caller)
	assert.Equal(t, []byte("VIA HOPS"), reply.Payload)
	assert.Equal(t, core.Route{"hop1", "hop2", "uppercase"}, reply.Return)
}

func TestServicesSurviveBadInput(t *testing.T) {
	node := newTestNode(t)
	require.NoError(t, node.Spawn("echo", Echoer{}))
	require.NoError(t, node.Spawn("hop", Hop{}))
	caller := sink(t, node, "caller")

	// No return route, a route into nowhere and a failure notice.
	send(t, node, core.Route{"echo"}, nil, "lost")
	send(t, node, core.Route{"echo"}, core.Route{"missing"}, "undeliverable reply")
	send(t, node, core.Route{"hop"}, core.Route{"caller"}, "nowhere to go")
	send(t, node, core.Route{"hop", "missing"}, core.Route{"caller"}, "dead end")
	require.NoError(t, node.Send(context.Background(), &core.LocalMessage{
		Onward:  core.Route{"echo"},
		Return:  core.Route{"caller"},
		Failure: &core.DeliveryFailure{Address: "missing", Reason: "not_found"},
	}))

	send(t, node, core.Route{"hop", "echo"}, core.Route{"caller"}, "still alive")
	reply := receive(t, caller)
	assert.Equal(t, []byte("still alive"), reply.Payload)
	assert.True(t, node.Router().Lookup("echo"))
	assert.True(t, node.Router().Lookup("hop"))
}

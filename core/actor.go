package core

import (
	"context"
	"log/slog"
)

// Context is handed to an actor on every lifecycle call. It carries the
// actor's address, its mailbox and a reference to the owning node.
type Context struct {
	node    *Node
	address Address
	mailbox *Mailbox
	logger  *slog.Logger

	// flowID tags every message this actor emits; empty for actors that
	// were not spawned on behalf of a flow
	flowID FlowControlID

	// ctx is the context of the current lifecycle phase
	ctx context.Context
}

// Address returns the address of the actor.
func (c *Context) Address() Address {
	return c.address
}

// Node returns the node the actor runs on.
func (c *Context) Node() *Node {
	return c.node
}

// Logger returns a logger annotated with the actor's address.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// FlowControlID returns the flow this actor emits messages for.
func (c *Context) FlowControlID() FlowControlID {
	return c.flowID
}

// Context returns the context of the running phase. It is cancelled when
// a shutdown has been requested, which lets blocking calls return at the
// next step boundary.
func (c *Context) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Send routes payload along route with this actor as the return route.
func (c *Context) Send(route Route, payload []byte) error {
	return c.node.router.Route(c.Context(), &LocalMessage{
		Onward:        route.Clone(),
		Return:        Route{c.address},
		Payload:       payload,
		FlowControlID: c.flowID,
	})
}

// Forward passes msg along its remaining onward route, adding this actor
// to the return route.
func (c *Context) Forward(msg *LocalMessage) error {
	out := msg.Clone()
	out.Return = msg.Return.Prepend(c.address)
	out.FlowControlID = c.flowID
	return c.node.router.Route(c.Context(), out)
}

// Reply sends payload back along the return route of msg.
func (c *Context) Reply(msg *LocalMessage, payload []byte) error {
	return c.Send(msg.Return, payload)
}

// Receive waits for the next message in the actor's own mailbox. It is
// intended for processors; workers get their messages via HandleMessage.
func (c *Context) Receive() (*LocalMessage, error) {
	return c.mailbox.Dequeue(c.Context())
}

// Spawn starts another actor on the same node.
func (c *Context) Spawn(addr Address, actor Actor, opts ...SpawnOption) error {
	return c.node.Spawn(addr, actor, opts...)
}

package core

import (
	"context"
)

// Actor is the lifecycle contract shared by every unit of computation a
// relay can own. Concrete actors implement exactly one of Worker or
// Processor.
type Actor interface {
	// Initialize runs once before the first step.
	// A failure is logged and the relay still enters its run phase.
	Initialize(ctx *Context) error

	// Shutdown runs once after the last step, whatever stopped the relay.
	Shutdown(ctx *Context) error
}

// Worker is a message-driven actor. HandleMessage is called once per
// message, in mailbox order.
type Worker interface {
	Actor

	// HandleMessage processes a single message.
	// Returning an error stops the relay.
	HandleMessage(ctx *Context, msg *LocalMessage) error
}

// Processor is a self-driven actor. Process is called repeatedly until it
// returns false or an error.
type Processor interface {
	Actor

	// Process runs one unit of work and reports whether to continue.
	Process(ctx *Context) (bool, error)
}

// TransportRouter resolves hops that belong to a transport. The message is
// handed over with its onward route unchanged; the first hop is the
// transport address.
type TransportRouter interface {
	// Type returns the transport prefix this router resolves, e.g. "tcp".
	Type() string

	// Route delivers msg over the transport.
	Route(ctx context.Context, msg *LocalMessage) error
}

// BaseActor provides no-op lifecycle hooks for embedding.
type BaseActor struct{}

// Initialize does nothing.
func (BaseActor) Initialize(*Context) error { return nil }

// Shutdown does nothing.
func (BaseActor) Shutdown(*Context) error { return nil }

package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"

	"github.com/najoast/relaymesh/metrics"
)

// Node is the runtime context shared by every relay of one process: the
// router, the flow-control tables and the relays' lifetimes.
type Node struct {
	router      *Router
	flows       *FlowControls
	logger      *slog.Logger
	metrics     *metrics.Metrics
	mailboxSize int

	mu      sync.RWMutex
	stopped bool

	// Wait group for relays and their forwarders
	wg sync.WaitGroup
}

// NodeOption configures a Node.
type NodeOption func(*nodeOptions)

type nodeOptions struct {
	logger              *slog.Logger
	metrics             *metrics.Metrics
	mailboxSize         int
	reportUndeliverable bool
}

// WithLogger sets the logger relays and the router log to.
func WithLogger(logger *slog.Logger) NodeOption {
	return func(o *nodeOptions) {
		o.logger = logger
	}
}

// WithMetrics records node activity on m.
func WithMetrics(m *metrics.Metrics) NodeOption {
	return func(o *nodeOptions) {
		o.metrics = m
	}
}

// WithMailboxSize overrides DefaultMailboxSize.
func WithMailboxSize(size int) NodeOption {
	return func(o *nodeOptions) {
		o.mailboxSize = size
	}
}

// WithReportUndeliverable routes delivery failure notices back to the
// senders of undeliverable messages.
func WithReportUndeliverable(enabled bool) NodeOption {
	return func(o *nodeOptions) {
		o.reportUndeliverable = enabled
	}
}

// SpawnOption configures a single spawned actor.
type SpawnOption func(*spawnOptions)

type spawnOptions struct {
	flowID FlowControlID
}

// WithFlowControlID tags every message the actor emits with id.
func WithFlowControlID(id FlowControlID) SpawnOption {
	return func(o *spawnOptions) {
		o.flowID = id
	}
}

// NewNode creates a node with an empty router.
func NewNode(opts ...NodeOption) *Node {
	o := nodeOptions{mailboxSize: DefaultMailboxSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.mailboxSize <= 0 {
		o.mailboxSize = DefaultMailboxSize
	}

	flows := NewFlowControls()
	router := NewRouter(flows, o.logger, o.metrics)
	router.SetReportUndeliverable(o.reportUndeliverable)

	return &Node{
		router:      router,
		flows:       flows,
		logger:      o.logger,
		metrics:     o.metrics,
		mailboxSize: o.mailboxSize,
	}
}

// Router returns the node's router.
func (n *Node) Router() *Router {
	return n.router
}

// FlowControls returns the node's admission table.
func (n *Node) FlowControls() *FlowControls {
	return n.flows
}

// Logger returns the node logger.
func (n *Node) Logger() *slog.Logger {
	return n.logger
}

// Metrics returns the node's collectors, or nil.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Spawn starts actor at addr. The actor must implement Worker or
// Processor; a value implementing both runs as a Worker.
func (n *Node) Spawn(addr Address, actor Actor, opts ...SpawnOption) error {
	switch actor.(type) {
	case Worker, Processor:
	default:
		return fmt.Errorf("%w: %T", ErrInvalidActor, actor)
	}

	var so spawnOptions
	for _, opt := range opts {
		opt(&so)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		return ErrNodeStopped
	}

	done := make(chan struct{})
	inbox := NewMailbox(n.mailboxSize, done)
	mailbox := NewMailbox(n.mailboxSize, done)
	handle, listener := NewShutdownPair()

	entry := &routeEntry{
		address: addr,
		inbox:   inbox,
		handle:  handle,
		done:    done,
	}
	if err := n.router.register(entry); err != nil {
		return err
	}

	logger := n.logger.With("address", string(addr))
	r := &relay{
		actor: actor,
		ctx: &Context{
			node:    n,
			address: addr,
			mailbox: mailbox,
			logger:  logger,
			flowID:  so.flowID,
		},
		mailbox:  mailbox,
		listener: listener,
		entry:    entry,
		router:   n.router,
		logger:   logger,
		metrics:  n.metrics,
	}

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		forwardMailbox(inbox, mailbox, done)
	}()
	go func() {
		defer n.wg.Done()
		r.run()
	}()

	n.metrics.RelayStarted()
	logger.Debug("relay started", "flow_control_id", so.flowID.String())
	return nil
}

// RequestShutdown stops the relay at addr and waits for its
// acknowledgment. Concurrent requests for the same address all return
// once the relay is gone; only the first one signals it.
func (n *Node) RequestShutdown(ctx context.Context, addr Address) error {
	e, ok := n.router.lookup(addr)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAddressNotFound, addr)
	}

	if !e.stopping.CompareAndSwap(false, true) {
		select {
		case <-e.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if e.handle == nil {
		close(e.done)
		n.router.deregisterEntry(e)
		return nil
	}

	ack := e.handle.Signal()
	select {
	case <-ack:
		n.router.deregisterEntry(e)
		return nil
	case <-ctx.Done():
		go func() {
			<-e.done
			n.router.deregisterEntry(e)
		}()
		return ctx.Err()
	}
}

// Send routes msg from outside any actor.
func (n *Node) Send(ctx context.Context, msg *LocalMessage) error {
	return n.router.Route(ctx, msg)
}

// AddConsumerForSpawner authorizes consumer for messages of flow id.
func (n *Node) AddConsumerForSpawner(consumer Address, id FlowControlID, policy FlowControlPolicy) {
	n.flows.AddConsumer(consumer, id, policy)
}

// Shutdown stops every relay and waits for them to exit. No actor can be
// spawned afterwards.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()

	var errs error
	for _, addr := range n.router.Addresses() {
		if err := n.RequestShutdown(ctx, addr); err != nil && !errors.Is(err, ErrAddressNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", addr, err))
		}
	}

	waitCh := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}
	return errs
}

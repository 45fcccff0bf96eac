package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/najoast/relaymesh/metrics"
)

// routeEntry is the router's view of one registered address.
type routeEntry struct {
	address Address
	inbox   *Mailbox

	// handle is nil for mailboxes registered without a relay
	handle *ShutdownHandle

	// done is closed once the relay has acknowledged shutdown
	done chan struct{}

	// stopping is set by the first shutdown requester
	stopping atomic.Bool
}

// Router is the node-wide address table. It resolves routes hop by hop,
// applies flow-control admission and hands remote hops to transports.
type Router struct {
	// Map of Address to *routeEntry
	entries sync.Map

	// Map of transport type to TransportRouter
	transports sync.Map

	flows   *FlowControls
	metrics *metrics.Metrics
	logger  *slog.Logger

	// reportUndeliverable routes a DeliveryFailure back along the return
	// route of messages that cannot be delivered
	reportUndeliverable bool
}

// NewRouter creates a router that consults flows for admission.
func NewRouter(flows *FlowControls, logger *slog.Logger, m *metrics.Metrics) *Router {
	if flows == nil {
		flows = NewFlowControls()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		flows:   flows,
		metrics: m,
		logger:  logger.With("component", "router"),
	}
}

// SetReportUndeliverable enables routing of delivery failure notices.
func (r *Router) SetReportUndeliverable(enabled bool) {
	r.reportUndeliverable = enabled
}

// Register adds a mailbox at addr. It fails with ErrDuplicateAddress if
// the address is taken.
func (r *Router) Register(addr Address, inbox *Mailbox) error {
	return r.register(&routeEntry{address: addr, inbox: inbox, done: make(chan struct{})})
}

func (r *Router) register(e *routeEntry) error {
	if e.address == "" {
		return fmt.Errorf("cannot register empty address")
	}
	if !e.address.IsLocal() {
		return fmt.Errorf("cannot register transport address %s", e.address)
	}
	if _, exists := r.entries.LoadOrStore(e.address, e); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAddress, e.address)
	}
	return nil
}

// Deregister removes addr. Removing an absent address is a no-op.
func (r *Router) Deregister(addr Address) {
	r.entries.Delete(addr)
}

// deregisterEntry removes e only if it is still the current occupant of
// its address.
func (r *Router) deregisterEntry(e *routeEntry) bool {
	return r.entries.CompareAndDelete(e.address, e)
}

func (r *Router) lookup(addr Address) (*routeEntry, bool) {
	v, ok := r.entries.Load(addr)
	if !ok {
		return nil, false
	}
	return v.(*routeEntry), true
}

// Lookup reports whether addr is registered.
func (r *Router) Lookup(addr Address) bool {
	_, ok := r.entries.Load(addr)
	return ok
}

// Addresses returns all registered addresses, sorted.
func (r *Router) Addresses() []Address {
	var out []Address
	r.entries.Range(func(key, _ any) bool {
		out = append(out, key.(Address))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RegisterTransport makes t responsible for addresses of its type.
func (r *Router) RegisterTransport(t TransportRouter) error {
	if _, exists := r.transports.LoadOrStore(t.Type(), t); exists {
		return fmt.Errorf("transport %q already registered", t.Type())
	}
	return nil
}

// DeregisterTransport removes the transport for the given type.
func (r *Router) DeregisterTransport(transportType string) {
	r.transports.Delete(transportType)
}

// FlowControls returns the admission table the router consults.
func (r *Router) FlowControls() *FlowControls {
	return r.flows
}

// Route resolves the next hop of msg. Local messages are admitted,
// stripped of the resolved hop and enqueued, waiting for mailbox
// capacity. Transport hops are admitted the same way and then handed to
// the transport unchanged, so flow-tagged traffic never leaves the node
// unless the transport hop was authorized for its flow.
func (r *Router) Route(ctx context.Context, msg *LocalMessage) error {
	if msg == nil {
		return fmt.Errorf("cannot route nil message")
	}

	next, ok := msg.Onward.Next()
	if !ok {
		return r.undeliverable(ctx, msg, "", metrics.DropEmptyRoute, ErrEmptyRoute)
	}

	if transportType := next.Transport(); transportType != "" {
		v, ok := r.transports.Load(transportType)
		if !ok {
			return r.undeliverable(ctx, msg, next, metrics.DropNoTransport,
				fmt.Errorf("%w: no transport for %s", ErrUndeliverable, next))
		}
		if err := r.admit(next, msg); err != nil {
			return err
		}
		r.metrics.MessageForwarded(transportType)
		return v.(TransportRouter).Route(ctx, msg)
	}

	e, ok := r.lookup(next)
	if !ok {
		return r.undeliverable(ctx, msg, next, metrics.DropNotFound,
			fmt.Errorf("%w: %w %s", ErrUndeliverable, ErrAddressNotFound, next))
	}

	if err := r.admit(next, msg); err != nil {
		return err
	}

	out := msg.Clone()
	_, out.Onward, _ = msg.Onward.Step()

	if err := e.inbox.Enqueue(ctx, out); err != nil {
		if errors.Is(err, ErrRelayStopped) {
			return r.undeliverable(ctx, msg, next, metrics.DropStopped,
				fmt.Errorf("%w: %s is stopped", ErrUndeliverable, next))
		}
		return err
	}
	r.metrics.MessageDelivered()
	return nil
}

// admit checks a flow-tagged msg against the consumers authorized for
// its flow. Denied messages are dropped without a failure notice.
func (r *Router) admit(next Address, msg *LocalMessage) error {
	if msg.FlowControlID == "" || r.flows.Admit(next, msg.FlowControlID) {
		return nil
	}
	r.metrics.MessageDropped(metrics.DropDenied)
	r.logger.Warn("message denied by flow control",
		"address", next, "flow_control_id", msg.FlowControlID)
	return fmt.Errorf("%w: %s not authorized for flow %s", ErrAdmissionDenied, next, msg.FlowControlID)
}

// undeliverable drops msg and, if enabled and possible, routes a failure
// notice back to the sender. Failure notices never produce notices.
func (r *Router) undeliverable(ctx context.Context, msg *LocalMessage, addr Address, reason string, err error) error {
	r.metrics.MessageDropped(reason)
	r.logger.Debug("dropping undeliverable message",
		"address", addr, "reason", reason, "onward", msg.Onward.String())

	if !r.reportUndeliverable || msg.Failure != nil || msg.Return.IsEmpty() {
		return err
	}

	notice := &LocalMessage{
		Onward:  msg.Return.Clone(),
		Failure: &DeliveryFailure{Address: addr, Reason: reason},
	}
	if nerr := r.Route(ctx, notice); nerr != nil {
		r.logger.Debug("failure notice undeliverable", "error", nerr)
	}
	return err
}

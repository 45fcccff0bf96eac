// Package transport bridges nodes over TCP. Hops of the form
// "tcp#host:port" are resolved by the TCPTransport registered on the
// node's router: it dials (or reuses) a connection and hands the message
// to the connection's sender worker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/najoast/relaymesh/config"
	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/metrics"
	"github.com/najoast/relaymesh/protocol"
)

// TCP is the transport type of TCP hops.
const TCP = "tcp"

// stopTimeout bounds how long a connection waits for its peer worker to
// stop.
const stopTimeout = 5 * time.Second

// Address returns the hop that routes to the node listening at hostPort.
func Address(hostPort string) core.Address {
	return core.NewTransportAddress(TCP, hostPort)
}

// TCPTransport owns the TCP listeners and connections of one node.
type TCPTransport struct {
	node    *core.Node
	cfg     config.TCPConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
	// Map of sender address to connection
	connections map[core.Address]*Connection
	// Map of peer host:port to outbound connection
	outbound map[string]*Connection
	// Map of acceptor address to listener
	listeners map[core.Address]*Listener

	dials singleflight.Group
}

// New creates a TCP transport and registers it on the node's router.
// Zero fields of cfg fall back to the defaults.
func New(node *core.Node, cfg config.TCPConfig) (*TCPTransport, error) {
	def := config.DefaultConfig().Transport.TCP
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = def.MaxFrameSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.AcceptRate <= 0 {
		cfg.AcceptRate = def.AcceptRate
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = def.AcceptBurst
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	t := &TCPTransport{
		node:        node,
		cfg:         cfg,
		logger:      node.Logger().With("component", "tcp"),
		metrics:     node.Metrics(),
		connections: make(map[core.Address]*Connection),
		outbound:    make(map[string]*Connection),
		listeners:   make(map[core.Address]*Listener),
	}
	if err := node.Router().RegisterTransport(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Type returns "tcp".
func (t *TCPTransport) Type() string {
	return TCP
}

// Route sends msg to the node behind its first hop. The hop is replaced
// by the connection's sender; the flow id is node-local and dropped.
func (t *TCPTransport) Route(ctx context.Context, msg *core.LocalMessage) error {
	next, rest, ok := msg.Onward.Step()
	if !ok || next.Transport() != TCP {
		return fmt.Errorf("%w: not a tcp hop: %s", core.ErrUndeliverable, next)
	}

	c, err := t.Connect(ctx, next.Value())
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrUndeliverable, err)
	}

	out := msg.Clone()
	out.Onward = rest.Prepend(c.sender)
	out.FlowControlID = ""
	return t.node.Send(ctx, out)
}

// Listen binds a listener on bind. Every connection it accepts tags its
// inbound messages with the listener's flow id, so they only reach actors
// authorized with AddConsumerForSpawner.
func (t *TCPTransport) Listen(ctx context.Context, bind string) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
	}

	l := newListener(t, ln)
	t.mu.Lock()
	t.listeners[l.address] = l
	t.mu.Unlock()

	if err := t.node.Spawn(l.address, &acceptor{l: l}); err != nil {
		ln.Close()
		t.forgetListener(l)
		t.node.FlowControls().RemoveSpawner(l.flowID)
		return nil, err
	}

	t.logger.Info("tcp listener started",
		"address", l.address, "bind", l.SocketAddress(), "flow_control_id", l.flowID)
	return l, nil
}

// Connect returns an open connection to peer, dialing if there is none.
// Concurrent calls for the same peer share one dial.
func (t *TCPTransport) Connect(ctx context.Context, peer string) (*Connection, error) {
	if c := t.cachedConnection(peer); c != nil {
		return c, nil
	}

	v, err, _ := t.dials.Do(peer, func() (any, error) {
		if c := t.cachedConnection(peer); c != nil {
			return c, nil
		}

		dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
		nc, err := dialer.DialContext(ctx, "tcp", peer)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", peer, err)
		}

		c, err := t.startConnection(nc, "", nil)
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		t.outbound[peer] = c
		t.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

func (t *TCPTransport) cachedConnection(peer string) *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.outbound[peer]
	if !ok || c.Closed() {
		return nil
	}
	return c
}

// Connections returns the open connections, sorted by sender address.
func (t *TCPTransport) Connections() []*Connection {
	t.mu.Lock()
	out := make([]*Connection, 0, len(t.connections))
	for _, c := range t.connections {
		out = append(out, c)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].sender < out[j].sender })
	return out
}

// Listeners returns the running listeners, sorted by address.
func (t *TCPTransport) Listeners() []*Listener {
	t.mu.Lock()
	out := make([]*Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		out = append(out, l)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

// StopListener stops the listener at addr. Connections it accepted stay
// open.
func (t *TCPTransport) StopListener(ctx context.Context, addr core.Address) error {
	t.mu.Lock()
	_, ok := t.listeners[addr]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAddressNotFound, addr)
	}
	return t.node.RequestShutdown(ctx, addr)
}

// Close stops every listener and connection and deregisters the
// transport from the router.
func (t *TCPTransport) Close(ctx context.Context) error {
	t.node.Router().DeregisterTransport(TCP)

	var errs error
	for _, l := range t.Listeners() {
		if err := t.stopWorker(ctx, l.address); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	for _, c := range t.Connections() {
		if err := c.Close(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// startConnection spawns the sender and receiver of nc. Inbound
// connections carry the flow id of their listener; outbound ones get a
// fresh flow id.
func (t *TCPTransport) startConnection(nc net.Conn, flowID core.FlowControlID, l *Listener) (*Connection, error) {
	if tc, ok := nc.(*net.TCPConn); ok && t.cfg.KeepAlive {
		tc.SetKeepAlive(true)
		if t.cfg.KeepAliveInterval > 0 {
			tc.SetKeepAlivePeriod(t.cfg.KeepAliveInterval)
		}
	}

	c := newConnection(t, nc, l)
	if l == nil {
		flowID = t.node.FlowControls().NewSpawner(c.receiver)
	}
	c.flowID = flowID

	t.mu.Lock()
	t.connections[c.sender] = c
	t.mu.Unlock()
	if l != nil {
		l.active.Add(1)
	}
	t.metrics.ConnectionOpened()

	if err := t.node.Spawn(c.sender, &sender{c: c}); err != nil {
		c.close()
		return nil, err
	}
	if err := t.node.Spawn(c.receiver, &receiver{c: c}, core.WithFlowControlID(flowID)); err != nil {
		c.close()
		t.stopWorker(context.Background(), c.sender)
		return nil, err
	}

	t.logger.Debug("tcp connection started",
		"peer", c.peer, "sender", c.sender, "receiver", c.receiver,
		"outbound", c.Outbound(), "flow_control_id", flowID)
	return c, nil
}

func (t *TCPTransport) forgetConnection(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connections, c.sender)
	if cur, ok := t.outbound[c.peer]; ok && cur == c {
		delete(t.outbound, c.peer)
	}
}

func (t *TCPTransport) forgetListener(l *Listener) {
	t.mu.Lock()
	delete(t.listeners, l.address)
	t.mu.Unlock()
}

// stopWorker requests shutdown of addr, ignoring workers that are
// already gone.
func (t *TCPTransport) stopWorker(ctx context.Context, addr core.Address) error {
	err := t.node.RequestShutdown(ctx, addr)
	if errors.Is(err, core.ErrAddressNotFound) {
		return nil
	}
	return err
}

func (t *TCPTransport) maxFrameSize() int {
	if t.cfg.MaxFrameSize <= 0 {
		return protocol.DefaultMaxFrameSize
	}
	return t.cfg.MaxFrameSize
}

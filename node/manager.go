// Package node assembles a relaymesh node from its configuration and
// exposes the administrative operations on it: starting services and
// listeners, opening and removing secure channels, stopping workers.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"

	"github.com/najoast/relaymesh/config"
	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/crypt"
	"github.com/najoast/relaymesh/metrics"
	"github.com/najoast/relaymesh/registry"
	"github.com/najoast/relaymesh/securechannel"
	"github.com/najoast/relaymesh/services"
	"github.com/najoast/relaymesh/transport"
)

// Manager owns a node and everything started on it.
type Manager struct {
	cfg      *config.Config
	logger   *slog.Logger
	node     *core.Node
	tcp      *transport.TCPTransport
	registry *registry.Registry
	channels *securechannel.Registry
	metrics  *metrics.Metrics
	keys     *crypt.KeyPair

	mu sync.Mutex
	// services reachable through every TCP listener
	exposed map[core.Address]struct{}
	// services reachable through every secure channel listener
	secured     map[core.Address]struct{}
	scListeners map[core.Address]*securechannel.Listener
	running     bool
}

// New builds a node from cfg. A nil cfg uses the defaults and a nil reg
// creates a fresh registry.
func New(cfg *config.Config, logger *slog.Logger, reg *registry.Registry) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = registry.New()
	}
	logger = logger.With("node", cfg.Node.Name)

	keys, err := loadKeys(cfg.SecureChannel.KeyFile)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	n := core.NewNode(
		core.WithLogger(logger),
		core.WithMetrics(m),
		core.WithMailboxSize(cfg.Node.MailboxSize),
		core.WithReportUndeliverable(cfg.Node.ReportUndeliverable),
	)
	tcp, err := transport.New(n, cfg.Transport.TCP)
	if err != nil {
		n.Shutdown(context.Background())
		return nil, err
	}

	channels := securechannel.NewRegistry()
	channels.SetMetrics(m)

	return &Manager{
		cfg:         cfg,
		logger:      logger,
		node:        n,
		tcp:         tcp,
		registry:    reg,
		channels:    channels,
		metrics:     m,
		keys:        keys,
		exposed:     make(map[core.Address]struct{}),
		secured:     make(map[core.Address]struct{}),
		scListeners: make(map[core.Address]*securechannel.Listener),
	}, nil
}

func loadKeys(path string) (*crypt.KeyPair, error) {
	if path == "" {
		return crypt.GenerateKeyPair()
	}
	keys, err := crypt.LoadOrGenerateKeyPair(path)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return keys, nil
}

// Node returns the underlying node.
func (m *Manager) Node() *core.Node {
	return m.node
}

// Transport returns the TCP transport.
func (m *Manager) Transport() *transport.TCPTransport {
	return m.tcp
}

// Registry returns the service registry.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// SecureChannels returns the secure channel registry.
func (m *Manager) SecureChannels() *securechannel.Registry {
	return m.channels
}

// Metrics returns the node's collectors.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Logger returns the node's logger.
func (m *Manager) Logger() *slog.Logger {
	return m.logger
}

// Identifier returns the identifier of the node's static key.
func (m *Manager) Identifier() crypt.Identifier {
	return m.keys.Identifier()
}

// Start brings up what the configuration asks for: the TCP listener, the
// stock services and the secure channel listener.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("node %s is already running", m.cfg.Node.Name)
	}
	m.running = true
	m.mu.Unlock()

	svc := m.cfg.Services
	starts := []struct {
		cfg   config.ServiceConfig
		start func(core.Address) error
	}{
		{svc.Echoer, m.StartEchoer},
		{svc.Uppercase, m.StartUppercase},
		{svc.Hop, m.StartHop},
	}
	for _, s := range starts {
		if !s.cfg.Enabled {
			continue
		}
		addr := core.Address(s.cfg.Address)
		if err := s.start(addr); err != nil {
			return err
		}
		if s.cfg.AllowFromListener {
			m.expose(addr)
		}
	}

	if sc := m.cfg.SecureChannel; sc.Enabled {
		ids, err := parseIdentifiers(sc.AuthorizedIdentifiers)
		if err != nil {
			return err
		}
		if _, err := m.CreateSecureChannelListener(core.Address(sc.ListenerAddress), ids); err != nil {
			return err
		}
	}

	if bind := m.cfg.Transport.TCP.ListenAddress; bind != "" {
		if _, err := m.CreateTCPListener(ctx, bind); err != nil {
			return err
		}
	}

	m.logger.Info("node started",
		"identifier", m.Identifier().String(),
		"services", len(m.registry.List("")))
	return nil
}

// Run starts the node and blocks until ctx is done or the process is
// interrupted, then shuts the node down within the configured timeout.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return multierr.Append(err, m.shutdownWithTimeout())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		m.logger.Info("context done, shutting down")
	}
	return m.shutdownWithTimeout()
}

func (m *Manager) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Node.ShutdownTimeout)
	defer cancel()
	return m.Shutdown(ctx)
}

// StartEchoer spawns an echoer at addr.
func (m *Manager) StartEchoer(addr core.Address) error {
	return m.startService(addr, registry.KindEchoer, services.Echoer{})
}

// StartUppercase spawns an uppercase responder at addr.
func (m *Manager) StartUppercase(addr core.Address) error {
	return m.startService(addr, registry.KindUppercase, services.Uppercase{})
}

// StartHop spawns a forwarding hop at addr.
func (m *Manager) StartHop(addr core.Address) error {
	return m.startService(addr, registry.KindHop, services.Hop{})
}

// startService spawns actor and makes it reachable through the secure
// channel listeners of the node.
func (m *Manager) startService(addr core.Address, kind registry.Kind, actor core.Actor) error {
	if err := m.node.Spawn(addr, actor); err != nil {
		return fmt.Errorf("start %s: %w", kind, err)
	}
	if err := m.registry.Register(addr, kind, nil); err != nil {
		m.node.RequestShutdown(context.Background(), addr)
		return err
	}

	m.mu.Lock()
	m.secured[addr] = struct{}{}
	scls := make([]*securechannel.Listener, 0, len(m.scListeners))
	for _, l := range m.scListeners {
		scls = append(scls, l)
	}
	m.mu.Unlock()

	for _, l := range scls {
		m.node.AddConsumerForSpawner(addr, l.FlowControlID(), core.AllowMultipleMessages)
	}
	m.logger.Debug("service started", "kind", kind.String(), "address", string(addr))
	return nil
}

// expose lets messages arriving through any TCP listener reach addr.
func (m *Manager) expose(addr core.Address) {
	m.mu.Lock()
	m.exposed[addr] = struct{}{}
	m.mu.Unlock()

	for _, l := range m.tcp.Listeners() {
		m.node.AddConsumerForSpawner(addr, l.FlowControlID(), core.AllowMultipleMessages)
	}
}

// CreateTCPListener listens on bind. Exposed services and the secure
// channel listeners are authorized for the listener's flow.
func (m *Manager) CreateTCPListener(ctx context.Context, bind string) (*transport.Listener, error) {
	l, err := m.tcp.Listen(ctx, bind)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	consumers := make([]core.Address, 0, len(m.exposed)+len(m.scListeners))
	for addr := range m.exposed {
		consumers = append(consumers, addr)
	}
	for addr := range m.scListeners {
		consumers = append(consumers, addr)
	}
	m.mu.Unlock()

	for _, addr := range consumers {
		m.node.AddConsumerForSpawner(addr, l.FlowControlID(), core.AllowMultipleMessages)
	}

	err = m.registry.Register(l.Address(), registry.KindTCPListener, map[string]string{
		"bind":            l.SocketAddress(),
		"flow_control_id": l.FlowControlID().String(),
	})
	if err != nil {
		return nil, multierr.Append(err, m.tcp.StopListener(ctx, l.Address()))
	}
	m.logger.Info("tcp listener started", "bind", l.SocketAddress())
	return l, nil
}

// AddConsumerForSpawner authorizes consumer for messages of flow id.
func (m *Manager) AddConsumerForSpawner(consumer core.Address, id core.FlowControlID, policy core.FlowControlPolicy) {
	m.node.AddConsumerForSpawner(consumer, id, policy)
}

// AllowFromListener authorizes consumer for every message arriving
// through the listener at listenerAddr, which may be a TCP listener or a
// secure channel listener.
func (m *Manager) AllowFromListener(consumer core.Address, listenerAddr core.Address) error {
	m.mu.Lock()
	scl, ok := m.scListeners[listenerAddr]
	m.mu.Unlock()
	if ok {
		m.node.AddConsumerForSpawner(consumer, scl.FlowControlID(), core.AllowMultipleMessages)
		return nil
	}

	for _, l := range m.tcp.Listeners() {
		if l.Address() == listenerAddr {
			m.node.AddConsumerForSpawner(consumer, l.FlowControlID(), core.AllowMultipleMessages)
			return nil
		}
	}
	return fmt.Errorf("%w: listener %s", core.ErrAddressNotFound, listenerAddr)
}

// CreateSecureChannelListener spawns a listener accepting handshakes at
// addr. It is reachable through every TCP listener of the node, and every
// service started by the manager accepts messages from its channels.
func (m *Manager) CreateSecureChannelListener(addr core.Address, authorized []crypt.Identifier) (*securechannel.Listener, error) {
	l, err := securechannel.CreateListener(m.node, addr, m.keys, securechannel.ListenerOptions{
		AuthorizedIdentifiers: authorized,
		Registry:              m.channels,
	})
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(addr, registry.KindSecureChannelListener, map[string]string{
		"identifier":      l.Identifier().String(),
		"flow_control_id": l.FlowControlID().String(),
	}); err != nil {
		m.node.RequestShutdown(context.Background(), addr)
		return nil, err
	}

	m.mu.Lock()
	m.scListeners[addr] = l
	secured := make([]core.Address, 0, len(m.secured))
	for svc := range m.secured {
		secured = append(secured, svc)
	}
	m.mu.Unlock()

	for _, tl := range m.tcp.Listeners() {
		m.node.AddConsumerForSpawner(addr, tl.FlowControlID(), core.AllowMultipleMessages)
	}
	for _, svc := range secured {
		m.node.AddConsumerForSpawner(svc, l.FlowControlID(), core.AllowMultipleMessages)
	}
	m.logger.Info("secure channel listener started",
		"address", string(addr), "authorized", len(authorized))
	return l, nil
}

// CreateSecureChannel performs a handshake with the listener at the end of
// route and registers the resulting channel.
func (m *Manager) CreateSecureChannel(ctx context.Context, route core.Route, authorized []crypt.Identifier) (*securechannel.Channel, error) {
	ch, err := securechannel.Create(ctx, m.node, route, m.keys, securechannel.Options{
		AuthorizedIdentifiers: authorized,
		Timeout:               m.cfg.SecureChannel.HandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := m.RegisterSecureChannel(route, ch, authorized); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.Node.ShutdownTimeout)
		defer cancel()
		return nil, multierr.Append(err, m.stopChannel(stopCtx, ch))
	}
	return ch, nil
}

// RegisterSecureChannel records ch in the secure channel registry.
func (m *Manager) RegisterSecureChannel(route core.Route, ch *securechannel.Channel, authorized []crypt.Identifier) error {
	return m.channels.Insert(route, ch, authorized)
}

// RemoveSecureChannel removes the channel whose encryptor is at encAddr
// and stops its workers. Only the first of concurrent removals stops
// anything; removing an unknown channel is a no-op.
func (m *Manager) RemoveSecureChannel(ctx context.Context, encAddr core.Address) error {
	info, ok := m.channels.Remove(encAddr)
	if !ok {
		return nil
	}
	m.logger.Info("removing secure channel",
		"encryptor", string(encAddr),
		"remote", info.Channel.RemoteIdentifier().String())
	return m.stopChannel(ctx, info.Channel)
}

func (m *Manager) stopChannel(ctx context.Context, ch *securechannel.Channel) error {
	var errs error
	for _, addr := range []core.Address{ch.EncryptorAddress(), ch.DecryptorAddress()} {
		if err := m.node.RequestShutdown(ctx, addr); err != nil && !errors.Is(err, core.ErrAddressNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("stop %s: %w", addr, err))
		}
	}
	// The listener side channel shares its listener's flow.
	if ch.IsInitiator() {
		m.node.FlowControls().RemoveSpawner(ch.FlowControlID())
	}
	if id := ch.InboundFlowControlID(); id != "" {
		m.node.FlowControls().RemoveConsumer(ch.DecryptorAddress(), id)
	}
	return errs
}

// RequestShutdown stops the worker at addr and forgets its registration.
func (m *Manager) RequestShutdown(ctx context.Context, addr core.Address) error {
	if _, ok := m.channels.Get(addr); ok {
		return m.RemoveSecureChannel(ctx, addr)
	}

	m.registry.UpdateStatus(addr, registry.StatusStopping)
	err := m.node.RequestShutdown(ctx, addr)
	if err != nil && !errors.Is(err, core.ErrAddressNotFound) {
		return err
	}
	m.registry.Unregister(addr)

	m.mu.Lock()
	delete(m.exposed, addr)
	delete(m.secured, addr)
	delete(m.scListeners, addr)
	m.mu.Unlock()
	return err
}

// SetAlias names a route so it can be used wherever routes are parsed.
func (m *Manager) SetAlias(alias string, route core.Route) error {
	return m.registry.SetAlias(alias, route)
}

// ResolveRoute parses s as a route. Hops naming an alias are replaced by
// the aliased route.
func (m *Manager) ResolveRoute(s string) (core.Route, error) {
	parsed, err := core.ParseRoute(s)
	if err != nil {
		return nil, err
	}
	out := make(core.Route, 0, len(parsed))
	for _, hop := range parsed {
		if aliased, ok := m.registry.ResolveAlias(string(hop)); ok {
			out = append(out, aliased...)
			continue
		}
		out = append(out, hop)
	}
	return out, nil
}

// Shutdown removes every secure channel, closes the transport and stops
// all remaining workers.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs error
	for _, info := range m.channels.List() {
		errs = multierr.Append(errs, m.RemoveSecureChannel(ctx, info.Channel.EncryptorAddress()))
	}
	errs = multierr.Append(errs, m.tcp.Close(ctx))
	errs = multierr.Append(errs, m.node.Shutdown(ctx))

	for _, svc := range m.registry.List("") {
		m.registry.Unregister(svc.Address)
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	if errs != nil {
		m.logger.Warn("node stopped with errors", "error", errs)
	} else {
		m.logger.Info("node stopped")
	}
	return errs
}

func parseIdentifiers(ids []string) ([]crypt.Identifier, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]crypt.Identifier, 0, len(ids))
	for _, s := range ids {
		id, err := crypt.ParseIdentifier(s)
		if err != nil {
			return nil, fmt.Errorf("authorized identifier %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/relaymesh/config"
	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/crypt"
	"github.com/najoast/relaymesh/logging"
	"github.com/najoast/relaymesh/registry"
	"github.com/najoast/relaymesh/transport"
)

const testTimeout = 2 * time.Second

func newTestManager(t *testing.T, modify func(*config.Config)) *Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SecureChannel.HandshakeTimeout = testTimeout
	if modify != nil {
		modify(cfg)
	}
	m, err := New(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func serverConfig(cfg *config.Config) {
	cfg.Transport.TCP.ListenAddress = "127.0.0.1:0"
	cfg.SecureChannel.Enabled = true
	cfg.Services.Echoer.Enabled = true
	cfg.Services.Uppercase.Enabled = true
	cfg.Services.Uppercase.AllowFromListener = true
}

func sink(t *testing.T, m *Manager, addr core.Address) *core.Mailbox {
	t.Helper()
	mb := core.NewMailbox(32, nil)
	require.NoError(t, m.Node().Router().Register(addr, mb))
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

func requireNothing(t *testing.T, mb *core.Mailbox) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	msg, err := mb.Dequeue(ctx)
	require.Error(t, err, "unexpected message %+v", msg)
}

func send(t *testing.T, m *Manager, onward core.Route, payload string) {
	t.Helper()
	require.NoError(t, m.Node().Send(context.Background(), &core.LocalMessage{
		Onward:  onward,
		Return:  core.Route{"app"},
		Payload: []byte(payload),
	}))
}

func tcpHop(t *testing.T, m *Manager) core.Address {
	t.Helper()
	listeners := m.Transport().Listeners()
	require.Len(t, listeners, 1)
	return transport.Address(listeners[0].SocketAddress())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Node.MailboxSize = 0
	_, err := New(cfg, logging.Discard(), nil)
	assert.ErrorIs(t, err, config.ErrInvalidMailboxSize)
}

func TestStartRegistersConfiguredServices(t *testing.T) {
	m := newTestManager(t, serverConfig)
	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()), "second start")

	kinds := map[registry.Kind]int{}
	for _, svc := range m.Registry().List("") {
		kinds[svc.Kind]++
		assert.Equal(t, registry.StatusRunning, svc.Status)
	}
	assert.Equal(t, map[registry.Kind]int{
		registry.KindEchoer:                1,
		registry.KindUppercase:             1,
		registry.KindTCPListener:           1,
		registry.KindSecureChannelListener: 1,
	}, kinds)

	scl, ok := m.Registry().Get("secure_channel_listener")
	require.True(t, ok)
	assert.Equal(t, m.Identifier().String(), scl.Metadata["identifier"])

	tl := m.Registry().List(registry.KindTCPListener)
	require.Len(t, tl, 1)
	assert.NotEmpty(t, tl[0].Metadata["bind"])
}

func TestKeyFileKeepsIdentity(t *testing.T) {
	path := t.TempDir() + "/node.key"
	first := newTestManager(t, func(cfg *config.Config) { cfg.SecureChannel.KeyFile = path })
	second := newTestManager(t, func(cfg *config.Config) { cfg.SecureChannel.KeyFile = path })
	assert.Equal(t, first.Identifier(), second.Identifier())
	assert.NotEqual(t, first.Identifier(), newTestManager(t, nil).Identifier())
}

func TestTrustBoundaryOverTCP(t *testing.T) {
	server := newTestManager(t, serverConfig)
	require.NoError(t, server.Start(context.Background()))
	client := newTestManager(t, nil)
	app := sink(t, client, "app")
	hop := tcpHop(t, server)

	// The echoer is not exposed on the TCP listener.
	send(t, client, core.Route{hop, "echo"}, "plain")
	requireNothing(t, app)

	// The uppercase responder is.
	send(t, client, core.Route{hop, "uppercase"}, "plain")
	assert.Equal(t, []byte("PLAIN"), receive(t, app).Payload)

	ch, err := client.CreateSecureChannel(context.Background(),
		core.Route{hop, "secure_channel_listener"},
		[]crypt.Identifier{server.Identifier()})
	require.NoError(t, err)
	assert.Equal(t, server.Identifier(), ch.RemoteIdentifier())

	send(t, client, core.Route{ch.EncryptorAddress(), "echo"}, "secret")
	reply := receive(t, app)
	assert.Equal(t, []byte("secret"), reply.Payload)
	assert.Equal(t, core.Route{ch.EncryptorAddress(), "echo"}, reply.Return)

	info, ok := client.SecureChannels().Get(ch.EncryptorAddress())
	require.True(t, ok)
	assert.Equal(t, core.Route{hop, "secure_channel_listener"}, info.Route)
	assert.Equal(t, 1, server.SecureChannels().Len())
}

func TestCreateSecureChannelRejectsUnknownResponder(t *testing.T) {
	m := newTestManager(t, serverConfig)
	require.NoError(t, m.Start(context.Background()))

	other, err := crypt.GenerateKeyPair()
	require.NoError(t, err)
	_, err = m.CreateSecureChannel(context.Background(),
		core.Route{"secure_channel_listener"},
		[]crypt.Identifier{other.Identifier()})
	require.Error(t, err)

	for _, info := range m.SecureChannels().List() {
		assert.False(t, info.Channel.IsInitiator(), "failed channel must not be registered")
	}
}

func TestRemoveSecureChannelOnce(t *testing.T) {
	m := newTestManager(t, serverConfig)
	require.NoError(t, m.Start(context.Background()))

	ch, err := m.CreateSecureChannel(context.Background(), core.Route{"secure_channel_listener"}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, m.SecureChannels().Len(), "both ends live on this node")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.RemoveSecureChannel(context.Background(), ch.EncryptorAddress())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	_, ok := m.SecureChannels().Get(ch.EncryptorAddress())
	assert.False(t, ok)
	assert.Equal(t, 1, m.SecureChannels().Len())
	assert.False(t, m.Node().Router().Lookup(ch.EncryptorAddress()))
	assert.False(t, m.Node().Router().Lookup(ch.DecryptorAddress()))
	_, ok = m.Node().FlowControls().SpawnerFor(ch.FlowControlID())
	assert.False(t, ok)

	assert.NoError(t, m.RemoveSecureChannel(context.Background(), "sc_encryptor_unknown"))
}

func TestRemoveSecureChannelRevokesListenerGrant(t *testing.T) {
	server := newTestManager(t, serverConfig)
	require.NoError(t, server.Start(context.Background()))
	client := newTestManager(t, nil)
	hop := tcpHop(t, server)
	tcpFlow := server.Transport().Listeners()[0].FlowControlID()

	ch, err := client.CreateSecureChannel(context.Background(),
		core.Route{hop, "secure_channel_listener"}, nil)
	require.NoError(t, err)

	list := server.SecureChannels().List()
	require.Len(t, list, 1)
	responder := list[0].Channel
	assert.Equal(t, tcpFlow, responder.InboundFlowControlID())
	assert.Contains(t, server.Node().FlowControls().Consumers(tcpFlow), responder.DecryptorAddress())

	require.NoError(t, server.RemoveSecureChannel(context.Background(), responder.EncryptorAddress()))
	assert.NotContains(t, server.Node().FlowControls().Consumers(tcpFlow), responder.DecryptorAddress())
	assert.True(t, ch.IsInitiator())
	assert.False(t, responder.IsInitiator())
}

func TestAllowFromListener(t *testing.T) {
	server := newTestManager(t, serverConfig)
	require.NoError(t, server.Start(context.Background()))
	require.NoError(t, server.StartHop("hop"))
	client := newTestManager(t, nil)
	app := sink(t, client, "app")
	hop := tcpHop(t, server)

	send(t, client, core.Route{hop, "hop", "echo"}, "denied")
	requireNothing(t, app)

	tl := server.Transport().Listeners()[0]
	require.NoError(t, server.AllowFromListener("hop", tl.Address()))
	assert.ErrorIs(t, server.AllowFromListener("hop", "nowhere"), core.ErrAddressNotFound)

	// Messages forwarded by the hop carry no flow of their own.
	send(t, client, core.Route{hop, "hop", "uppercase"}, "via hop")
	assert.Equal(t, []byte("VIA HOP"), receive(t, app).Payload)
}

func TestRequestShutdownUnregisters(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.StartEchoer("echo"))
	require.NoError(t, m.StartUppercase("upper"))
	assert.Error(t, m.StartEchoer("echo"), "duplicate address")

	require.NoError(t, m.RequestShutdown(context.Background(), "echo"))
	_, ok := m.Registry().Get("echo")
	assert.False(t, ok)
	assert.False(t, m.Node().Router().Lookup("echo"))
	assert.True(t, m.Node().Router().Lookup("upper"))

	err := m.RequestShutdown(context.Background(), "echo")
	assert.ErrorIs(t, err, core.ErrAddressNotFound)
}

func TestResolveRoute(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.SetAlias("server", core.Route{"tcp#127.0.0.1:4000", "hop"}))

	route, err := m.ResolveRoute("server => echo")
	require.NoError(t, err)
	assert.Equal(t, core.Route{"tcp#127.0.0.1:4000", "hop", "echo"}, route)

	_, err = m.ResolveRoute("a => => b")
	assert.Error(t, err)
}

func TestShutdownStopsEverything(t *testing.T) {
	m := newTestManager(t, serverConfig)
	require.NoError(t, m.Start(context.Background()))
	_, err := m.CreateSecureChannel(context.Background(), core.Route{"secure_channel_listener"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	assert.Empty(t, m.Node().Router().Addresses())
	assert.Zero(t, m.SecureChannels().Len())
	assert.Empty(t, m.Transport().Listeners())
	assert.Empty(t, m.Registry().List(""))
	assert.ErrorIs(t, m.StartEchoer("late"), core.ErrNodeStopped)
}

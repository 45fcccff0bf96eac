package securechannel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/crypt"
	"github.com/najoast/relaymesh/protocol"
)

// DefaultHandshakeTimeout bounds Create when Options.Timeout is zero.
const DefaultHandshakeTimeout = 10 * time.Second

const kdfInfo = "relaymesh secure channel v1"

// confirmation is sealed by the responder so the initiator can check that
// both sides derived the same keys.
var confirmation = []byte("relaymesh responder confirmation")

// stopTimeout bounds cleanup of a failed handshake.
const stopTimeout = 5 * time.Second

type helloMessage struct {
	Ephemeral []byte `cbor:"1,keyasint"`
	Static    []byte `cbor:"2,keyasint"`
}

type responseMessage struct {
	Ephemeral []byte `cbor:"1,keyasint"`
	Static    []byte `cbor:"2,keyasint"`
	Decryptor string `cbor:"3,keyasint"`
	Counter   uint64 `cbor:"4,keyasint"`
	Confirm   []byte `cbor:"5,keyasint"`
}

type encryptedMessage struct {
	Counter    uint64 `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

// Options configures the initiating side of a channel.
type Options struct {
	// AuthorizedIdentifiers restricts which responders are accepted
	AuthorizedIdentifiers []crypt.Identifier

	// Timeout bounds the handshake
	Timeout time.Duration
}

// sessionKeys holds one key per direction.
type sessionKeys struct {
	initiatorToResponder []byte
	responderToInitiator []byte
}

// deriveSessionKeys runs HKDF over ee || es || se, salted with both
// ephemeral public keys.
func deriveSessionKeys(ee, es, se, initiatorEphemeral, responderEphemeral []byte) (*sessionKeys, error) {
	secret := make([]byte, 0, 3*crypt.KeySize)
	secret = append(append(append(secret, ee...), es...), se...)
	salt := append(append([]byte{}, initiatorEphemeral...), responderEphemeral...)

	keys, err := crypt.DeriveKeys(secret, salt, kdfInfo, 2)
	if err != nil {
		return nil, err
	}
	return &sessionKeys{initiatorToResponder: keys[0], responderToInitiator: keys[1]}, nil
}

func validKey(k []byte) bool {
	return len(k) == crypt.KeySize
}

type handshakeResult struct {
	channel *Channel
	err     error
}

// initiatorHandshake is the handshake state of an initiating decryptor.
type initiatorHandshake struct {
	route      core.Route
	static     *crypt.KeyPair
	ephemeral  *crypt.KeyPair
	authorized []crypt.Identifier

	result     chan handshakeResult
	resultOnce sync.Once

	// cancelled is set once Create gave up waiting
	cancelled atomic.Bool
}

func (h *initiatorHandshake) finish(res handshakeResult) {
	h.resultOnce.Do(func() {
		h.result <- res
	})
}

func (h *initiatorHandshake) fail(err error) error {
	h.finish(handshakeResult{err: err})
	return err
}

// start sends the hello along the configured route.
func (h *initiatorHandshake) start(ctx *core.Context) error {
	payload, err := protocol.Marshal(helloMessage{
		Ephemeral: h.ephemeral.PublicKey(),
		Static:    h.static.PublicKey(),
	})
	if err != nil {
		return h.fail(fmt.Errorf("%w: encode hello: %w", ErrHandshakeFailed, err))
	}

	err = ctx.Node().Send(ctx.Context(), &core.LocalMessage{
		Onward:  h.route.Clone(),
		Return:  core.Route{ctx.Address()},
		Payload: payload,
	})
	if err != nil {
		return h.fail(fmt.Errorf("%w: send hello: %w", ErrHandshakeFailed, err))
	}
	return nil
}

// complete processes the responder's answer, spawns the encryptor and
// turns d into a regular decryptor.
func (h *initiatorHandshake) complete(ctx *core.Context, d *decryptor, msg *core.LocalMessage) error {
	var resp responseMessage
	if err := protocol.Unmarshal(msg.Payload, &resp); err != nil {
		return h.fail(fmt.Errorf("%w: decode response: %w", ErrHandshakeFailed, err))
	}
	if !validKey(resp.Ephemeral) || !validKey(resp.Static) || resp.Decryptor == "" || msg.Return.IsEmpty() {
		return h.fail(fmt.Errorf("%w: malformed response", ErrHandshakeFailed))
	}

	keys, err := h.deriveKeys(&resp)
	if err != nil {
		return h.fail(fmt.Errorf("%w: %w", ErrHandshakeFailed, err))
	}
	recv, err := crypt.NewCipher(keys.responderToInitiator)
	if err != nil {
		return h.fail(err)
	}
	send, err := crypt.NewCipher(keys.initiatorToResponder)
	if err != nil {
		return h.fail(err)
	}

	confirm, err := recv.Open(resp.Counter, resp.Confirm, nil)
	if err != nil || !bytes.Equal(confirm, confirmation) {
		return h.fail(fmt.Errorf("%w: responder did not authenticate", ErrHandshakeFailed))
	}

	remoteID := crypt.IdentifierFromPublicKey(resp.Static)
	if !Authorizes(h.authorized, remoteID) {
		return h.fail(fmt.Errorf("%w: %s", ErrUnauthorizedIdentifier, remoteID))
	}
	if h.cancelled.Load() {
		return h.fail(ErrHandshakeTimeout)
	}

	// The response came from the responder's listener; its decryptor sits
	// behind the same hops.
	remote := msg.Return[:len(msg.Return)-1].Clone().Append(core.Address(resp.Decryptor))

	ch := &Channel{
		encryptor:   d.encryptor,
		decryptor:   ctx.Address(),
		remoteRoute: remote,
		localID:     h.static.Identifier(),
		remoteID:    remoteID,
		flowID:      ctx.FlowControlID(),
		initiator:   true,
	}
	enc := &encryptor{cipher: send, remote: remote, flowID: ctx.FlowControlID()}
	if err := ctx.Spawn(d.encryptor, enc); err != nil {
		return h.fail(fmt.Errorf("%w: spawn encryptor: %w", ErrHandshakeFailed, err))
	}

	d.cipher = recv
	d.handshake = nil
	h.finish(handshakeResult{channel: ch})

	ctx.Logger().Info("secure channel established",
		"encryptor", ch.encryptor, "remote_identifier", remoteID, "route", remote.String())
	return nil
}

func (h *initiatorHandshake) deriveKeys(resp *responseMessage) (*sessionKeys, error) {
	ee, err := h.ephemeral.SharedSecret(resp.Ephemeral)
	if err != nil {
		return nil, err
	}
	es, err := h.ephemeral.SharedSecret(resp.Static)
	if err != nil {
		return nil, err
	}
	se, err := h.static.SharedSecret(resp.Ephemeral)
	if err != nil {
		return nil, err
	}
	return deriveSessionKeys(ee, es, se, h.ephemeral.PublicKey(), resp.Ephemeral)
}

// Create establishes a channel with the secure channel listener at the
// end of route and waits for the handshake to complete.
func Create(ctx context.Context, node *core.Node, route core.Route, keys *crypt.KeyPair, opts Options) (*Channel, error) {
	if route.IsEmpty() {
		return nil, fmt.Errorf("%w: empty route", ErrHandshakeFailed)
	}
	ephemeral, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	decAddr := core.Address("sc_decryptor_" + id)
	encAddr := core.Address("sc_encryptor_" + id)
	flowID := node.FlowControls().NewSpawner(decAddr)

	hs := &initiatorHandshake{
		route:      route.Clone(),
		static:     keys,
		ephemeral:  ephemeral,
		authorized: opts.AuthorizedIdentifiers,
		result:     make(chan handshakeResult, 1),
	}
	if err := node.Spawn(decAddr, &decryptor{encryptor: encAddr, handshake: hs}, core.WithFlowControlID(flowID)); err != nil {
		node.FlowControls().RemoveSpawner(flowID)
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case res := <-hs.result:
		if res.err != nil {
			abort(node, flowID, decAddr)
			return nil, res.err
		}
		return res.channel, nil
	case <-hctx.Done():
		hs.cancelled.Store(true)
		abort(node, flowID, decAddr)
		// The step in flight when we gave up may still have spawned the
		// encryptor.
		select {
		case res := <-hs.result:
			if res.err == nil {
				abort(node, "", res.channel.encryptor)
			}
		default:
		}
		return nil, fmt.Errorf("%w: %s", ErrHandshakeTimeout, route)
	}
}

// abort stops the given workers and forgets flowID.
func abort(node *core.Node, flowID core.FlowControlID, addrs ...core.Address) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for _, addr := range addrs {
		if err := node.RequestShutdown(ctx, addr); err != nil && !errors.Is(err, core.ErrAddressNotFound) {
			node.Logger().Warn("failed to stop secure channel worker", "address", addr, "error", err)
		}
	}
	if flowID != "" {
		node.FlowControls().RemoveSpawner(flowID)
	}
}

// ListenerOptions configures a secure channel listener.
type ListenerOptions struct {
	// AuthorizedIdentifiers restricts which initiators are accepted
	AuthorizedIdentifiers []crypt.Identifier

	// Registry, if set, receives every channel the listener accepts
	Registry *Registry
}

// Listener answers handshakes. It is the spawner of the responder side
// of every channel it accepts: their decryptors tag their output with the
// listener's flow id.
type Listener struct {
	address core.Address
	flowID  core.FlowControlID
	keys    *crypt.KeyPair
	opts    ListenerOptions
}

// CreateListener starts a secure channel listener at addr.
func CreateListener(node *core.Node, addr core.Address, keys *crypt.KeyPair, opts ListenerOptions) (*Listener, error) {
	l := &Listener{
		address: addr,
		flowID:  node.FlowControls().NewSpawner(addr),
		keys:    keys,
		opts:    opts,
	}
	if err := node.Spawn(addr, &listenerWorker{l: l}); err != nil {
		node.FlowControls().RemoveSpawner(l.flowID)
		return nil, err
	}
	return l, nil
}

// Address returns the listener's address.
func (l *Listener) Address() core.Address {
	return l.address
}

// FlowControlID returns the flow id of the channels the listener accepts.
func (l *Listener) FlowControlID() core.FlowControlID {
	return l.flowID
}

// Identifier returns the identifier the listener authenticates as.
func (l *Listener) Identifier() crypt.Identifier {
	return l.keys.Identifier()
}

type listenerWorker struct {
	core.BaseActor
	l *Listener
}

func (w *listenerWorker) HandleMessage(ctx *core.Context, msg *core.LocalMessage) error {
	var hello helloMessage
	if err := protocol.Unmarshal(msg.Payload, &hello); err != nil || !validKey(hello.Ephemeral) || !validKey(hello.Static) {
		ctx.Logger().Warn("dropping malformed handshake", "return", msg.Return.String())
		return nil
	}
	if msg.Return.IsEmpty() {
		ctx.Logger().Warn("dropping handshake without return route")
		return nil
	}

	remoteID := crypt.IdentifierFromPublicKey(hello.Static)
	if !Authorizes(w.l.opts.AuthorizedIdentifiers, remoteID) {
		ctx.Logger().Warn("rejecting unauthorized initiator", "identifier", remoteID)
		return nil
	}

	ch, err := w.accept(ctx, msg, &hello, remoteID)
	if err != nil {
		ctx.Logger().Warn("secure channel handshake failed", "identifier", remoteID, "error", err)
		return nil
	}
	ctx.Logger().Info("secure channel accepted",
		"encryptor", ch.encryptor, "remote_identifier", remoteID)
	return nil
}

func (w *listenerWorker) accept(ctx *core.Context, msg *core.LocalMessage, hello *helloMessage, remoteID crypt.Identifier) (*Channel, error) {
	ephemeral, err := crypt.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ee, err := ephemeral.SharedSecret(hello.Ephemeral)
	if err != nil {
		return nil, err
	}
	es, err := w.l.keys.SharedSecret(hello.Ephemeral)
	if err != nil {
		return nil, err
	}
	se, err := ephemeral.SharedSecret(hello.Static)
	if err != nil {
		return nil, err
	}
	keys, err := deriveSessionKeys(ee, es, se, hello.Ephemeral, ephemeral.PublicKey())
	if err != nil {
		return nil, err
	}
	send, err := crypt.NewCipher(keys.responderToInitiator)
	if err != nil {
		return nil, err
	}
	recv, err := crypt.NewCipher(keys.initiatorToResponder)
	if err != nil {
		return nil, err
	}
	counter, confirm, err := send.Seal(confirmation, nil)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	remote := msg.Return.Clone()
	ch := &Channel{
		encryptor:     core.Address("sc_encryptor_" + id),
		decryptor:     core.Address("sc_decryptor_" + id),
		remoteRoute:   remote,
		localID:       w.l.keys.Identifier(),
		remoteID:      remoteID,
		flowID:        w.l.flowID,
		inboundFlowID: msg.FlowControlID,
	}

	// The peer's ciphertext arrives through the same flow as its hello.
	flows := ctx.Node().FlowControls()
	if msg.FlowControlID != "" {
		flows.AddConsumer(ch.decryptor, msg.FlowControlID, core.AllowMultipleMessages)
	}
	dec := &decryptor{cipher: recv, encryptor: ch.encryptor}
	if err := ctx.Spawn(ch.decryptor, dec, core.WithFlowControlID(w.l.flowID)); err != nil {
		flows.RemoveConsumer(ch.decryptor, msg.FlowControlID)
		return nil, err
	}
	if err := ctx.Spawn(ch.encryptor, &encryptor{cipher: send, remote: remote}); err != nil {
		abort(ctx.Node(), "", ch.decryptor)
		flows.RemoveConsumer(ch.decryptor, msg.FlowControlID)
		return nil, err
	}

	if w.l.opts.Registry != nil {
		if err := w.l.opts.Registry.Insert(remote, ch, w.l.opts.AuthorizedIdentifiers); err != nil {
			abort(ctx.Node(), "", ch.encryptor, ch.decryptor)
			return nil, err
		}
	}

	payload, err := protocol.Marshal(responseMessage{
		Ephemeral: ephemeral.PublicKey(),
		Static:    w.l.keys.PublicKey(),
		Decryptor: string(ch.decryptor),
		Counter:   counter,
		Confirm:   confirm,
	})
	if err != nil {
		return nil, err
	}
	err = ctx.Node().Send(ctx.Context(), &core.LocalMessage{
		Onward:  remote.Clone(),
		Return:  core.Route{ctx.Address()},
		Payload: payload,
	})
	if err != nil {
		if w.l.opts.Registry != nil {
			w.l.opts.Registry.Remove(ch.encryptor)
		}
		abort(ctx.Node(), "", ch.encryptor, ch.decryptor)
		return nil, fmt.Errorf("send response: %w", err)
	}
	return ch, nil
}

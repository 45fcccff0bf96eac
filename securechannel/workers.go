package securechannel

import (
	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/crypt"
	"github.com/najoast/relaymesh/protocol"
)

// encryptor seals every message it receives and sends it to the peer's
// decryptor. The remaining onward route travels inside the ciphertext.
type encryptor struct {
	core.BaseActor
	cipher *crypt.Cipher
	remote core.Route

	// flowID is the initiator's channel flow; empty on the responder side
	flowID core.FlowControlID
}

func (e *encryptor) HandleMessage(ctx *core.Context, msg *core.LocalMessage) error {
	// Replies coming back through the channel may only reach the actor
	// that sent through it.
	if e.flowID != "" {
		if first, ok := msg.Return.Next(); ok && first.IsLocal() {
			flows := ctx.Node().FlowControls()
			if !flows.IsConsumer(first, e.flowID) {
				flows.AddConsumer(first, e.flowID, core.AllowMultipleMessages)
			}
		}
	}

	plaintext, err := protocol.Marshal(protocol.FrameFromMessage(msg))
	if err != nil {
		ctx.Logger().Warn("dropping unencodable message", "error", err)
		return nil
	}
	counter, ciphertext, err := e.cipher.Seal(plaintext, nil)
	if err != nil {
		return err
	}
	payload, err := protocol.Marshal(encryptedMessage{Counter: counter, Ciphertext: ciphertext})
	if err != nil {
		return err
	}

	err = ctx.Node().Send(ctx.Context(), &core.LocalMessage{
		Onward:  e.remote.Clone(),
		Return:  core.Route{ctx.Address()},
		Payload: payload,
	})
	if err != nil {
		ctx.Logger().Debug("secure channel peer unreachable", "route", e.remote.String(), "error", err)
	}
	return nil
}

// decryptor opens the peer's messages and routes them locally, with the
// paired encryptor as first return hop. On the initiating side it runs
// the handshake first.
type decryptor struct {
	core.BaseActor
	cipher    *crypt.Cipher
	encryptor core.Address

	// handshake is set until the initiator handshake completes
	handshake *initiatorHandshake
}

func (d *decryptor) Initialize(ctx *core.Context) error {
	if d.handshake != nil {
		return d.handshake.start(ctx)
	}
	return nil
}

func (d *decryptor) HandleMessage(ctx *core.Context, msg *core.LocalMessage) error {
	if d.handshake != nil {
		return d.handshake.complete(ctx, d, msg)
	}

	var em encryptedMessage
	if err := protocol.Unmarshal(msg.Payload, &em); err != nil {
		ctx.Logger().Warn("dropping malformed ciphertext", "error", err)
		return nil
	}
	plaintext, err := d.cipher.Open(em.Counter, em.Ciphertext, nil)
	if err != nil {
		ctx.Logger().Warn("dropping message that failed authentication", "error", err)
		return nil
	}

	var f protocol.Frame
	if err := protocol.Unmarshal(plaintext, &f); err != nil {
		ctx.Logger().Warn("dropping malformed plaintext", "error", err)
		return nil
	}

	out := f.Message()
	out.Return = out.Return.Prepend(d.encryptor)
	out.FlowControlID = ctx.FlowControlID()
	if err := ctx.Node().Send(ctx.Context(), out); err != nil {
		ctx.Logger().Debug("dropping decrypted message", "onward", out.Onward.String(), "error", err)
	}
	return nil
}

// Package services holds the stock workers a node can start: an echoer,
// an uppercase responder and a hop that forwards messages onwards.
package services

import (
	"bytes"

	"github.com/najoast/relaymesh/core"
)

// Echoer replies to every message with its payload.
type Echoer struct {
	core.BaseActor
}

func (Echoer) HandleMessage(ctx *core.Context, msg *core.LocalMessage) error {
	reply(ctx, msg, msg.Payload)
	return nil
}

// Uppercase replies with the payload converted to upper case.
type Uppercase struct {
	core.BaseActor
}

func (Uppercase) HandleMessage(ctx *core.Context, msg *core.LocalMessage) error {
	reply(ctx, msg, bytes.ToUpper(msg.Payload))
	return nil
}

// Hop forwards every message along its remaining onward route and adds
// itself to the return route, so replies come back the same way.
type Hop struct {
	core.BaseActor
}

func (Hop) HandleMessage(ctx *core.Context, msg *core.LocalMessage) error {
	if msg.Onward.IsEmpty() {
		ctx.Logger().Debug("dropping message without onward route", "return", msg.Return.String())
		return nil
	}
	if err := ctx.Forward(msg); err != nil {
		ctx.Logger().Debug("forward failed", "onward", msg.Onward.String(), "error", err)
	}
	return nil
}

// reply answers msg unless it is a failure notice or has nowhere to go.
// Delivery problems are logged and never stop the service.
func reply(ctx *core.Context, msg *core.LocalMessage, payload []byte) {
	if msg.Failure != nil {
		ctx.Logger().Debug("ignoring delivery failure",
			"address", msg.Failure.Address, "reason", msg.Failure.Reason)
		return
	}
	if msg.Return.IsEmpty() {
		ctx.Logger().Debug("dropping message without return route")
		return
	}
	if err := ctx.Reply(msg, payload); err != nil {
		ctx.Logger().Debug("reply failed", "return", msg.Return.String(), "error", err)
	}
}

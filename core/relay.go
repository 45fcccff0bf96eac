package core

import (
	"context"
	"errors"
	"log/slog"

	"github.com/najoast/relaymesh/metrics"
)

// relay owns one actor and drives it through initialize, run and
// shutdown. It answers exactly one shutdown acknowledgment.
type relay struct {
	actor    Actor
	ctx      *Context
	mailbox  *Mailbox
	listener *ShutdownListener
	entry    *routeEntry
	router   *Router
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func (r *relay) run() {
	defer close(r.entry.done)

	signal, ack := r.listener.Consume()

	loopCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.ctx.ctx = loopCtx

	if err := r.actor.Initialize(r.ctx); err != nil {
		r.fail(PhaseInitialize, err)
	}

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- r.loop(loopCtx)
	}()

	var reason StopReason
	select {
	case err := <-loopDone:
		reason = StopReasonLoopCompleted
		if err != nil {
			r.fail(PhaseProcess, err)
		}
	case <-signal:
		reason = StopReasonExternalShutdown
		cancel()
		// The step in flight finishes its current unit before Shutdown runs.
		if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
			r.fail(PhaseProcess, err)
		}
	}

	r.ctx.ctx = context.Background()
	if err := r.actor.Shutdown(r.ctx); err != nil {
		r.fail(PhaseShutdown, err)
	}

	ack <- struct{}{}

	if reason == StopReasonLoopCompleted {
		r.router.deregisterEntry(r.entry)
	}

	r.metrics.RelayStopped(reason.String())
	r.logger.Debug("relay stopped", "reason", reason.String())
}

func (r *relay) loop(ctx context.Context) error {
	switch a := r.actor.(type) {
	case Worker:
		for {
			if ctx.Err() != nil {
				return nil
			}
			msg, err := r.mailbox.Dequeue(ctx)
			if err != nil || ctx.Err() != nil {
				return nil
			}
			if err := a.HandleMessage(r.ctx, msg); err != nil {
				return err
			}
		}
	case Processor:
		for {
			if ctx.Err() != nil {
				return nil
			}
			more, err := a.Process(r.ctx)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	default:
		return ErrInvalidActor
	}
}

func (r *relay) fail(phase RelayPhase, err error) {
	rerr := &RelayError{Phase: phase, Address: r.ctx.address, Err: err}
	r.metrics.RelayFailed(string(phase))
	r.logger.Error("actor failure", "phase", string(phase), "error", rerr)
}

package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/najoast/relaymesh/core"
	"github.com/najoast/relaymesh/protocol"
)

// Connection is one TCP connection and the pair of workers serving it:
// a sender that writes frames and a receiver that reads them.
type Connection struct {
	t        *TCPTransport
	conn     net.Conn
	reader   *bufio.Reader
	peer     string
	sender   core.Address
	receiver core.Address
	flowID   core.FlowControlID

	// listener is nil for outbound connections
	listener *Listener

	closed    atomic.Bool
	closeOnce sync.Once
}

func newConnection(t *TCPTransport, nc net.Conn, l *Listener) *Connection {
	id := uuid.NewString()
	return &Connection{
		t:        t,
		conn:     nc,
		reader:   bufio.NewReader(nc),
		peer:     nc.RemoteAddr().String(),
		sender:   core.Address("tcp_sender_" + id),
		receiver: core.Address("tcp_receiver_" + id),
		listener: l,
	}
}

// Peer returns the remote host:port.
func (c *Connection) Peer() string {
	return c.peer
}

// SenderAddress returns the local address that writes to the peer. It is
// the first hop of routes back over this connection.
func (c *Connection) SenderAddress() core.Address {
	return c.sender
}

// ReceiverAddress returns the address of the reading worker.
func (c *Connection) ReceiverAddress() core.Address {
	return c.receiver
}

// FlowControlID returns the flow id inbound messages are tagged with.
func (c *Connection) FlowControlID() core.FlowControlID {
	return c.flowID
}

// Outbound reports whether this node dialed the connection.
func (c *Connection) Outbound() bool {
	return c.listener == nil
}

// Closed reports whether the socket has been closed.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Close stops the connection and waits for both workers.
func (c *Connection) Close(ctx context.Context) error {
	c.close()
	if err := c.t.stopWorker(ctx, c.receiver); err != nil {
		return err
	}
	return c.t.stopWorker(ctx, c.sender)
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.conn.Close()
		c.t.forgetConnection(c)
		if c.listener != nil {
			c.listener.active.Add(-1)
		} else {
			c.t.node.FlowControls().RemoveSpawner(c.flowID)
		}
		c.t.metrics.ConnectionClosed()
	})
}

// sender writes every message it receives to the socket.
type sender struct {
	core.BaseActor
	c *Connection
}

func (s *sender) HandleMessage(ctx *core.Context, msg *core.LocalMessage) error {
	if msg.Onward.IsEmpty() {
		ctx.Logger().Debug("dropping message without onward route")
		return nil
	}

	// Replies over an outbound connection may only reach the actor that
	// sent through it.
	if s.c.Outbound() {
		if first, ok := msg.Return.Next(); ok && first.IsLocal() {
			flows := ctx.Node().FlowControls()
			if !flows.IsConsumer(first, s.c.flowID) {
				flows.AddConsumer(first, s.c.flowID, core.AllowMultipleMessages)
			}
		}
	}

	s.c.conn.SetWriteDeadline(time.Now().Add(s.c.t.cfg.WriteTimeout))
	if err := protocol.WriteFrame(s.c.conn, protocol.FrameFromMessage(msg), s.c.t.maxFrameSize()); err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			ctx.Logger().Warn("dropping oversized message", "error", err)
			return nil
		}
		s.c.close()
		return err
	}
	return nil
}

func (s *sender) Shutdown(*core.Context) error {
	s.c.close()
	return nil
}

// receiver reads frames and routes them into the node.
type receiver struct {
	core.BaseActor
	c *Connection
}

func (r *receiver) Initialize(ctx *core.Context) error {
	done := ctx.Context().Done()
	go func() {
		<-done
		r.c.close()
	}()
	return nil
}

func (r *receiver) Process(ctx *core.Context) (bool, error) {
	f, err := protocol.ReadFrame(r.c.reader, r.c.t.maxFrameSize())
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			ctx.Logger().Debug("tcp connection read failed", "peer", r.c.peer, "error", err)
		}
		return false, nil
	}

	msg := f.Message()
	msg.Return = msg.Return.Prepend(r.c.sender)
	msg.FlowControlID = ctx.FlowControlID()
	if err := ctx.Node().Send(ctx.Context(), msg); err != nil {
		ctx.Logger().Debug("dropping inbound message", "onward", msg.Onward.String(), "error", err)
	}
	return true, nil
}

func (r *receiver) Shutdown(ctx *core.Context) error {
	r.c.close()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.c.t.stopWorker(stopCtx, r.c.sender); err != nil {
		return err
	}
	ctx.Logger().Debug("tcp connection closed", "peer", r.c.peer)
	return nil
}

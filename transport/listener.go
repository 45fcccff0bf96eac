package transport

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/najoast/relaymesh/core"
)

// Listener is a TCP listener running as a processor on the node. It is the
// spawner of every connection it accepts.
type Listener struct {
	t       *TCPTransport
	address core.Address
	flowID  core.FlowControlID
	ln      net.Listener
	limiter *rate.Limiter

	// Connections currently open through this listener
	active atomic.Int64

	closeOnce sync.Once
}

func newListener(t *TCPTransport, ln net.Listener) *Listener {
	addr := core.Address("tcp_listener_" + uuid.NewString())
	return &Listener{
		t:       t,
		address: addr,
		flowID:  t.node.FlowControls().NewSpawner(addr),
		ln:      ln,
		limiter: rate.NewLimiter(rate.Limit(t.cfg.AcceptRate), t.cfg.AcceptBurst),
	}
}

// Address returns the address of the listener's acceptor.
func (l *Listener) Address() core.Address {
	return l.address
}

// FlowControlID returns the flow id inbound messages are tagged with.
func (l *Listener) FlowControlID() core.FlowControlID {
	return l.flowID
}

// SocketAddress returns the bound host:port.
func (l *Listener) SocketAddress() string {
	return l.ln.Addr().String()
}

// ActiveConnections returns the number of open accepted connections.
func (l *Listener) ActiveConnections() int {
	return int(l.active.Load())
}

func (l *Listener) close() {
	l.closeOnce.Do(func() {
		l.ln.Close()
	})
}

// acceptor drives the accept loop of a Listener.
type acceptor struct {
	l *Listener
}

func (a *acceptor) Initialize(ctx *core.Context) error {
	done := ctx.Context().Done()
	go func() {
		<-done
		a.l.close()
	}()
	return nil
}

func (a *acceptor) Process(ctx *core.Context) (bool, error) {
	if err := a.l.limiter.Wait(ctx.Context()); err != nil {
		return false, nil
	}

	nc, err := a.l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) || ctx.Context().Err() != nil {
			return false, nil
		}
		ctx.Logger().Warn("failed to accept connection", "error", err)
		return true, nil
	}

	if limit := int64(a.l.t.cfg.MaxConnections); limit > 0 && a.l.active.Load() >= limit {
		ctx.Logger().Warn("connection limit reached, rejecting connection",
			"limit", limit, "remote", nc.RemoteAddr().String())
		nc.Close()
		return true, nil
	}

	if _, err := a.l.t.startConnection(nc, a.l.flowID, a.l); err != nil {
		ctx.Logger().Warn("failed to start connection", "remote", nc.RemoteAddr().String(), "error", err)
		nc.Close()
	}
	return true, nil
}

func (a *acceptor) Shutdown(ctx *core.Context) error {
	a.l.close()
	a.l.t.forgetListener(a.l)
	ctx.Logger().Info("tcp listener stopped", "bind", a.l.SocketAddress())
	return nil
}

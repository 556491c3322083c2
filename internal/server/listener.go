package server

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sc0rp10/bore/internal/obs"
	"github.com/sc0rp10/bore/internal/proto"
)

// acceptTimeout bounds each wait for a visitor so heartbeats keep flowing on
// an idle tunnel.
const acceptTimeout = 500 * time.Millisecond

// tunnel is one established tunnel and the state of its listener task. The
// task is the only writer on ctrl once the tunnel is established.
type tunnel struct {
	id      string
	port    uint16
	owner   netip.AddrPort
	tracked bool
	ln      *net.TCPListener
	ctrl    *proto.Conn
	started time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newTunnel(ctx context.Context, ln *net.TCPListener, ctrl *proto.Conn, owner netip.AddrPort, tracked bool) *tunnel {
	ctx, cancel := context.WithCancel(ctx)
	return &tunnel{
		id:      uuid.NewString(),
		port:    uint16(ln.Addr().(*net.TCPAddr).Port),
		owner:   owner,
		tracked: tracked,
		ln:      ln,
		ctrl:    ctrl,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Stop cancels the task and releases its port immediately.
func (t *tunnel) Stop() {
	t.stopOnce.Do(func() {
		t.cancel()
		_ = t.ln.Close()
	})
}

func (t *tunnel) info() TunnelInfo {
	return TunnelInfo{ID: t.id, Port: t.port, Owner: t.owner.String(), Started: t.started}
}

// runTunnel alternates heartbeats with bounded accepts until the client stops
// answering or the task is stopped. Visitors are parked in the pending
// registry and announced to the client by id.
func (s *Server) runTunnel(t *tunnel) {
	s.dir.Announce(t.ctx, t.info())
	obs.TunnelsTotal.Inc()
	s.tunnelsTotal.Add(1)

	defer func() {
		t.Stop()
		_ = t.ctrl.Close()
		if t.tracked {
			s.owners.Release(t.port, t.owner, t)
		}
		s.dir.Withdraw(context.Background(), t.id)
		obs.Info("tunnel.closed", obs.Fields{"port": t.port, "owner": t.owner.String(), "tunnel": t.id, "lifetime": time.Since(t.started).String()})
	}()

	for {
		if t.ctx.Err() != nil {
			return
		}
		if err := t.ctrl.Send(proto.Heartbeat()); err != nil {
			obs.Info("tunnel.heartbeat_failed", obs.Fields{"port": t.port, "err": err.Error()})
			return
		}

		_ = t.ln.SetDeadline(time.Now().Add(acceptTimeout))
		conn, err := t.ln.AcceptTCP()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			obs.Error("tunnel.accept", obs.Fields{"port": t.port, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			return
		}

		id := uuid.New()
		obs.Info("tunnel.visitor", obs.Fields{"port": t.port, "remote": conn.RemoteAddr().String(), "id": id.String()})
		obs.VisitorsTotal.Inc()
		s.pending.Insert(id, conn)
		if err := t.ctrl.Send(proto.Connection(id)); err != nil {
			obs.Debug("tunnel.notify_failed", obs.Fields{"port": t.port, "id": id.String(), "err": err.Error()})
		}
	}
}

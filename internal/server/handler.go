package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/sc0rp10/bore/internal/obs"
	"github.com/sc0rp10/bore/internal/proto"
	"github.com/sc0rp10/bore/internal/proxy"
)

// lingerTimeout bounds the drain after a terminal error message.
const lingerTimeout = time.Second

// handleConnection runs the control protocol for one accepted connection:
// optional authentication, then exactly one first message deciding whether
// the connection becomes a tunnel's control channel or a one-shot claim.
// The connection is closed on return unless a listener task took it over.
func (s *Server) handleConnection(ctx context.Context, c net.Conn) error {
	handedOff := false
	defer func() {
		if !handedOff {
			_ = c.Close()
		}
	}()

	stream := proto.NewConn(c)
	if s.auth != nil {
		if err := s.auth.ServerHandshake(stream); err != nil {
			obs.Warn("control.auth.failed", obs.Fields{"remote": c.RemoteAddr().String(), "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("auth").Inc()
			return sendFinal(c, stream, proto.Error(err.Error()))
		}
	}

	var msg proto.ClientMessage
	if err := stream.RecvTimeout(&msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	switch msg.Type {
	case proto.ClientAuthenticate:
		obs.Warn("control.unexpected_authenticate", obs.Fields{"remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		return nil
	case proto.ClientHello:
		var err error
		handedOff, err = s.establishTunnel(ctx, c, stream, msg.Port)
		return err
	case proto.ClientAccept:
		return s.claimVisitor(ctx, stream, msg.ID)
	default:
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		return fmt.Errorf("unexpected message type %q", msg.Type)
	}
}

// establishTunnel replaces any listener this client already owns on port,
// binds a new one and starts its listener task. It reports whether the
// connection now belongs to that task.
func (s *Server) establishTunnel(ctx context.Context, c net.Conn, stream *proto.Conn, port uint16) (bool, error) {
	owner, tracked := remoteAddr(c.RemoteAddr())
	if tracked && s.owners.Evict(port, owner) {
		obs.Info("tunnel.evicted", obs.Fields{"port": port, "owner": owner.String()})
	}

	ln, err := s.alloc.Allocate(port)
	if err != nil {
		obs.Warn("tunnel.allocate_failed", obs.Fields{"requested": port, "remote": c.RemoteAddr().String(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("allocate").Inc()
		return false, sendFinal(c, stream, proto.Error(err.Error()))
	}

	t := newTunnel(ctx, ln, stream, owner, tracked)
	obs.Info("tunnel.new", obs.Fields{"port": t.port, "host": ln.Addr().String(), "owner": owner.String(), "tunnel": t.id})
	if err := stream.Send(proto.Assigned(t.port)); err != nil {
		t.Stop()
		return false, err
	}

	if tracked {
		s.owners.Install(t.port, owner, t)
	}
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.runTunnel(t)
	}()
	return true, nil
}

// claimVisitor hands a pending visitor connection to this connection and
// relays between them. Unknown ids are logged only; the peer expects nothing.
func (s *Server) claimVisitor(ctx context.Context, stream *proto.Conn, id uuid.UUID) error {
	visitor, err := s.pending.Claim(id)
	if err != nil {
		obs.Warn("claim.missing", obs.Fields{"id": id.String()})
		obs.ErrorsTotal.WithLabelValues("missing").Inc()
		return nil
	}
	obs.Info("claim.forwarding", obs.Fields{"id": id.String(), "visitor": visitor.RemoteAddr().String()})

	raw, rest := stream.IntoParts()
	if len(rest) > 0 {
		obs.Warn("claim.residual_bytes", obs.Fields{"id": id.String(), "bytes": len(rest)})
		if _, err := visitor.Write(rest); err != nil {
			_ = visitor.Close()
			return fmt.Errorf("flush buffered bytes: %w", err)
		}
	}

	start := time.Now()
	err = proxy.Relay(ctx, raw, visitor)
	obs.RelayDurationSeconds.Observe(time.Since(start).Seconds())
	return err
}

// sendFinal sends a terminal message and half-closes, then drains the peer for
// a short while so unread input does not turn the close into a reset.
func sendFinal(c net.Conn, stream *proto.Conn, msg proto.ServerMessage) error {
	if err := stream.Send(msg); err != nil {
		return err
	}
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_ = c.SetReadDeadline(time.Now().Add(lingerTimeout))
	_, _ = io.Copy(io.Discard, c)
	return nil
}

// remoteAddr is the peer's IP:port with IPv4-mapped addresses unmapped.
// Tunnels are owned by this full address, so another connection from the same
// host cannot take over a port it did not open.
func remoteAddr(a net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	if ta, ok := a.(*net.TCPAddr); ok {
		ap = ta.AddrPort()
	} else {
		var err error
		if ap, err = netip.ParseAddrPort(a.String()); err != nil {
			return netip.AddrPort{}, false
		}
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}

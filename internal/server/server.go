// Package server implements the tunnel broker: it accepts control
// connections, binds public listeners on behalf of clients and pairs each
// visitor with a claim connection from the owning client.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sc0rp10/bore/internal/auth"
	"github.com/sc0rp10/bore/internal/obs"
	"github.com/sc0rp10/bore/internal/ratelimit"
)

// ErrNoPorts is returned when the configured range is empty.
var ErrNoPorts = errors.New("must provide at least one port")

const (
	limiterPruneInterval = time.Minute
	limiterMaxIdle       = 5 * time.Minute
)

// Config configures a Server.
type Config struct {
	Ports PortRange
	// Secret enables challenge authentication when non-empty.
	Secret string
	// BindAddr is the control listener address; defaults to 0.0.0.0.
	BindAddr net.IP
	// BindTunnels is where public listeners bind; defaults to BindAddr.
	BindTunnels net.IP
	ControlPort uint16
	// PendingTTL bounds how long a visitor waits to be claimed.
	PendingTTL time.Duration
	TLS        *tls.Config
	// Limiter gates accepted control connections per source IP; nil admits all.
	Limiter   *ratelimit.Limiter
	Directory TunnelDirectory
}

// Server is the broker. One Server serves one control listener.
type Server struct {
	cfg     Config
	alloc   *Allocator
	auth    *auth.Authenticator
	pending *PendingRegistry
	owners  *OwnershipTable
	dir     TunnelDirectory
	limiter *ratelimit.Limiter

	tasks        sync.WaitGroup
	ready        atomic.Bool
	closing      atomic.Bool
	tunnelsTotal atomic.Int64

	mu   sync.Mutex
	addr net.Addr
}

// New validates cfg and builds a Server. Nothing is bound until Serve.
func New(cfg Config) (*Server, error) {
	if cfg.Ports.Min == 0 || cfg.Ports.Min > cfg.Ports.Max {
		return nil, ErrNoPorts
	}
	if cfg.BindAddr == nil {
		cfg.BindAddr = net.IPv4zero
	}
	if cfg.BindTunnels == nil {
		cfg.BindTunnels = cfg.BindAddr
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.Directory == nil {
		cfg.Directory = newMemoryDirectory()
	}
	s := &Server{
		cfg:     cfg,
		alloc:   NewAllocator(cfg.BindTunnels, cfg.Ports),
		pending: NewPendingRegistry(cfg.PendingTTL),
		owners:  NewOwnershipTable(),
		dir:     cfg.Directory,
		limiter: cfg.Limiter,
	}
	if cfg.Secret != "" {
		s.auth = auth.New(cfg.Secret)
	}
	return s, nil
}

// ListenAndServe binds the control port and serves until ctx is done.
// Failing to bind the control port is fatal.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: s.cfg.BindAddr, Port: int(s.cfg.ControlPort)})
	if err != nil {
		return fmt.Errorf("failed to bind control port %d: %w", s.cfg.ControlPort, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control connections on ln until ctx is done, then stops
// every listener task and waits for in-flight connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer s.shutdown(cancel)

	s.pending.Start()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}

	obs.Info("server.listening", obs.Fields{"addr": ln.Addr().String(), "ports": s.cfg.Ports.String(), "tunnels": s.cfg.BindTunnels.String(), "auth": s.auth != nil, "tls": s.cfg.TLS != nil})
	s.ready.Store(true)

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			obs.Error("accept.control", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if ap, ok := remoteAddr(c.RemoteAddr()); ok && !s.limiter.Allow(ap.Addr().String()) {
			obs.Warn("control.rejected", obs.Fields{"remote": c.RemoteAddr().String()})
			obs.RejectedConnsTotal.Inc()
			_ = c.Close()
			continue
		}
		obs.Debug("control.accepted", obs.Fields{"remote": c.RemoteAddr().String()})
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			if err := s.handleConnection(ctx, c); err != nil {
				obs.Warn("control.connection", obs.Fields{"remote": c.RemoteAddr().String(), "err": err.Error()})
			}
		}()
	}
}

func (s *Server) shutdown(cancel context.CancelFunc) {
	s.closing.Store(true)
	s.ready.Store(false)
	obs.Info("server.shutdown", obs.Fields{"tunnels": s.owners.Len(), "pending": s.pending.Len()})
	cancel()
	s.owners.StopAll()
	s.tasks.Wait()
	s.pending.Close()
	if err := s.dir.Close(); err != nil {
		obs.Error("directory.close", obs.Fields{"err": err.Error()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func (s *Server) pruneLimiter(ctx context.Context) {
	t := time.NewTicker(limiterPruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Prune(limiterMaxIdle); n > 0 {
				obs.Debug("limiter.pruned", obs.Fields{"keys": n})
			}
		}
	}
}

// Addr returns the control listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Ready() bool   { return s.ready.Load() }
func (s *Server) Closing() bool { return s.closing.Load() }

// Tunnels lists the live tunnels.
func (s *Server) Tunnels() []TunnelInfo { return s.dir.List() }

// Package client exposes a local TCP service through a remote broker.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/sc0rp10/bore/internal/auth"
	"github.com/sc0rp10/bore/internal/obs"
	"github.com/sc0rp10/bore/internal/proto"
	"github.com/sc0rp10/bore/internal/proxy"
)

var ErrAuthRequired = errors.New("server requires authentication, but no client secret was provided")

// Config describes the local service and the broker to expose it through.
type Config struct {
	LocalHost string
	LocalPort uint16
	// To is the broker host.
	To string
	// Port is the requested public port; 0 asks for any free port.
	Port        uint16
	Secret      string
	ControlPort uint16
	// TLS wraps every connection to the broker when set.
	TLS *tls.Config
}

// Client holds an established control connection.
type Client struct {
	cfg        Config
	conn       *proto.Conn
	auth       *auth.Authenticator
	remotePort uint16
}

// New connects to the broker and requests a tunnel. It returns once the
// broker has assigned a public port.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ControlPort == 0 {
		cfg.ControlPort = proto.ControlPort
	}
	c := &Client{cfg: cfg}
	if cfg.Secret != "" {
		c.auth = auth.New(cfg.Secret)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.Send(proto.Hello(cfg.Port)); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var msg proto.ServerMessage
	if err := conn.RecvTimeout(&msg); err != nil {
		_ = conn.Close()
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	switch msg.Type {
	case proto.ServerHello:
		c.remotePort = msg.Port
	case proto.ServerError:
		_ = conn.Close()
		return nil, fmt.Errorf("server error: %s", msg.Message)
	case proto.ServerChallenge:
		_ = conn.Close()
		return nil, ErrAuthRequired
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected initial non-hello message %q", msg.Type)
	}
	c.conn = conn
	obs.Info("client.connected", obs.Fields{"remote_port": c.remotePort})
	obs.Info("client.listening", obs.Fields{"at": net.JoinHostPort(cfg.To, strconv.Itoa(int(c.remotePort)))})
	return c, nil
}

// dial opens a control connection to the broker and authenticates it.
func (c *Client) dial(ctx context.Context) (*proto.Conn, error) {
	addr := net.JoinHostPort(c.cfg.To, strconv.Itoa(int(c.cfg.ControlPort)))
	ctx, cancel := context.WithTimeout(ctx, proto.NetworkTimeout)
	defer cancel()

	var (
		raw net.Conn
		err error
	)
	if c.cfg.TLS != nil {
		d := &tls.Dialer{Config: c.cfg.TLS}
		raw, err = d.DialContext(ctx, "tcp", addr)
	} else {
		var d net.Dialer
		raw, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}

	conn := proto.NewConn(raw)
	if c.auth != nil {
		if err := c.auth.ClientHandshake(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// RemotePort is the public port assigned by the broker.
func (c *Client) RemotePort() uint16 { return c.remotePort }

// Listen serves visitor notifications until the control connection ends or
// ctx is done. It returns nil when the broker closes the connection. Relays
// already started keep running until their peers close or ctx is done.
func (c *Client) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()
	defer c.conn.Close()

	for {
		var msg proto.ServerMessage
		if err := c.conn.Recv(&msg); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		switch msg.Type {
		case proto.ServerHello:
			obs.Warn("client.unexpected_hello", obs.Fields{})
		case proto.ServerChallenge:
			obs.Warn("client.unexpected_challenge", obs.Fields{})
		case proto.ServerHeartbeat:
		case proto.ServerConnection:
			id := msg.ID
			go func() {
				if err := c.handleConnection(ctx, id); err != nil {
					obs.Warn("client.connection", obs.Fields{"id": id.String(), "err": err.Error()})
				}
			}()
		case proto.ServerError:
			obs.Error("client.server_error", obs.Fields{"err": msg.Message})
		default:
			obs.Debug("client.unknown_message", obs.Fields{"type": string(msg.Type)})
		}
	}
}

// handleConnection claims visitor id on a fresh connection and splices it to
// the local service.
func (c *Client) handleConnection(ctx context.Context, id uuid.UUID) error {
	remote, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := remote.Send(proto.Accept(id)); err != nil {
		_ = remote.Close()
		return err
	}

	var d net.Dialer
	localAddr := net.JoinHostPort(c.cfg.LocalHost, strconv.Itoa(int(c.cfg.LocalPort)))
	local, err := d.DialContext(ctx, "tcp", localAddr)
	if err != nil {
		_ = remote.Close()
		return fmt.Errorf("could not connect to %s: %w", localAddr, err)
	}

	raw, rest := remote.IntoParts()
	if len(rest) > 0 {
		if _, err := local.Write(rest); err != nil {
			_ = raw.Close()
			_ = local.Close()
			return err
		}
	}
	obs.Debug("client.forwarding", obs.Fields{"id": id.String(), "local": localAddr})
	return proxy.Relay(ctx, local, raw)
}

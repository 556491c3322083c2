package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"
	"github.com/sc0rp10/bore/internal/client"
	"github.com/sc0rp10/bore/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer serves cfg on an ephemeral loopback control port until the test ends.
func startServer(t *testing.T, cfg Config) (*Server, uint16) {
	t.Helper()
	if cfg.Ports == (PortRange{}) {
		cfg.Ports = PortRange{Min: 1024, Max: 65535}
	}
	cfg.BindAddr = loopback
	s, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, s.Ready, time.Second, 5*time.Millisecond)
	return s, uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startEcho runs a local service that echoes everything back.
func startEcho(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func startClient(t *testing.T, cfg client.Config) *client.Client {
	t.Helper()
	c, err := client.New(context.Background(), cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func dialPort(t *testing.T, port uint16) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func dialControl(t *testing.T, port uint16) *proto.Conn {
	t.Helper()
	return proto.NewConn(dialPort(t, port))
}

// recvEvent returns the next non-heartbeat message.
func recvEvent(t *testing.T, c *proto.Conn) proto.ServerMessage {
	t.Helper()
	for {
		var msg proto.ServerMessage
		require.NoError(t, c.RecvTimeout(&msg))
		if msg.Type != proto.ServerHeartbeat {
			return msg
		}
	}
}

func assertEcho(t *testing.T, port uint16, payload string) {
	t.Helper()
	v := dialPort(t, port)
	_ = v.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := v.Write([]byte(payload))
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(v, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf))
}

func TestNewRejectsEmptyRange(t *testing.T) {
	_, err := New(Config{Ports: PortRange{Min: 2000, Max: 1000}})
	assert.ErrorIs(t, err, ErrNoPorts)
	assert.EqualError(t, err, "must provide at least one port")
}

func TestTunnelEndToEnd(t *testing.T) {
	s, ctrl := startServer(t, Config{})
	c := startClient(t, client.Config{LocalHost: "127.0.0.1", LocalPort: startEcho(t), To: "127.0.0.1", ControlPort: ctrl})
	require.NotZero(t, c.RemotePort())

	assertEcho(t, c.RemotePort(), "hello world")
	assertEcho(t, c.RemotePort(), "second visitor")

	st := s.Stats()
	assert.Equal(t, 1, st.Active)
	assert.EqualValues(t, 1, st.TotalTunnels)
	assert.EqualValues(t, 2, st.Claimed)
	require.Len(t, st.Tunnels, 1)
	assert.Equal(t, c.RemotePort(), st.Tunnels[0].Port)
	assert.True(t, strings.HasPrefix(st.Tunnels[0].Owner, "127.0.0.1:"), st.Tunnels[0].Owner)
}

func TestTunnelWithSecret(t *testing.T) {
	_, ctrl := startServer(t, Config{Secret: "s3cret"})
	c := startClient(t, client.Config{LocalHost: "127.0.0.1", LocalPort: startEcho(t), To: "127.0.0.1", ControlPort: ctrl, Secret: "s3cret"})
	assertEcho(t, c.RemotePort(), "authenticated")
}

func TestTunnelWrongSecret(t *testing.T) {
	s, ctrl := startServer(t, Config{Secret: "s3cret"})
	_, err := client.New(context.Background(), client.Config{To: "127.0.0.1", ControlPort: ctrl, Secret: "wrong"})
	require.Error(t, err)
	assert.Equal(t, "server error: invalid secret", err.Error())
	assert.Zero(t, s.Stats().Active)
}

func TestTunnelMissingSecret(t *testing.T) {
	_, ctrl := startServer(t, Config{Secret: "s3cret"})
	_, err := client.New(context.Background(), client.Config{To: "127.0.0.1", ControlPort: ctrl})
	assert.ErrorIs(t, err, client.ErrAuthRequired)
}

func TestHelloPortInUse(t *testing.T) {
	busy, err := net.ListenTCP("tcp", &net.TCPAddr{IP: loopback})
	require.NoError(t, err)
	defer busy.Close()
	port := uint16(busy.Addr().(*net.TCPAddr).Port)

	_, ctrl := startServer(t, Config{})
	_, err = client.New(context.Background(), client.Config{To: "127.0.0.1", ControlPort: ctrl, Port: port})
	require.Error(t, err)
	assert.Equal(t, "server error: port already in use", err.Error())
}

func TestHelloPortOutOfRange(t *testing.T) {
	_, ctrl := startServer(t, Config{Ports: PortRange{Min: 40000, Max: 40010}})
	_, err := client.New(context.Background(), client.Config{To: "127.0.0.1", ControlPort: ctrl, Port: 80})
	require.Error(t, err)
	assert.Equal(t, "server error: client port number not in allowed range", err.Error())
}

func TestSameHostOtherConnectionCannotTakePort(t *testing.T) {
	s, ctrl := startServer(t, Config{})
	owner := dialControl(t, ctrl)
	require.NoError(t, owner.Send(proto.Hello(0)))
	hello := recvEvent(t, owner)
	require.Equal(t, proto.ServerHello, hello.Type)

	// Same loopback IP, different source port.
	intruder := dialControl(t, ctrl)
	require.NoError(t, intruder.Send(proto.Hello(hello.Port)))
	msg := recvEvent(t, intruder)
	assert.Equal(t, proto.ServerError, msg.Type)
	assert.Equal(t, "port already in use", msg.Message)

	var hb proto.ServerMessage
	require.NoError(t, owner.RecvTimeout(&hb), "owner must keep its control connection")
	assert.Equal(t, proto.ServerHeartbeat, hb.Type)
	assert.Equal(t, 1, s.Stats().Active)
	assert.Equal(t, 1, s.owners.Len())
}

func TestPortReusableAfterOwnerDisconnects(t *testing.T) {
	s, ctrl := startServer(t, Config{})
	first := dialPort(t, ctrl)
	fc := proto.NewConn(first)
	require.NoError(t, fc.Send(proto.Hello(0)))
	hello := recvEvent(t, fc)
	require.Equal(t, proto.ServerHello, hello.Type)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return s.Stats().Active == 0 && s.owners.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	second := dialControl(t, ctrl)
	require.NoError(t, second.Send(proto.Hello(hello.Port)))
	msg := recvEvent(t, second)
	assert.Equal(t, proto.ServerHello, msg.Type)
	assert.Equal(t, hello.Port, msg.Port)
}

func TestOtherAddressCannotTakePort(t *testing.T) {
	_, ctrl := startServer(t, Config{})
	owner := startClient(t, client.Config{LocalHost: "127.0.0.1", LocalPort: startEcho(t), To: "127.0.0.1", ControlPort: ctrl})

	d := net.Dialer{LocalAddr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 2)}}
	raw, err := d.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(ctrl))))
	if err != nil {
		t.Skipf("127.0.0.2 unavailable: %v", err)
	}
	defer raw.Close()
	other := proto.NewConn(raw)
	require.NoError(t, other.Send(proto.Hello(owner.RemotePort())))
	msg := recvEvent(t, other)
	assert.Equal(t, proto.ServerError, msg.Type)
	assert.Equal(t, "port already in use", msg.Message)

	assertEcho(t, owner.RemotePort(), "still mine")
}

func TestAcceptUnknownID(t *testing.T) {
	_, ctrl := startServer(t, Config{})
	c := dialControl(t, ctrl)
	require.NoError(t, c.Send(proto.Accept(uuid.New())))

	var msg proto.ServerMessage
	assert.ErrorIs(t, c.RecvTimeout(&msg), io.EOF)
}

func TestAuthenticateAsFirstMessageCloses(t *testing.T) {
	s, ctrl := startServer(t, Config{})
	c := dialControl(t, ctrl)
	require.NoError(t, c.Send(proto.Authenticate("00")))

	var msg proto.ServerMessage
	assert.ErrorIs(t, c.RecvTimeout(&msg), io.EOF)
	assert.Zero(t, s.Stats().Active)
}

func TestHeartbeatsFlowOnIdleTunnel(t *testing.T) {
	_, ctrl := startServer(t, Config{})
	c := dialControl(t, ctrl)
	require.NoError(t, c.Send(proto.Hello(0)))
	msg := recvEvent(t, c)
	require.Equal(t, proto.ServerHello, msg.Type)

	for range 3 {
		var hb proto.ServerMessage
		require.NoError(t, c.RecvTimeout(&hb))
		assert.Equal(t, proto.ServerHeartbeat, hb.Type)
	}
}

func TestUnclaimedVisitorExpires(t *testing.T) {
	s, ctrl := startServer(t, Config{PendingTTL: 200 * time.Millisecond})
	c := dialControl(t, ctrl)
	require.NoError(t, c.Send(proto.Hello(0)))
	hello := recvEvent(t, c)
	require.Equal(t, proto.ServerHello, hello.Type)

	v := dialPort(t, hello.Port)
	conn := recvEvent(t, c)
	require.Equal(t, proto.ServerConnection, conn.Type)

	_ = v.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := v.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return s.Stats().Expired == 1 }, 2*time.Second, 10*time.Millisecond)

	late := dialControl(t, ctrl)
	require.NoError(t, late.Send(proto.Accept(conn.ID)))
	var msg proto.ServerMessage
	assert.ErrorIs(t, late.RecvTimeout(&msg), io.EOF)
}

func TestClaimFlushesBufferedBytes(t *testing.T) {
	_, ctrl := startServer(t, Config{})
	c := dialControl(t, ctrl)
	require.NoError(t, c.Send(proto.Hello(0)))
	hello := recvEvent(t, c)
	require.Equal(t, proto.ServerHello, hello.Type)

	v := dialPort(t, hello.Port)
	conn := recvEvent(t, c)
	require.Equal(t, proto.ServerConnection, conn.Type)

	body, err := json.Marshal(proto.Accept(conn.ID))
	require.NoError(t, err)
	frame := append(varint.ToUvarint(uint64(len(body))), body...)
	claim := dialPort(t, ctrl)
	_, err = claim.Write(append(frame, "early"...))
	require.NoError(t, err)

	_ = v.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 5)
	_, err = io.ReadFull(v, buf)
	require.NoError(t, err)
	assert.Equal(t, "early", string(buf))

	_, err = v.Write([]byte("reply"))
	require.NoError(t, err)
	_ = claim.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(claim, buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf))
}

func TestShutdownClosesTunnels(t *testing.T) {
	s, err := New(Config{Ports: PortRange{Min: 1024, Max: 65535}, BindAddr: loopback})
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	require.Eventually(t, s.Ready, time.Second, 5*time.Millisecond)

	c, err := client.New(context.Background(), client.Config{To: "127.0.0.1", ControlPort: uint16(ln.Addr().(*net.TCPAddr).Port), LocalHost: "127.0.0.1", LocalPort: 1})
	require.NoError(t, err)
	listenDone := make(chan error, 1)
	go func() { listenDone <- c.Listen(context.Background()) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.True(t, s.Closing())
	assert.False(t, s.Ready())
	assert.Zero(t, s.Stats().Active)

	select {
	case err := <-listenDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}

	_, err = net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(c.RemotePort()))), time.Second)
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr), "tunnel port still accepting: %v", err)
}

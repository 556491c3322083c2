package proto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/multiformats/go-varint"
)

const (
	// MaxFrameLength bounds the JSON body of a single message.
	MaxFrameLength = 256
	// NetworkTimeout bounds waits for an expected message and every write.
	NetworkTimeout = 3 * time.Second
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")
	ErrTimeout       = errors.New("timed out waiting for initial message")
)

// Conn is a length-delimited message stream over a net.Conn.
// Each frame is a uvarint length followed by a JSON body.
type Conn struct {
	c  net.Conn
	r  *bufio.Reader
	wm sync.Mutex
}

func NewConn(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c)}
}

// RemoteAddr returns the peer address of the underlying connection.
func (s *Conn) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *Conn) Close() error { return s.c.Close() }

// Send writes one message frame. The write fails if it cannot complete within
// NetworkTimeout.
func (s *Conn) Send(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxFrameLength {
		return ErrFrameTooLarge
	}
	frame := append(varint.ToUvarint(uint64(len(body))), body...)

	s.wm.Lock()
	defer s.wm.Unlock()
	_ = s.c.SetWriteDeadline(time.Now().Add(NetworkTimeout))
	defer s.c.SetWriteDeadline(time.Time{})
	_, err = s.c.Write(frame)
	return err
}

// Recv blocks until one message is decoded into v. It returns io.EOF if the
// peer closed the connection cleanly before a new frame started.
func (s *Conn) Recv(v any) error {
	n, err := varint.ReadUvarint(s.r)
	if err != nil {
		return err
	}
	if n > MaxFrameLength {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(s.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// RecvTimeout is Recv bounded by NetworkTimeout.
func (s *Conn) RecvTimeout(v any) error {
	_ = s.c.SetReadDeadline(time.Now().Add(NetworkTimeout))
	defer s.c.SetReadDeadline(time.Time{})
	err := s.Recv(v)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// IntoParts hands the raw connection back together with any bytes that were
// read from it but not consumed by a frame. The Conn must not be used after.
func (s *Conn) IntoParts() (net.Conn, []byte) {
	var rest []byte
	if n := s.r.Buffered(); n > 0 {
		rest, _ = s.r.Peek(n)
		rest = append([]byte(nil), rest...)
	}
	return s.c, rest
}

// Package proxy splices two connections together.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Relay copies bytes between a and b in both directions until either side
// closes or fails, or ctx is canceled. Both connections are closed on return.
// It reports the first copy error; a clean close by either peer is nil.
func Relay(ctx context.Context, a, b net.Conn) error {
	done := make(chan struct{})
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
			close(done)
		})
	}

	var g errgroup.Group
	copyFn := func(dst, src net.Conn) func() error {
		return func() error {
			_, err := io.Copy(dst, src)
			closeBoth()
			if err != nil && !closedErr(err) {
				return err
			}
			return nil
		}
	}
	g.Go(copyFn(a, b))
	g.Go(copyFn(b, a))
	g.Go(func() error {
		select {
		case <-ctx.Done():
			closeBoth()
		case <-done:
		}
		return nil
	})
	return g.Wait()
}

func closedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

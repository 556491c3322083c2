package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sc0rp10/bore/internal/obs"
)

const (
	// DefaultPendingTTL is how long an accepted visitor connection waits to be claimed.
	DefaultPendingTTL = 10 * time.Second
	pendingShards     = 16
)

// ErrNotFound is returned when claiming an id that is unknown, already
// claimed or expired.
var ErrNotFound = errors.New("pending connection not found")

// PendingRegistry holds visitor connections between accept and claim.
// Entries are spread over independently locked TTL caches by id, and each
// entry is removed exactly once: either by Claim or by expiry, which closes
// the connection.
type PendingRegistry struct {
	shards  [pendingShards]*ttlcache.Cache[uuid.UUID, net.Conn]
	ttl     time.Duration
	claimed atomic.Int64
	expired atomic.Int64

	mu      sync.Mutex
	running bool
	closed  bool
	wg      sync.WaitGroup
}

func NewPendingRegistry(ttl time.Duration) *PendingRegistry {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	r := &PendingRegistry{ttl: ttl}
	for i := range r.shards {
		c := ttlcache.New[uuid.UUID, net.Conn](
			ttlcache.WithTTL[uuid.UUID, net.Conn](ttl),
			ttlcache.WithDisableTouchOnHit[uuid.UUID, net.Conn](),
		)
		c.OnEviction(r.onEviction)
		r.shards[i] = c
	}
	return r
}

func (r *PendingRegistry) shard(id uuid.UUID) *ttlcache.Cache[uuid.UUID, net.Conn] {
	return r.shards[int(id[0])%pendingShards]
}

// Start launches the expiry loops. Calling it again, or after Close, is a no-op.
func (r *PendingRegistry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.closed {
		return
	}
	r.running = true
	for _, c := range r.shards {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			c.Start()
		}()
	}
}

// Close stops the expiry loops and closes every unclaimed connection.
func (r *PendingRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	running := r.running
	r.mu.Unlock()

	if running {
		for _, c := range r.shards {
			c.Stop()
		}
		r.wg.Wait()
	}
	for _, c := range r.shards {
		c.DeleteExpired()
		for _, id := range c.Keys() {
			if item, ok := c.GetAndDelete(id); ok {
				_ = item.Value().Close()
				obs.PendingConnections.Dec()
			}
		}
	}
}

// Insert registers conn under id. It always succeeds.
func (r *PendingRegistry) Insert(id uuid.UUID, conn net.Conn) {
	r.shard(id).Set(id, conn, ttlcache.DefaultTTL)
	obs.PendingConnections.Inc()
}

// Claim removes and returns the connection registered under id.
func (r *PendingRegistry) Claim(id uuid.UUID) (net.Conn, error) {
	item, ok := r.shard(id).GetAndDelete(id)
	if !ok {
		return nil, ErrNotFound
	}
	r.claimed.Add(1)
	obs.PendingConnections.Dec()
	obs.ClaimsTotal.Inc()
	return item.Value(), nil
}

// Len returns the number of unclaimed connections, including any that have
// expired but not been swept yet.
func (r *PendingRegistry) Len() int {
	n := 0
	for _, c := range r.shards {
		n += c.Len()
	}
	return n
}

// Claimed and Expired return lifetime counters.
func (r *PendingRegistry) Claimed() int64 { return r.claimed.Load() }
func (r *PendingRegistry) Expired() int64 { return r.expired.Load() }

func (r *PendingRegistry) onEviction(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uuid.UUID, net.Conn]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	_ = item.Value().Close()
	r.expired.Add(1)
	obs.PendingConnections.Dec()
	obs.PendingExpiredTotal.Inc()
	obs.Warn("pending.expired", obs.Fields{"id": item.Key().String(), "ttl": r.ttl.String()})
}

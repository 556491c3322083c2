package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sc0rp10/bore/internal/obs"
)

// TunnelInfo describes a live tunnel.
type TunnelInfo struct {
	ID      string    `json:"id"`
	Port    uint16    `json:"port"`
	Owner   string    `json:"owner"`
	Started time.Time `json:"started"`
}

// TunnelDirectory records which tunnels are live. It is informational only:
// nothing in the broker reads it back to make allocation or ownership decisions.
type TunnelDirectory interface {
	Announce(ctx context.Context, info TunnelInfo)
	Withdraw(ctx context.Context, id string)
	List() []TunnelInfo
	Close() error
}

type memoryDirectory struct {
	mu      sync.Mutex
	tunnels map[string]TunnelInfo
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{tunnels: make(map[string]TunnelInfo)}
}

var _ TunnelDirectory = (*memoryDirectory)(nil)

func (d *memoryDirectory) Announce(_ context.Context, info TunnelInfo) {
	d.mu.Lock()
	d.tunnels[info.ID] = info
	n := len(d.tunnels)
	d.mu.Unlock()
	obs.ActiveTunnels.Set(float64(n))
}

func (d *memoryDirectory) Withdraw(_ context.Context, id string) {
	d.mu.Lock()
	delete(d.tunnels, id)
	n := len(d.tunnels)
	d.mu.Unlock()
	obs.ActiveTunnels.Set(float64(n))
}

func (d *memoryDirectory) List() []TunnelInfo {
	d.mu.Lock()
	out := make([]TunnelInfo, 0, len(d.tunnels))
	for _, info := range d.tunnels {
		out = append(out, info)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Owner < out[j].Owner
	})
	return out
}

func (d *memoryDirectory) Close() error { return nil }

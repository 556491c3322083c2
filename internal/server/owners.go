package server

import (
	"hash/maphash"
	"net/netip"

	"github.com/sc0rp10/bore/internal/obs"
	"github.com/sc0rp10/bore/internal/syncmap"
)

const ownerShards = 32

// ownerKey identifies a tunnel by its port and the IP:port of the control
// connection that opened it.
type ownerKey struct {
	port uint16
	addr netip.AddrPort
}

// stopper is a cancelable listener task.
type stopper interface {
	Stop()
}

// OwnershipTable maps (port, client address) to the listener task serving it.
// At most one task is installed per key; installing over an existing entry
// stops the old task first.
type OwnershipTable struct {
	m *syncmap.ShardedMap[ownerKey, stopper]
}

func NewOwnershipTable() *OwnershipTable {
	seed := maphash.MakeSeed()
	return &OwnershipTable{
		m: syncmap.New[ownerKey, stopper](ownerShards, func(k ownerKey) int {
			return int(maphash.Comparable(seed, k) % ownerShards)
		}),
	}
}

// Evict stops and removes the task registered under (port, addr), if any.
func (t *OwnershipTable) Evict(port uint16, addr netip.AddrPort) bool {
	old, ok := t.m.LoadAndDelete(ownerKey{port, addr})
	if ok {
		old.Stop()
		obs.EvictionsTotal.Inc()
	}
	return ok
}

// Install registers task under (port, addr). A task already registered under
// the same key is stopped before the new one becomes visible.
func (t *OwnershipTable) Install(port uint16, addr netip.AddrPort, task stopper) {
	t.m.Mutate(ownerKey{port, addr}, func(old stopper, existed bool) (stopper, bool) {
		if existed && old != task {
			old.Stop()
			obs.EvictionsTotal.Inc()
		}
		return task, true
	})
}

// Release removes the entry for (port, addr) only if it still refers to task.
func (t *OwnershipTable) Release(port uint16, addr netip.AddrPort, task stopper) bool {
	released := false
	t.m.Mutate(ownerKey{port, addr}, func(old stopper, existed bool) (stopper, bool) {
		if existed && old == task {
			released = true
			return nil, false
		}
		return old, existed
	})
	return released
}

// Owner returns the task registered under (port, addr).
func (t *OwnershipTable) Owner(port uint16, addr netip.AddrPort) (stopper, bool) {
	return t.m.GetOk(ownerKey{port, addr})
}

func (t *OwnershipTable) Len() int { return t.m.Len() }

// StopAll stops and removes every task.
func (t *OwnershipTable) StopAll() {
	t.m.Range(func(k ownerKey, task stopper) bool {
		if t.Release(k.port, k.addr, task) {
			task.Stop()
		}
		return true
	})
}

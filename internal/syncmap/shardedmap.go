// Package syncmap provides a map sharded across independently locked buckets,
// so operations on unrelated keys do not contend.
package syncmap

import (
	"sync"

	"golang.org/x/sys/cpu"
)

// ShardedMap is a synchronized map[K]V, sharded by a user-defined function.
//
// The zero value is not safe for use; use New.
type ShardedMap[K comparable, V any] struct {
	shardFunc func(K) int
	shards    []mapShard[K, V]
}

type mapShard[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
	_  cpu.CacheLinePad
}

// New returns a ShardedMap with n shards. shard must deterministically map
// every key into [0, n).
func New[K comparable, V any](n int, shard func(K) int) *ShardedMap[K, V] {
	m := &ShardedMap[K, V]{
		shardFunc: shard,
		shards:    make([]mapShard[K, V], n),
	}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

func (m *ShardedMap[K, V]) shard(key K) *mapShard[K, V] {
	return &m.shards[m.shardFunc(key)]
}

// GetOk returns m[key] and whether it was present.
func (m *ShardedMap[K, V]) GetOk(key K) (value V, ok bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	return
}

// Mutate atomically replaces m[key] with the mutator's result, or deletes it
// when keep is false. The mutator runs under the shard lock and must not block.
func (m *ShardedMap[K, V]) Mutate(key K, mutator func(old V, existed bool) (v V, keep bool)) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, existed := s.m[key]
	v, keep := mutator(old, existed)
	if keep {
		s.m[key] = v
		return
	}
	delete(s.m, key)
}

// LoadAndDelete removes key and returns its previous value.
func (m *ShardedMap[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	delete(s.m, key)
	return
}

// Len returns the number of elements. Shards are locked one at a time, so the
// result is not a consistent snapshot.
func (m *ShardedMap[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Range calls fn for every entry until fn returns false. fn runs without any
// shard lock held and may modify m.
func (m *ShardedMap[K, V]) Range(fn func(K, V) bool) {
	type kv struct {
		k K
		v V
	}
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		entries := make([]kv, 0, len(s.m))
		for k, v := range s.m {
			entries = append(entries, kv{k, v})
		}
		s.mu.Unlock()
		for _, e := range entries {
			if !fn(e.k, e.v) {
				return
			}
		}
	}
}

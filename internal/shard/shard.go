// Package shard provides a string-keyed map split across independently locked shards.
package shard

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultShards is used when New is given a non-positive count.
const DefaultShards = 64

type bucket[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// Map is a sharded map. Operations on keys in different shards never contend.
type Map[V any] struct {
	shards []*bucket[V]
}

func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultShards
	}
	m := &Map[V]{shards: make([]*bucket[V], n)}
	for i := range m.shards {
		m.shards[i] = &bucket[V]{items: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) shard(key string) *bucket[V] {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *Map[V]) Get(key string) (V, bool) {
	b := m.shard(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.items[key]
	return v, ok
}

func (m *Map[V]) Set(key string, v V) {
	b := m.shard(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = v
}

// SetIfAbsent stores v unless key is present and reports whether it stored.
func (m *Map[V]) SetIfAbsent(key string, v V) bool {
	b := m.shard(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[key]; ok {
		return false
	}
	b.items[key] = v
	return true
}

// DeleteIf removes key when pred holds for its current value.
func (m *Map[V]) DeleteIf(key string, pred func(V) bool) bool {
	b := m.shard(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.items[key]
	if !ok || !pred(v) {
		return false
	}
	delete(b.items, key)
	return true
}

// Update runs fn on the value under the shard's write lock. fn returns the new
// value and whether to keep it; returning false deletes the key.
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	b := m.shard(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	old, ok := b.items[key]
	nv, keep := fn(old, ok)
	if keep {
		b.items[key] = nv
	} else if ok {
		delete(b.items, key)
	}
}

// Sweep deletes every entry for which expired returns true, one shard at a time.
func (m *Map[V]) Sweep(expired func(key string, v V) bool) int {
	n := 0
	for _, b := range m.shards {
		b.mu.Lock()
		for k, v := range b.items {
			if expired(k, v) {
				delete(b.items, k)
				n++
			}
		}
		b.mu.Unlock()
	}
	return n
}

// Range calls fn for each entry until it returns false. fn must not modify the map.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.shards {
		b.mu.RLock()
		for k, v := range b.items {
			if !fn(k, v) {
				b.mu.RUnlock()
				return
			}
		}
		b.mu.RUnlock()
	}
}

func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.shards {
		b.mu.RLock()
		n += len(b.items)
		b.mu.RUnlock()
	}
	return n
}

// Package memcache implements an in-process backend.RawBackend, the L1
// tier of a composed cache. It replaces the teacher's hand-rolled
// container/list LRU (cache-manager/cache.go) with golang-lru/v2 — the
// pack-idiomatic library-backed cache ipiton-alert-history-service reaches
// for in its own LRU wrapper — while keeping per-entry access-count/
// last-access bookkeeping (mirroring CacheEntry). Stats, for C8
// status/debug reporting, exposes size, capacity and eviction count; the
// per-entry access bookkeeping is not exposed.
package memcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
)

// entry wraps the stored Raw value with per-entry access bookkeeping,
// updated on every hit; Stats does not report it.
type entry struct {
	value      cachevalue.CacheValue[backend.Raw]
	accessedAt time.Time
	accesses   int64
}

// Backend is an in-process L1 backend.RawBackend over golang-lru/v2, safe
// for concurrent use.
type Backend struct {
	cache    *lru.Cache[string, *entry]
	label    backend.Label
	capacity int

	mu        sync.Mutex
	evictions int64
}

// New returns a Backend holding at most capacity entries, evicting least
// recently used on overflow. label identifies this tier in a composition
// hierarchy (e.g. "l1.memcache").
func New(capacity int, label backend.Label) (*Backend, error) {
	b := &Backend{label: label, capacity: capacity}
	cache, err := lru.NewWithEvict[string, *entry](capacity, func(string, *entry) {
		b.mu.Lock()
		b.evictions++
		b.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	b.cache = cache
	return b, nil
}

func (b *Backend) keyOf(key cachekey.CacheKey) (string, error) {
	enc, err := key.Serialize(cachekey.FormatBinary)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

// Read implements backend.RawBackend. An expired entry (past its Expire
// timestamp) is evicted eagerly and reported as a miss, rather than left
// for the LRU eviction path to eventually reclaim.
func (b *Backend) Read(ctx context.Context, key cachekey.CacheKey) (cachevalue.CacheValue[backend.Raw], bool, error) {
	k, err := b.keyOf(key)
	if err != nil {
		return cachevalue.CacheValue[backend.Raw]{}, false, err
	}

	e, ok := b.cache.Get(k)
	if !ok {
		return cachevalue.CacheValue[backend.Raw]{}, false, nil
	}
	if e.value.Expire != nil && !time.Now().Before(*e.value.Expire) {
		b.cache.Remove(k)
		return cachevalue.CacheValue[backend.Raw]{}, false, nil
	}

	atomic.AddInt64(&e.accesses, 1)
	e.accessedAt = time.Now()
	return e.value, true, nil
}

// Write implements backend.RawBackend.
func (b *Backend) Write(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[backend.Raw]) error {
	k, err := b.keyOf(key)
	if err != nil {
		return err
	}
	b.cache.Add(k, &entry{value: value, accessedAt: time.Now()})
	return nil
}

// Remove implements backend.RawBackend.
func (b *Backend) Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error) {
	k, err := b.keyOf(key)
	if err != nil {
		return backend.Missing, err
	}
	if b.cache.Remove(k) {
		return backend.Deleted(1), nil
	}
	return backend.Missing, nil
}

// Label implements backend.RawBackend.
func (b *Backend) Label() backend.Label { return b.label }

// Stats summarizes this tier's in-memory state, for C8 status/debug
// reporting (not part of the core cache contract itself).
type Stats struct {
	Size      int
	Capacity  int
	Evictions int64
}

// Stats returns a snapshot of the current size/capacity/eviction count.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	evictions := b.evictions
	b.mu.Unlock()
	return Stats{Size: b.cache.Len(), Capacity: b.capacity, Evictions: evictions}
}

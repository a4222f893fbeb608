package sharding

import (
	"context"
	"fmt"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
)

// Backend routes each key to one of several backend.RawBackend shards via
// a consistent-hash Ring, so a single logical cache tier can be spread
// across multiple store instances (e.g. several Redis nodes) without a
// full rehash on every topology change.
type Backend struct {
	ring   *Ring
	shards map[string]backend.RawBackend
	label  backend.Label
}

// New builds a Backend over shards, keyed by the same shard IDs used to
// add them to ring. ring must already have every id in shards added to it.
func New(ring *Ring, shards map[string]backend.RawBackend, label backend.Label) (*Backend, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("sharding: at least one shard is required")
	}
	if ring.Size() == 0 {
		return nil, fmt.Errorf("sharding: ring has no shards added")
	}
	return &Backend{ring: ring, shards: shards, label: label}, nil
}

func (b *Backend) shardFor(key cachekey.CacheKey) (backend.RawBackend, error) {
	id := b.ring.ShardFor(key.String())
	shard, ok := b.shards[id]
	if !ok {
		return nil, fmt.Errorf("sharding: ring selected unknown shard %q", id)
	}
	return shard, nil
}

// Read implements backend.RawBackend.
func (b *Backend) Read(ctx context.Context, key cachekey.CacheKey) (cachevalue.CacheValue[backend.Raw], bool, error) {
	shard, err := b.shardFor(key)
	if err != nil {
		return cachevalue.CacheValue[backend.Raw]{}, false, err
	}
	return shard.Read(ctx, key)
}

// Write implements backend.RawBackend.
func (b *Backend) Write(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[backend.Raw]) error {
	shard, err := b.shardFor(key)
	if err != nil {
		return err
	}
	return shard.Write(ctx, key, value)
}

// Remove implements backend.RawBackend.
func (b *Backend) Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error) {
	shard, err := b.shardFor(key)
	if err != nil {
		return backend.Missing, err
	}
	return shard.Remove(ctx, key)
}

// Label implements backend.RawBackend.
func (b *Backend) Label() backend.Label { return b.label }

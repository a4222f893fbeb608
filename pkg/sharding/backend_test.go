package sharding

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/hitboxcache/hitboxcache/pkg/memcache"
)

func newTestShards(t *testing.T, n int) (*Ring, map[string]backend.RawBackend) {
	t.Helper()
	ring := NewRing(50)
	shards := make(map[string]backend.RawBackend, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("shard-%d", i)
		b, err := memcache.New(100, backend.Label(id))
		require.NoError(t, err)
		shards[id] = b
		require.NoError(t, ring.AddShard(id, 1))
	}
	return ring, shards
}

func TestNewRejectsNoShards(t *testing.T) {
	ring := NewRing(10)
	_, err := New(ring, map[string]backend.RawBackend{}, "sharded")
	assert.Error(t, err)
}

func TestNewRejectsEmptyRing(t *testing.T) {
	ring := NewRing(10)
	b, _ := memcache.New(10, "shard-0")
	_, err := New(ring, map[string]backend.RawBackend{"shard-0": b}, "sharded")
	assert.Error(t, err)
}

func TestWriteThenReadRoutesToSameShard(t *testing.T) {
	ring, shards := newTestShards(t, 4)
	sb, err := New(ring, shards, "sharded")
	require.NoError(t, err)

	key, err := cachekey.New("p", 1, []cachekey.KeyPart{cachekey.NewKeyPart("id", "42")})
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New(backend.NewRaw([]byte("hello")), &expire, nil)
	require.NoError(t, err)
	require.NoError(t, sb.Write(context.Background(), key, val))

	got, ok, err := sb.Read(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Data.Bytes())
}

func TestRemoveOnlyAffectsOwningShard(t *testing.T) {
	ring, shards := newTestShards(t, 4)
	sb, err := New(ring, shards, "sharded")
	require.NoError(t, err)

	key, err := cachekey.New("p", 1, []cachekey.KeyPart{cachekey.NewKeyPart("id", "99")})
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New(backend.NewRaw([]byte("v")), &expire, nil)
	require.NoError(t, err)
	require.NoError(t, sb.Write(context.Background(), key, val))

	status, err := sb.Remove(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, status.Deleted)

	_, ok, err := sb.Read(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLabelReturnsConfiguredLabel(t *testing.T) {
	ring, shards := newTestShards(t, 2)
	sb, err := New(ring, shards, backend.Label("custom"))
	require.NoError(t, err)
	assert.Equal(t, backend.Label("custom"), sb.Label())
}

func TestDistinctKeysSpreadAcrossShards(t *testing.T) {
	ring, shards := newTestShards(t, 4)
	sb, err := New(ring, shards, "sharded")
	require.NoError(t, err)

	seen := make(map[string]bool)
	expire := time.Now().Add(time.Minute)
	for i := 0; i < 200; i++ {
		key, err := cachekey.New("p", 1, []cachekey.KeyPart{cachekey.NewKeyPart("id", fmt.Sprintf("%d", i))})
		require.NoError(t, err)
		val, err := cachevalue.New(backend.NewRaw([]byte("v")), &expire, nil)
		require.NoError(t, err)
		require.NoError(t, sb.Write(context.Background(), key, val))
		seen[ring.ShardFor(key.String())] = true
	}

	if len(seen) < 2 {
		t.Errorf("expected keys to spread across multiple shards, only hit %d", len(seen))
	}
}

package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
)

func newTestBackend(t *testing.T) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return New(client, "l2.redis"), mr
}

func TestReadOnNeverWrittenReturnsMiss(t *testing.T) {
	b, _ := newTestBackend(t)
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	_, ok, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteThenReadRoundTripsWithStale(t *testing.T) {
	b, _ := newTestBackend(t)
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	stale := time.Now().Add(30 * time.Second).Truncate(time.Millisecond)
	val, err := cachevalue.New(backend.NewRaw([]byte("hello")), &expire, &stale)
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background(), key, val))

	got, ok, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), got.Data.Bytes())
	require.NotNil(t, got.Stale)
	assert.WithinDuration(t, stale, *got.Stale, time.Millisecond)
	require.NotNil(t, got.Expire)
}

func TestWriteWithNoStaleRoundTrips(t *testing.T) {
	b, _ := newTestBackend(t)
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New(backend.NewRaw([]byte("x")), &expire, nil)
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background(), key, val))

	got, ok, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, got.Stale)
}

func TestWriteWithNoExpirePersistsWithoutTTL(t *testing.T) {
	b, mr := newTestBackend(t)
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	val, err := cachevalue.New(backend.NewRaw([]byte("forever")), nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background(), key, val))

	got, ok, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Nil(t, got.Expire)

	k, err := b.keyOf(key)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), mr.TTL(k))
}

func TestReadAfterExpiryIsMiss(t *testing.T) {
	b, mr := newTestBackend(t)
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Second)
	val, err := cachevalue.New(backend.NewRaw([]byte("short")), &expire, nil)
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background(), key, val))

	mr.FastForward(2 * time.Second)

	_, ok, err := b.Read(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveReportsMissingAfterFirstDelete(t *testing.T) {
	b, _ := newTestBackend(t)
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)
	val, err := cachevalue.New(backend.NewRaw([]byte("x")), nil, nil)
	require.NoError(t, err)
	require.NoError(t, b.Write(context.Background(), key, val))

	status, err := b.Remove(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, status.Deleted)

	status, err = b.Remove(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, status.Deleted)
}

func TestLabel(t *testing.T) {
	b, _ := newTestBackend(t)
	assert.Equal(t, backend.Label("l2.redis"), b.Label())
}

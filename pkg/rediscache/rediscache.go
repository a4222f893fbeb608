// Package rediscache implements the L2 backend.RawBackend tier over
// go-redis/v9, grounded on the teacher's RemoteCache interface
// (cache-manager/service.go) but replacing its byte-blob-plus-native-TTL
// shape with an envelope that also carries the stale timestamp, since
// Redis's own EXPIRE only gives a single cutoff and a composed cache value
// needs both.
package rediscache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
)

// Backend is an L2 backend.RawBackend backed by a redis.Client (or a
// miniredis-backed one in tests).
type Backend struct {
	client redis.Cmdable
	label  backend.Label
}

// New wraps an existing redis.Cmdable (a *redis.Client, *redis.ClusterClient,
// or a miniredis client in tests) as a Backend.
func New(client redis.Cmdable, label backend.Label) *Backend {
	return &Backend{client: client, label: label}
}

func (b *Backend) keyOf(key cachekey.CacheKey) (string, error) {
	enc, err := key.Serialize(cachekey.FormatBinary)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

// envelope layout: staleUnixNano(int64, 0 = absent) || payload. The native
// Redis TTL already enforces the hard Expire cutoff; the stale boundary,
// which falls at or before Expire, has to travel inside the value since
// Redis has no notion of a "soft" expiry.
func encodeEnvelope(stale *time.Time, payload []byte) []byte {
	var staleNanos int64
	if stale != nil {
		staleNanos = stale.UnixNano()
	}
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], uint64(staleNanos))
	copy(buf[8:], payload)
	return buf
}

func decodeEnvelope(buf []byte) (*time.Time, []byte, error) {
	if len(buf) < 8 {
		return nil, nil, fmt.Errorf("rediscache: envelope too short (%d bytes)", len(buf))
	}
	staleNanos := int64(binary.BigEndian.Uint64(buf[:8]))
	var stale *time.Time
	if staleNanos != 0 {
		t := time.Unix(0, staleNanos)
		stale = &t
	}
	return stale, buf[8:], nil
}

// Read implements backend.RawBackend. A redis.Nil (key absent or expired by
// Redis's own TTL) is reported as a plain miss, not an error.
func (b *Backend) Read(ctx context.Context, key cachekey.CacheKey) (cachevalue.CacheValue[backend.Raw], bool, error) {
	k, err := b.keyOf(key)
	if err != nil {
		return cachevalue.CacheValue[backend.Raw]{}, false, err
	}

	raw, err := b.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return cachevalue.CacheValue[backend.Raw]{}, false, nil
	}
	if err != nil {
		return cachevalue.CacheValue[backend.Raw]{}, false, fmt.Errorf("%w: %v", backend.ErrConnection, err)
	}

	ttl, err := b.client.TTL(ctx, k).Result()
	if err != nil {
		return cachevalue.CacheValue[backend.Raw]{}, false, fmt.Errorf("%w: %v", backend.ErrConnection, err)
	}

	stale, payload, err := decodeEnvelope(raw)
	if err != nil {
		return cachevalue.CacheValue[backend.Raw]{}, false, fmt.Errorf("%w: %v", backend.ErrFormat, err)
	}

	value := cachevalue.CacheValue[backend.Raw]{Data: backend.NewRaw(payload), Stale: stale}
	if ttl > 0 {
		expire := time.Now().Add(ttl)
		value.Expire = &expire
	}
	return value, true, nil
}

// Write implements backend.RawBackend. A nil Expire is written with no
// native TTL (persists until evicted or explicitly removed).
func (b *Backend) Write(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[backend.Raw]) error {
	k, err := b.keyOf(key)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if value.Expire != nil {
		ttl = time.Until(*value.Expire)
		if ttl <= 0 {
			return nil
		}
	}

	envelope := encodeEnvelope(value.Stale, value.Data.Bytes())
	if err := b.client.Set(ctx, k, envelope, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrConnection, err)
	}
	return nil
}

// Remove implements backend.RawBackend.
func (b *Backend) Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error) {
	k, err := b.keyOf(key)
	if err != nil {
		return backend.Missing, err
	}
	n, err := b.client.Del(ctx, k).Result()
	if err != nil {
		return backend.Missing, fmt.Errorf("%w: %v", backend.ErrConnection, err)
	}
	return backend.Deleted(int(n)), nil
}

// Label implements backend.RawBackend.
func (b *Backend) Label() backend.Label { return b.label }

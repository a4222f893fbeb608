package fsm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/hitboxcache/hitboxcache/concurrency"
	"github.com/hitboxcache/hitboxcache/offload"
	"github.com/hitboxcache/hitboxcache/policy"
	"github.com/hitboxcache/hitboxcache/predicate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMutableClock(t time.Time) *mutableClock { return &mutableClock{now: t} }

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memBackend[T any] struct {
	mu    sync.Mutex
	data  map[string]cachevalue.CacheValue[T]
	label backend.Label
}

func newMemBackend[T any](label backend.Label) *memBackend[T] {
	return &memBackend[T]{data: make(map[string]cachevalue.CacheValue[T]), label: label}
}

func (b *memBackend[T]) keyOf(k cachekey.CacheKey) string {
	enc, _ := k.Serialize(cachekey.FormatBinary)
	return string(enc)
}

func (b *memBackend[T]) Get(ctx context.Context, key cachekey.CacheKey, cctx cachecontext.Context) (cachevalue.CacheValue[T], bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[b.keyOf(key)]
	return v, ok, nil
}

func (b *memBackend[T]) Set(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[T], cctx cachecontext.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[b.keyOf(key)] = value
	return nil
}

func (b *memBackend[T]) Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := b.keyOf(key)
	if _, ok := b.data[k]; !ok {
		return backend.Missing, nil
	}
	delete(b.data, k)
	return backend.Deleted(1), nil
}

func (b *memBackend[T]) Label() backend.Label { return b.label }

func (b *memBackend[T]) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func requestExtractor() predicate.Extractor[string] {
	return predicate.ExtractorFunc[string](func(ctx context.Context, subject string) (string, []cachekey.KeyPart) {
		return subject, []cachekey.KeyPart{cachekey.NewKeyPart("req", subject)}
	})
}

func TestColdMissThenWarmHit(t *testing.T) {
	clock := newMutableClock(time.Unix(0, 0))
	ttl := 60 * time.Second
	pol := policy.Descriptor{Enabled: true, TTL: &ttl, StalePolicy: policy.Return}

	be := newMemBackend[string]("test")
	m := New[string, string](be, nil, nil, []predicate.Extractor[string]{requestExtractor()}, "route", 1, pol, concurrency.NewBroadcast[string](), offload.New(offload.Config{})).WithClock(clock)

	var calls int32
	upstream := func(ctx context.Context, req string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "hello", nil
	}

	resp, cctx, err := m.Run(context.Background(), "/greeting", upstream)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp)
	assert.Equal(t, cachecontext.Miss, cctx.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, be.size())

	clock.Advance(time.Second)
	resp, cctx, err = m.Run(context.Background(), "/greeting", upstream)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp)
	assert.Equal(t, cachecontext.Hit, cctx.Status())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStaleWhileRevalidate(t *testing.T) {
	clock := newMutableClock(time.Unix(0, 0))
	ttl := 10 * time.Second
	stale := 30 * time.Second
	pol := policy.Descriptor{Enabled: true, TTL: &ttl, Stale: &stale, StalePolicy: policy.OffloadRevalidate}

	be := newMemBackend[string]("test")
	offMgr := offload.New(offload.Config{})
	m := New[string, string](be, nil, nil, []predicate.Extractor[string]{requestExtractor()}, "route", 1, pol, concurrency.NewBroadcast[string](), offMgr).WithClock(clock)

	var calls int32
	var body atomic.Value
	body.Store("v1")
	upstream := func(ctx context.Context, req string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return body.Load().(string), nil
	}

	_, _, err := m.Run(context.Background(), "/page", upstream)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	body.Store("v2")
	clock.Advance(15 * time.Second)

	resp, cctx, err := m.Run(context.Background(), "/page", upstream)
	require.NoError(t, err)
	assert.Equal(t, "v1", resp)
	assert.Equal(t, cachecontext.StaleStatus, cctx.Status())

	require.True(t, offMgr.WaitAll(time.Second))

	resp, cctx, err = m.Run(context.Background(), "/page", upstream)
	require.NoError(t, err)
	assert.Equal(t, "v2", resp)
	assert.Equal(t, cachecontext.Hit, cctx.Status())
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCoalescedDogpile(t *testing.T) {
	ttl := 60 * time.Second
	pol := policy.Descriptor{Enabled: true, TTL: &ttl, StalePolicy: policy.Return}

	be := newMemBackend[string]("test")
	m := New[string, string](be, nil, nil, []predicate.Extractor[string]{requestExtractor()}, "route", 1, pol, concurrency.NewBroadcast[string](), offload.New(offload.Config{}))

	var calls int32
	upstream := func(ctx context.Context, req string) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(100 * time.Millisecond)
		return "x", nil
	}

	const n = 100
	var wg sync.WaitGroup
	responses := make([]string, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			resp, _, err := m.Run(context.Background(), "/dogpile", upstream)
			responses[i] = resp
			errs[i] = err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "x", responses[i])
	}
	assert.Equal(t, 1, be.size())
}

func TestNonCacheableRequestBypassesCache(t *testing.T) {
	ttl := 60 * time.Second
	pol := policy.Descriptor{Enabled: true, TTL: &ttl, StalePolicy: policy.Return}
	be := newMemBackend[string]("test")

	alwaysReject := predicate.PredicateFunc[string](func(ctx context.Context, subject string) (string, predicate.Decision) {
		return subject, predicate.NonCacheable
	})

	m := New[string, string](be, alwaysReject, nil, []predicate.Extractor[string]{requestExtractor()}, "route", 1, pol, concurrency.NewBroadcast[string](), offload.New(offload.Config{}))

	var calls int32
	upstream := func(ctx context.Context, req string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "body", nil
	}

	resp, _, err := m.Run(context.Background(), "/skip", upstream)
	require.NoError(t, err)
	assert.Equal(t, "body", resp)
	resp, _, err = m.Run(context.Background(), "/skip", upstream)
	require.NoError(t, err)
	assert.Equal(t, "body", resp)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, be.size())
}

func TestResponsePredicateRejectionSkipsWrite(t *testing.T) {
	ttl := 60 * time.Second
	pol := policy.Descriptor{Enabled: true, TTL: &ttl, StalePolicy: policy.Return}
	be := newMemBackend[string]("test")

	tooLong := predicate.PredicateFunc[string](func(ctx context.Context, subject string) (string, predicate.Decision) {
		if len(subject) > 100 {
			return subject, predicate.NonCacheable
		}
		return subject, predicate.Cacheable
	})

	m := New[string, string](be, nil, tooLong, []predicate.Extractor[string]{requestExtractor()}, "route", 1, pol, concurrency.NewBroadcast[string](), offload.New(offload.Config{}))

	var calls int32
	longBody := make([]byte, 200)
	upstream := func(ctx context.Context, req string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return string(longBody), nil
	}

	resp, cctx, err := m.Run(context.Background(), "/big", upstream)
	require.NoError(t, err)
	assert.Len(t, resp, 200)
	assert.Equal(t, cachecontext.Miss, cctx.Status())
	assert.Equal(t, 0, be.size())

	_, _, err = m.Run(context.Background(), "/big", upstream)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDisabledPolicyBypassesCacheEntirely(t *testing.T) {
	be := newMemBackend[string]("test")
	m := New[string, string](be, nil, nil, []predicate.Extractor[string]{requestExtractor()}, "route", 1, policy.Disabled(), concurrency.NewBroadcast[string](), offload.New(offload.Config{}))

	var calls int32
	upstream := func(ctx context.Context, req string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "direct", nil
	}

	resp, _, err := m.Run(context.Background(), "/x", upstream)
	require.NoError(t, err)
	assert.Equal(t, "direct", resp)
	assert.Equal(t, 0, be.size())
}

func TestUpstreamErrorPropagatesToCaller(t *testing.T) {
	ttl := 60 * time.Second
	pol := policy.Descriptor{Enabled: true, TTL: &ttl, StalePolicy: policy.Return}
	be := newMemBackend[string]("test")
	m := New[string, string](be, nil, nil, []predicate.Extractor[string]{requestExtractor()}, "route", 1, pol, concurrency.NewBroadcast[string](), offload.New(offload.Config{}))

	sentinel := assert.AnError
	upstream := func(ctx context.Context, req string) (string, error) {
		return "", sentinel
	}

	_, _, err := m.Run(context.Background(), "/err", upstream)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 0, be.size())
}

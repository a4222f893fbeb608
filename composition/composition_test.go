package composition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/hitboxcache/hitboxcache/offload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTyped struct {
	mu       sync.Mutex
	data     map[string]cachevalue.CacheValue[string]
	label    backend.Label
	writeErr error
	readErr  error
	sleep    time.Duration
}

func newFakeTyped(label backend.Label) *fakeTyped {
	return &fakeTyped{data: make(map[string]cachevalue.CacheValue[string]), label: label}
}

func (f *fakeTyped) keyOf(k cachekey.CacheKey) string {
	b, _ := k.Serialize(cachekey.FormatBinary)
	return string(b)
}

func (f *fakeTyped) Get(ctx context.Context, key cachekey.CacheKey, cctx cachecontext.Context) (cachevalue.CacheValue[string], bool, error) {
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return cachevalue.CacheValue[string]{}, false, f.readErr
	}
	v, ok := f.data[f.keyOf(key)]
	return v, ok, nil
}

func (f *fakeTyped) Set(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[string], cctx cachecontext.Context) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[f.keyOf(key)] = value
	return nil
}

func (f *fakeTyped) Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.keyOf(key)
	if _, ok := f.data[k]; !ok {
		return backend.Missing, nil
	}
	delete(f.data, k)
	return backend.Deleted(1), nil
}

func (f *fakeTyped) Label() backend.Label { return f.label }

func (f *fakeTyped) has(key cachekey.CacheKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[f.keyOf(key)]
	return ok
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within timeout")
}

func TestCompositionRefillOnL2Hit(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New("v", &expire, nil)
	require.NoError(t, err)
	require.NoError(t, l2.Set(context.Background(), key, val, cachecontext.New()))

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewSequentialRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	cctx := cachecontext.New()
	got, ok, err := comp.Get(context.Background(), key, cctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", got.Data)
	assert.Equal(t, cachecontext.SourceL2, cctx.Source())

	require.True(t, offMgr.WaitAll(time.Second))
	waitUntil(t, time.Second, func() bool { return l1.has(key) })
}

func TestCompositionNeverRefillLeavesL1Empty(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New("v", &expire, nil)
	require.NoError(t, err)
	require.NoError(t, l2.Set(context.Background(), key, val, cachecontext.New()))

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewSequentialRead[string](), NewOptimisticParallelWrite(), NewNeverRefill(), offMgr, SharedFormat, "composition")

	_, ok, err := comp.Get(context.Background(), key, cachecontext.New())
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, offMgr.WaitAll(time.Second))
	assert.False(t, l1.has(key))
}

func TestOptimisticParallelWriteSucceedsWhenL2Down(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	l2.writeErr = errors.New("connection refused")

	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)
	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New("v", &expire, nil)
	require.NoError(t, err)

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewSequentialRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	err = comp.Set(context.Background(), key, val, cachecontext.New())
	require.NoError(t, err)
	assert.True(t, l1.has(key))
	assert.False(t, l2.has(key))
}

func TestOptimisticParallelWriteFailsWhenBothDown(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	l1.writeErr = errors.New("l1 down")
	l2.writeErr = errors.New("l2 down")

	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)
	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New("v", &expire, nil)
	require.NoError(t, err)

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewSequentialRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	err = comp.Set(context.Background(), key, val, cachecontext.New())
	require.Error(t, err)
	var bothErr *backend.BothLayersFailedError
	assert.ErrorAs(t, err, &bothErr)
}

func TestSequentialWriteDoesNotWriteL2WhenL1Fails(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	l1.writeErr = errors.New("l1 down")

	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)
	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New("v", &expire, nil)
	require.NoError(t, err)

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewSequentialRead[string](), NewSequentialWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	err = comp.Set(context.Background(), key, val, cachecontext.New())
	require.Error(t, err)
	assert.False(t, l2.has(key))
}

func TestParallelReadPrefersLongerTTL(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	now := time.Now()
	shortExpire := now.Add(10 * time.Second)
	longExpire := now.Add(time.Hour)

	shortVal, err := cachevalue.New("short", &shortExpire, nil)
	require.NoError(t, err)
	longVal, err := cachevalue.New("long", &longExpire, nil)
	require.NoError(t, err)

	require.NoError(t, l1.Set(context.Background(), key, shortVal, cachecontext.New()))
	require.NoError(t, l2.Set(context.Background(), key, longVal, cachecontext.New()))

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewParallelRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	got, ok, err := comp.Get(context.Background(), key, cachecontext.New())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "long", got.Data)
}

func TestParallelReadTiesPreferL1(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	v1, err := cachevalue.New("from-l1", &expire, nil)
	require.NoError(t, err)
	v2, err := cachevalue.New("from-l2", &expire, nil)
	require.NoError(t, err)

	require.NoError(t, l1.Set(context.Background(), key, v1, cachecontext.New()))
	require.NoError(t, l2.Set(context.Background(), key, v2, cachecontext.New()))

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewParallelRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	got, ok, err := comp.Get(context.Background(), key, cachecontext.New())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-l1", got.Data)
}

func TestParallelReadPrefersL1WhenL2HasNoExpiry(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	v1, err := cachevalue.New("from-l1", &expire, nil)
	require.NoError(t, err)
	v2, err := cachevalue.New("from-l2", nil, nil)
	require.NoError(t, err)

	require.NoError(t, l1.Set(context.Background(), key, v1, cachecontext.New()))
	require.NoError(t, l2.Set(context.Background(), key, v2, cachecontext.New()))

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewParallelRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	got, ok, err := comp.Get(context.Background(), key, cachecontext.New())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "from-l1", got.Data, "L1 must win when L1 has an expiry and L2 has none")
}

func TestRemoveParallelBothLayers(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	v, err := cachevalue.New("v", &expire, nil)
	require.NoError(t, err)
	require.NoError(t, l1.Set(context.Background(), key, v, cachecontext.New()))
	require.NoError(t, l2.Set(context.Background(), key, v, cachecontext.New()))

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewSequentialRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	status, err := comp.Remove(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, status.Deleted)
	assert.Equal(t, 2, status.Count)
}

func TestRemoveMissingReportsMissing(t *testing.T) {
	l1 := newFakeTyped("l1")
	l2 := newFakeTyped("l2")
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	offMgr := offload.New(offload.Config{})
	comp := New[string](l1, l2, NewSequentialRead[string](), NewOptimisticParallelWrite(), NewAlwaysRefill(), offMgr, SharedFormat, "composition")

	status, err := comp.Remove(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, status.Deleted)
}

func TestLabelComposesL1L2(t *testing.T) {
	root := backend.Label("composition")
	l1Label := root.Compose("l1")
	assert.Equal(t, backend.Label("composition.l1"), l1Label)
}

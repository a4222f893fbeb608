package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryBackend struct {
	mu    sync.Mutex
	data  map[string]cachevalue.CacheValue[Raw]
	label Label
}

func newMemoryBackend(label Label) *memoryBackend {
	return &memoryBackend{data: make(map[string]cachevalue.CacheValue[Raw]), label: label}
}

func (m *memoryBackend) keyOf(k cachekey.CacheKey) string {
	enc, _ := k.Serialize(cachekey.FormatBinary)
	return string(enc)
}

func (m *memoryBackend) Read(ctx context.Context, key cachekey.CacheKey) (cachevalue.CacheValue[Raw], bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[m.keyOf(key)]
	return v, ok, nil
}

func (m *memoryBackend) Write(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[Raw]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[m.keyOf(key)] = value
	return nil
}

func (m *memoryBackend) Remove(ctx context.Context, key cachekey.CacheKey) (DeleteStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.keyOf(key)
	if _, ok := m.data[k]; !ok {
		return Missing, nil
	}
	delete(m.data, k)
	return Deleted(1), nil
}

func (m *memoryBackend) Label() Label { return m.label }

type erroringBackend struct{ err error }

func (e erroringBackend) Read(ctx context.Context, key cachekey.CacheKey) (cachevalue.CacheValue[Raw], bool, error) {
	return cachevalue.CacheValue[Raw]{}, false, e.err
}
func (e erroringBackend) Write(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[Raw]) error {
	return e.err
}
func (e erroringBackend) Remove(ctx context.Context, key cachekey.CacheKey) (DeleteStatus, error) {
	return Missing, e.err
}
func (e erroringBackend) Label() Label { return "erroring" }

type payload struct {
	Name string `json:"name"`
}

func jsonCodec() Codec[payload] {
	return Codec[payload]{
		Format: "json",
		Marshal: func(p payload) ([]byte, error) {
			return json.Marshal(p)
		},
		Unmarshal: func(b []byte) (payload, error) {
			var p payload
			err := json.Unmarshal(b, &p)
			return p, err
		},
	}
}

func TestTypedBackendGetOnNeverSetReturnsMiss(t *testing.T) {
	raw := newMemoryBackend("test")
	typed := NewTyped(raw, jsonCodec())
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	_, ok, err := typed.Get(context.Background(), key, cachecontext.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTypedBackendSetThenGetRoundTrips(t *testing.T) {
	raw := newMemoryBackend("test")
	typed := NewTyped(raw, jsonCodec())
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	expire := time.Now().Add(time.Minute)
	val, err := cachevalue.New(payload{Name: "x"}, &expire, nil)
	require.NoError(t, err)

	require.NoError(t, typed.Set(context.Background(), key, val, cachecontext.New()))

	got, ok, err := typed.Get(context.Background(), key, cachecontext.New())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", got.Data.Name)
}

func TestTypedBackendFormatErrorOnCorruptPayload(t *testing.T) {
	raw := newMemoryBackend("test")
	typed := NewTyped(raw, jsonCodec())
	key, err := cachekey.New("p", 1, nil)
	require.NoError(t, err)

	require.NoError(t, raw.Write(context.Background(), key, cachevalue.CacheValue[Raw]{Data: NewRaw([]byte("not json"))}))

	_, _, err = typed.Get(context.Background(), key, cachecontext.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFormat))
}

func TestLabelCompose(t *testing.T) {
	root := Label("composition")
	child := root.Compose("l1").Compose("moka")
	assert.Equal(t, Label("composition.l1.moka"), child)
	assert.Equal(t, []string{"composition", "l1", "moka"}, child.Segments())
}

func TestLabelComposeFromEmpty(t *testing.T) {
	var root Label
	assert.Equal(t, Label("leaf"), root.Compose("leaf"))
}

func TestBothLayersFailedErrorUnwraps(t *testing.T) {
	l1err := errors.New("l1 down")
	l2err := errors.New("l2 down")
	err := &BothLayersFailedError{L1: l1err, L2: l2err}
	assert.ErrorIs(t, err, l1err)
	assert.ErrorIs(t, err, l2err)
}

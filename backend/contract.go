package backend

import (
	"context"

	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
)

// DeleteStatus is the result of a Remove call.
type DeleteStatus struct {
	// Deleted is true if at least one tier reported the key present.
	Deleted bool
	// Count is the number of tiers that reported the key present. For a
	// leaf (non-composed) backend this is 0 or 1.
	Count int
}

// Missing is the DeleteStatus for a key that was not present anywhere.
var Missing = DeleteStatus{Deleted: false, Count: 0}

// Deleted returns a DeleteStatus reporting n tiers had the key.
func Deleted(n int) DeleteStatus {
	return DeleteStatus{Deleted: n > 0, Count: n}
}

// ValueFormat identifies the serialization codec a typed backend uses for
// its payloads (e.g. JSON, gob). It is opaque to the core; concrete
// formats are defined by whichever typed backend implementation is in
// use.
type ValueFormat string

// Compressor identifies the compression strategy, if any, a typed backend
// applies to serialized payloads before handing them to the raw layer.
type Compressor string

// NoCompression is the Compressor value meaning payloads are stored
// uncompressed.
const NoCompression Compressor = ""

// RawBackend is the raw key→bytes store with TTL. Implementations must be
// safe for concurrent use by multiple goroutines; they are shared across
// all state-machine instances.
type RawBackend interface {
	// Read returns the stored value for key, or (zero, false, nil) if
	// absent. A backend error is treated by callers as equivalent to a
	// miss.
	Read(ctx context.Context, key cachekey.CacheKey) (cachevalue.CacheValue[Raw], bool, error)

	// Write stores value under key. TTL is encoded in value's Expire
	// field; the backend is responsible for honoring it (e.g. setting a
	// native TTL on the underlying store, or relying on CacheState at
	// read time).
	Write(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[Raw]) error

	// Remove deletes key, reporting how many tiers held it.
	Remove(ctx context.Context, key cachekey.CacheKey) (DeleteStatus, error)

	// Label identifies this backend in a composition hierarchy.
	Label() Label
}

// TypedBackend builds on a RawBackend, adding serialization and
// compression for a specific payload type. Implementations are expected
// to be thin: serialize T, compress, wrap into a Raw value preserving
// timestamps, then delegate to the raw layer — this shared behavior means
// most TypedBackend implementations should be built via NewTyped rather
// than written by hand.
type TypedBackend[T any] interface {
	Get(ctx context.Context, key cachekey.CacheKey, cctx cachecontext.Context) (cachevalue.CacheValue[T], bool, error)
	Set(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[T], cctx cachecontext.Context) error
	Remove(ctx context.Context, key cachekey.CacheKey) (DeleteStatus, error)
	Label() Label
}

// Codec serializes and deserializes T to/from bytes, and optionally
// compresses/decompresses. A Codec with a nil Compress/Decompress pair is
// equivalent to NoCompression.
type Codec[T any] struct {
	Format     ValueFormat
	Compressor Compressor
	Marshal    func(T) ([]byte, error)
	Unmarshal  func([]byte) (T, error)
	Compress   func([]byte) ([]byte, error)
	Decompress func([]byte) ([]byte, error)
}

type typedBackend[T any] struct {
	raw   RawBackend
	codec Codec[T]
}

// NewTyped builds a TypedBackend over a RawBackend using codec for
// serialization/compression, implementing the shared behavior common to
// every typed backend.
func NewTyped[T any](raw RawBackend, codec Codec[T]) TypedBackend[T] {
	return &typedBackend[T]{raw: raw, codec: codec}
}

func (b *typedBackend[T]) Get(ctx context.Context, key cachekey.CacheKey, cctx cachecontext.Context) (cachevalue.CacheValue[T], bool, error) {
	rawVal, ok, err := b.raw.Read(ctx, key)
	if err != nil {
		return cachevalue.CacheValue[T]{}, false, err
	}
	if !ok {
		return cachevalue.CacheValue[T]{}, false, nil
	}

	payload := rawVal.Data.Bytes()
	if b.codec.Decompress != nil {
		payload, err = b.codec.Decompress(payload)
		if err != nil {
			return cachevalue.CacheValue[T]{}, false, wrapErr(ErrCompression, err)
		}
	}

	data, err := b.codec.Unmarshal(payload)
	if err != nil {
		return cachevalue.CacheValue[T]{}, false, wrapErr(ErrFormat, err)
	}

	return cachevalue.CacheValue[T]{Data: data, Expire: rawVal.Expire, Stale: rawVal.Stale}, true, nil
}

func (b *typedBackend[T]) Set(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[T], cctx cachecontext.Context) error {
	payload, err := b.codec.Marshal(value.Data)
	if err != nil {
		return wrapErr(ErrFormat, err)
	}
	if b.codec.Compress != nil {
		payload, err = b.codec.Compress(payload)
		if err != nil {
			return wrapErr(ErrCompression, err)
		}
	}

	rawVal := cachevalue.CacheValue[Raw]{Data: NewRaw(payload), Expire: value.Expire, Stale: value.Stale}
	return b.raw.Write(ctx, key, rawVal)
}

func (b *typedBackend[T]) Remove(ctx context.Context, key cachekey.CacheKey) (DeleteStatus, error) {
	return b.raw.Remove(ctx, key)
}

func (b *typedBackend[T]) Label() Label {
	return b.raw.Label()
}

func wrapErr(sentinel, cause error) error {
	return &wrappedError{sentinel: sentinel, cause: cause}
}

type wrappedError struct {
	sentinel error
	cause    error
}

func (e *wrappedError) Error() string {
	return e.sentinel.Error() + ": " + e.cause.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.sentinel
}

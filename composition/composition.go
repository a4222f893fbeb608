// Package composition implements a two-tier backend combinator (L1 + L2)
// with pluggable read, write, and refill policies, preserving per-tier
// provenance. Grounded on hitbox-backend/src/composition/{context,policy/*}.rs.
package composition

import (
	"context"
	"errors"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/hitboxcache/hitboxcache/offload"
)

// Layer identifies which tier produced a value.
type Layer int

const (
	// L1 is the first, typically faster and smaller, tier.
	L1 Layer = iota
	// L2 is the second tier.
	L2
)

func (l Layer) String() string {
	if l == L1 {
		return "L1"
	}
	return "L2"
}

// Format describes whether L1 and L2 share a serialization format.
// Backend stores it but does not act on it: Set hands the value to each
// tier's TypedBackend, which serializes it with its own codec, so every
// write serializes once per tier under either Format, and every read is
// decoded by the codec of the tier it came from.
type Format int

const (
	// SharedFormat means L1 and L2 use the same value format.
	SharedFormat Format = iota
	// DualFormat means L1 and L2 use different value formats.
	DualFormat
)

// ReadResult is the outcome of a read policy, carrying provenance.
type ReadResult[T any] struct {
	Value  *cachevalue.CacheValue[T]
	Source Layer
}

// ReadPolicy decides how to query L1 and L2 on a Get.
type ReadPolicy[T any] interface {
	Execute(ctx context.Context, key cachekey.CacheKey,
		readL1, readL2 func(context.Context, cachekey.CacheKey) (*cachevalue.CacheValue[T], error),
	) (ReadResult[T], error)
}

// WritePolicy decides how to propagate a Set to L1 and L2.
type WritePolicy interface {
	Execute(ctx context.Context, key cachekey.CacheKey,
		writeL1, writeL2 func(context.Context, cachekey.CacheKey) error,
		offloadMgr offload.Manager,
	) error
}

// RefillPolicy decides whether an L2 hit is written back into L1.
type RefillPolicy interface {
	Execute(ctx context.Context, key cachekey.CacheKey, refill func(context.Context) error, offloadMgr offload.Manager, logger Logger)
}

// Logger is the minimal logging capability composition needs for its
// trace/warn/error calls; implementations should log at trace level which
// branch won a race.
type Logger interface {
	Trace(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Trace(string, map[string]any) {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// Backend combines an L1 and L2 backend.TypedBackend under the three
// policies, plus a shared offload manager for best-effort refills and
// backgrounded slow writes.
type Backend[T any] struct {
	l1, l2  backend.TypedBackend[T]
	read    ReadPolicy[T]
	write   WritePolicy
	refill  RefillPolicy
	offload offload.Manager
	format  Format
	label   backend.Label
	logger  Logger
}

// New builds a composition Backend. label is returned unchanged by Label;
// the L1 and L2 labels are not composed under it.
func New[T any](l1, l2 backend.TypedBackend[T], read ReadPolicy[T], write WritePolicy, refill RefillPolicy, offloadMgr offload.Manager, format Format, label backend.Label) *Backend[T] {
	return &Backend[T]{
		l1: l1, l2: l2,
		read: read, write: write, refill: refill,
		offload: offloadMgr, format: format, label: label,
		logger: noopLogger{},
	}
}

// WithLogger overrides the default no-op logger.
func (b *Backend[T]) WithLogger(l Logger) *Backend[T] {
	b.logger = l
	return b
}

// Label returns this composition's label.
func (b *Backend[T]) Label() backend.Label { return b.label }

// Get reads through the configured read policy, applying the refill
// policy when the result came from L2.
func (b *Backend[T]) Get(ctx context.Context, key cachekey.CacheKey, cctx cachecontext.Context) (cachevalue.CacheValue[T], bool, error) {
	readL1 := func(ctx context.Context, key cachekey.CacheKey) (*cachevalue.CacheValue[T], error) {
		v, ok, err := b.l1.Get(ctx, key, cachecontext.New())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &v, nil
	}
	readL2 := func(ctx context.Context, key cachekey.CacheKey) (*cachevalue.CacheValue[T], error) {
		v, ok, err := b.l2.Get(ctx, key, cachecontext.New())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return &v, nil
	}

	result, err := b.read.Execute(ctx, key, readL1, readL2)
	if err != nil {
		return cachevalue.CacheValue[T]{}, false, err
	}
	if result.Value == nil {
		return cachevalue.CacheValue[T]{}, false, nil
	}

	cctx.SetSource(layerToSource(result.Source))
	if result.Source == L2 {
		cctx.SetReadMode(cachecontext.Refill)
		value := *result.Value
		b.refill.Execute(ctx, key, func(ctx context.Context) error {
			return b.l1.Set(ctx, key, value, cachecontext.New())
		}, b.offload, b.logger)
	} else {
		cctx.SetReadMode(cachecontext.Direct)
	}

	return *result.Value, true, nil
}

// Set writes through the configured write policy.
func (b *Backend[T]) Set(ctx context.Context, key cachekey.CacheKey, value cachevalue.CacheValue[T], cctx cachecontext.Context) error {
	writeL1 := func(ctx context.Context, key cachekey.CacheKey) error {
		return b.l1.Set(ctx, key, value, cachecontext.New())
	}
	writeL2 := func(ctx context.Context, key cachekey.CacheKey) error {
		return b.l2.Set(ctx, key, value, cachecontext.New())
	}
	return b.write.Execute(ctx, key, writeL1, writeL2, b.offload)
}

// Remove deletes from both layers in parallel. Errors from one layer do
// not prevent attempting the other.
func (b *Backend[T]) Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error) {
	type result struct {
		status backend.DeleteStatus
		err    error
	}
	l1ch := make(chan result, 1)
	l2ch := make(chan result, 1)

	go func() {
		s, err := b.l1.Remove(ctx, key)
		l1ch <- result{s, err}
	}()
	go func() {
		s, err := b.l2.Remove(ctx, key)
		l2ch <- result{s, err}
	}()

	r1 := <-l1ch
	r2 := <-l2ch

	count := 0
	if r1.err == nil && r1.status.Deleted {
		count++
	}
	if r2.err == nil && r2.status.Deleted {
		count++
	}

	if r1.err != nil && r2.err != nil {
		return backend.Missing, errors.Join(r1.err, r2.err)
	}

	return backend.Deleted(count), nil
}

func layerToSource(l Layer) cachecontext.ResponseSource {
	if l == L1 {
		return cachecontext.SourceL1
	}
	return cachecontext.SourceL2
}

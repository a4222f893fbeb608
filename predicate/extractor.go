package predicate

import (
	"context"

	"github.com/hitboxcache/hitboxcache/cachekey"
)

// Extractor emits zero or more named key parts from a subject. Like
// Predicate, it never propagates errors: a failure to read the subject
// emits no parts rather than returning an error.
type Extractor[S any] interface {
	Get(ctx context.Context, subject S) (S, []cachekey.KeyPart)
}

// ExtractorFunc adapts a plain function to an Extractor.
type ExtractorFunc[S any] func(ctx context.Context, subject S) (S, []cachekey.KeyPart)

// Get implements Extractor.
func (f ExtractorFunc[S]) Get(ctx context.Context, subject S) (S, []cachekey.KeyPart) {
	return f(ctx, subject)
}

// Empty is the default Extractor: it emits no parts.
func Empty[S any]() Extractor[S] {
	return ExtractorFunc[S](func(ctx context.Context, subject S) (S, []cachekey.KeyPart) {
		return subject, nil
	})
}

// Sequence applies a sequence of extractors in declared order, collecting
// all emitted parts into a single ordered slice.
func Sequence[S any](extractors ...Extractor[S]) Extractor[S] {
	return ExtractorFunc[S](func(ctx context.Context, subject S) (S, []cachekey.KeyPart) {
		var parts []cachekey.KeyPart
		for _, e := range extractors {
			var emitted []cachekey.KeyPart
			subject, emitted = e.Get(ctx, subject)
			parts = append(parts, emitted...)
		}
		return subject, parts
	})
}

// BuildKey runs a sequence of extractors over subject and assembles the
// resulting parts under prefix/version into a CacheKey.
func BuildKey[S any](ctx context.Context, prefix string, version uint32, subject S, extractors ...Extractor[S]) (S, cachekey.CacheKey, error) {
	subject, parts := Sequence(extractors...).Get(ctx, subject)
	key, err := cachekey.New(prefix, version, parts)
	return subject, key, err
}

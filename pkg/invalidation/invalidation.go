package invalidation

import (
	"context"
	"fmt"
	"time"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/pkg/pubsub"
)

// Remover is the subset of backend.RawBackend / backend.TypedBackend[T] /
// composition.Backend[T] this package needs. Every one of those types
// satisfies it structurally, so an Invalidator can drive eviction on a
// single leaf backend or a fully composed one without this package
// depending on the composition package at all.
type Remover interface {
	Remove(ctx context.Context, key cachekey.CacheKey) (backend.DeleteStatus, error)
}

// Index supplies the candidate keys a pattern can match against. The core
// cache has no key-enumeration operation by design, so pattern invalidation
// is only as complete as the index a caller maintains alongside it (e.g. a
// route's own record of keys it has written).
type Index interface {
	Keys() []cachekey.CacheKey
}

// ErrPatternNotAllowed is returned when a pattern is not present in the
// configured Allowlist.
var ErrPatternNotAllowed = fmt.Errorf("invalidation: pattern not allowlisted")

// Invalidator drives pattern-based and exact-key invalidation from outside
// the cache core, auditing every invalidation it performs. It never
// participates in the read/write path itself — Get/Set/refill correctness
// does not depend on anything in this package.
type Invalidator struct {
	matcher   *PatternMatcher
	allowlist *Allowlist
	audit     *AuditLogger
	publisher pubsub.Publisher
	service   string
}

// New returns an Invalidator. audit may be nil to skip persisting an audit
// trail (e.g. in tests or when no database is configured).
func New(allowlist *Allowlist, audit *AuditLogger) *Invalidator {
	return &Invalidator{matcher: NewPatternMatcher(), allowlist: allowlist, audit: audit}
}

// WithPublisher attaches a pubsub.Publisher (e.g. a *pubsub.Bus) that
// receives an InvalidationEvent, marshaled to JSON, on
// pubsub.TopicCacheInvalidate after every successful invalidation.
// service identifies this Invalidator in the published event's Service
// field. Returns the Invalidator for chaining.
func (inv *Invalidator) WithPublisher(p pubsub.Publisher, service string) *Invalidator {
	inv.publisher = p
	inv.service = service
	return inv
}

func (inv *Invalidator) publish(ctx context.Context, keys []string, pattern, requestID string) {
	if inv.publisher == nil {
		return
	}
	event := &pubsub.InvalidationEvent{
		Version:     pubsub.EventVersion1,
		Service:     inv.service,
		Keys:        keys,
		Pattern:     pattern,
		TriggeredAt: time.Now(),
		RequestID:   requestID,
	}
	payload, err := event.ToJSON()
	if err != nil {
		return
	}
	// A publish failure must not fail the invalidation itself — the keys
	// are already gone from the cache by this point, the same reasoning
	// recordAudit's error swallowing below follows.
	_ = inv.publisher.Publish(ctx, pubsub.TopicCacheInvalidate, payload)
}

// InvalidateKeys removes each key in keys from remover directly, without
// pattern matching. Returns the number of keys actually present.
func (inv *Invalidator) InvalidateKeys(ctx context.Context, remover Remover, keys []cachekey.CacheKey, triggeredBy, requestID string) (int, error) {
	start := time.Now()

	deleted := 0
	keyStrings := make([]string, 0, len(keys))
	for _, key := range keys {
		status, err := remover.Remove(ctx, key)
		if err != nil {
			return deleted, fmt.Errorf("invalidation: removing %s: %w", key.String(), err)
		}
		keyStrings = append(keyStrings, key.String())
		if status.Deleted {
			deleted++
		}
	}

	inv.recordAudit(ctx, AuditLog{
		Pattern:     "",
		Keys:        keyStrings,
		TriggeredBy: triggeredBy,
		Timestamp:   start,
		RequestID:   requestID,
		Latency:     time.Since(start),
	})
	inv.publish(ctx, keyStrings, "", requestID)
	return deleted, nil
}

// InvalidatePattern matches pattern against index's known keys, rejects it
// unless it appears verbatim in the allowlist, removes every matching key
// from remover, and records an audit entry. Returns the matched keys that
// were actually present.
func (inv *Invalidator) InvalidatePattern(ctx context.Context, remover Remover, index Index, pattern, triggeredBy, requestID string) ([]cachekey.CacheKey, error) {
	start := time.Now()

	if !inv.allowlist.Allows(pattern) {
		return nil, ErrPatternNotAllowed
	}
	if err := inv.matcher.ValidatePattern(pattern); err != nil {
		return nil, fmt.Errorf("invalidation: invalid pattern %q: %w", pattern, err)
	}

	known := index.Keys()
	byString := make(map[string]cachekey.CacheKey, len(known))
	candidates := make([]string, 0, len(known))
	for _, k := range known {
		s := k.String()
		byString[s] = k
		candidates = append(candidates, s)
	}

	matchedStrings := inv.matcher.Match(pattern, candidates)

	deleted := make([]cachekey.CacheKey, 0, len(matchedStrings))
	for _, s := range matchedStrings {
		key := byString[s]
		status, err := remover.Remove(ctx, key)
		if err != nil {
			return deleted, fmt.Errorf("invalidation: removing %s: %w", s, err)
		}
		if status.Deleted {
			deleted = append(deleted, key)
		}
	}

	inv.recordAudit(ctx, AuditLog{
		Pattern:     pattern,
		Keys:        matchedStrings,
		TriggeredBy: triggeredBy,
		Timestamp:   start,
		RequestID:   requestID,
		Latency:     time.Since(start),
	})
	inv.publish(ctx, matchedStrings, pattern, requestID)
	return deleted, nil
}

func (inv *Invalidator) recordAudit(ctx context.Context, log AuditLog) {
	if inv.audit == nil {
		return
	}
	// Audit persistence failures must not fail the invalidation itself —
	// the keys are already gone from the cache by this point.
	_ = inv.audit.Insert(ctx, log)
}

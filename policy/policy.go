// Package policy defines the PolicyDescriptor that controls a cached
// entity: TTL/stale durations, the stale-handling strategy, and an
// optional per-key concurrency ceiling. Grounded on hitbox's
// PolicyConfig/CacheBehaviorPolicy/EnabledCacheConfig (hitbox/src/policy.rs).
package policy

import "time"

// StalePolicy selects what the state machine does when a lookup finds a
// Stale value.
type StalePolicy int

const (
	// Return serves the stale value with no revalidation.
	Return StalePolicy = iota
	// Revalidate treats the stale hit as a miss: the upstream is
	// consulted synchronously before responding.
	Revalidate
	// OffloadRevalidate serves the stale value immediately and spawns a
	// background revalidation through the offload manager.
	OffloadRevalidate
)

func (s StalePolicy) String() string {
	switch s {
	case Return:
		return "Return"
	case Revalidate:
		return "Revalidate"
	case OffloadRevalidate:
		return "OffloadRevalidate"
	default:
		return "Unknown"
	}
}

// Descriptor is the policy controlling a cached entry.
type Descriptor struct {
	// Enabled gates whether caching applies at all; when false the state
	// machine takes the direct-to-upstream path unconditionally, bypassing
	// caching entirely.
	Enabled bool

	// TTL is the duration until a freshly-written value becomes stale.
	// Nil means no expiry at all (backend-dependent storage behavior):
	// the value never transitions out of Actual on its own.
	TTL *time.Duration

	// Stale is the additional duration, measured from the TTL boundary,
	// during which a value is served as stale before it hard-expires.
	// Nil means no stale window: a value goes straight from Actual to
	// Expired once TTL elapses.
	Stale *time.Duration

	// StalePolicy controls behavior when a Stale value is found.
	StalePolicy StalePolicy

	// ConcurrencyLimit optionally bounds the number of upstream calls
	// in flight for this policy's keys at once. Nil means unbounded.
	ConcurrencyLimit *int
}

// Disabled returns a Descriptor that bypasses caching entirely.
func Disabled() Descriptor {
	return Descriptor{Enabled: false}
}

// Default returns a Descriptor with caching enabled, a 60s TTL, no stale
// window, and no concurrency limit — a reasonable default matching the
// teacher's default TTL (cache-manager/service.go's Config.DefaultTTL).
func Default() Descriptor {
	ttl := 60 * time.Second
	return Descriptor{
		Enabled:     true,
		TTL:         &ttl,
		StalePolicy: Return,
	}
}

// Expiry computes the expire/stale timestamps for a value written now
// under this descriptor. TTL is the Actual-to-Stale boundary; Stale is an
// additional duration on top of that before the Stale-to-Expired boundary.
// A value with TTL=10s and Stale=30s is Actual until t=10s, Stale from
// t=10s to t=40s, and Expired afterward.
func (d Descriptor) Expiry(now time.Time) (expire, stale *time.Time) {
	if d.TTL == nil {
		return nil, nil
	}
	staleAt := now.Add(*d.TTL)
	if d.Stale == nil {
		return &staleAt, nil
	}
	expireAt := staleAt.Add(*d.Stale)
	return &expireAt, &staleAt
}

// Package middleware provides HTTP-layer guards for the caching proxy:
// per-key inbound rate limiting ahead of the cache lookup, so a single
// noisy key cannot force unbounded upstream/offload load even when it
// is otherwise cacheable.
package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// KeyLimiter rate-limits requests per extracted key (IP, API key, cache
// key, ...) using an independent token bucket per key, backed by
// golang.org/x/time/rate rather than a hand-rolled bucket.
type KeyLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewKeyLimiter returns a KeyLimiter allowing rps requests per second per
// key, with bursts up to burst.
func NewKeyLimiter(rps float64, burst int) *KeyLimiter {
	return &KeyLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request for key may proceed, consuming a
// token if so. An empty key always allows, matching the conservative
// default of the token-bucket predecessor this replaces.
func (l *KeyLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}
	return l.limiterFor(key).Allow()
}

func (l *KeyLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// KeyCount returns the number of distinct keys currently tracked.
func (l *KeyLimiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Forget drops a key's limiter state, for callers that periodically
// evict cold keys to bound memory growth.
func (l *KeyLimiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// RateLimitMiddleware wraps next, rejecting requests that exceed limiter
// for the key keyFunc extracts with 429 Too Many Requests.
func RateLimitMiddleware(next http.Handler, limiter *KeyLimiter, keyFunc func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(keyFunc(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyByIP extracts the client IP for rate limiting, preferring
// forwarding headers set by an upstream load balancer.
func KeyByIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// KeyByHeader extracts a header value (an API key, say) for rate
// limiting.
func KeyByHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

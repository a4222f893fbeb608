// Package concurrency implements the C6 concurrency manager: per-key
// coalescing of in-flight upstream calls so that only one request actually
// reaches the upstream while others await its result.
//
// The two-phase Check/Complete protocol (rather than golang.org/x/sync/
// singleflight's single-call Do/DoChan) is intentional: the elected
// caller in this design is the cache state machine itself, which must run
// additional steps (CheckResponseCachePolicy, UpdateCache) between
// "I've been elected" and "here is the result" — singleflight's Do couples
// calling the function to being elected, which doesn't leave room for the
// FSM's intervening states. The internal bookkeeping (mutex-guarded map
// from key to an in-flight call record) is grounded on the same design
// singleflight.Group uses internally.
package concurrency

import (
	"sync"

	"github.com/hitboxcache/hitboxcache/cachekey"
)

// Decision is the result of Manager.Check.
type Decision int

const (
	// Proceed means this caller is elected to perform the upstream call.
	Proceed Decision = iota
	// Await means this caller should wait on the channel returned
	// alongside this decision for the elected caller's result.
	Await
)

// Result is what a coalesced waiter receives once the elected caller
// calls Complete, or the ConcurrencyError if the elected caller never
// publishes.
type Result[Resp any] struct {
	Response Resp
	Err      error
}

// ConcurrencyError is raised when the elected caller is cancelled or
// panics before publishing a response; waiters receive it instead of a
// response.
type ConcurrencyError struct {
	Key cachekey.CacheKey
}

func (e *ConcurrencyError) Error() string {
	return "concurrency: elected caller for key " + e.Key.String() + " did not publish a result"
}

// Manager coalesces concurrent upstream invocations for the same key.
type Manager[Resp any] interface {
	// Check elects one caller to Proceed and makes all others Await the
	// elected caller's eventual Complete call.
	Check(key cachekey.CacheKey) (Decision, <-chan Result[Resp])

	// Complete is called by the elected caller once the upstream has
	// responded (or failed). It wakes all waiters with a copy of the
	// result and returns the same response to the elected caller
	// unchanged.
	Complete(key cachekey.CacheKey, resp Resp, err error) Resp

	// Abandon releases the in-flight entry for key without publishing a
	// result, waking waiters with ConcurrencyError. Must be called if the
	// elected caller is cancelled before it can call Complete.
	Abandon(key cachekey.CacheKey)
}

// Noop always elects Proceed; Complete/Abandon are no-ops beyond
// returning/discarding. Used when concurrency coalescing is disabled.
type Noop[Resp any] struct{}

// NewNoop returns a Manager that never coalesces.
func NewNoop[Resp any]() Manager[Resp] {
	return Noop[Resp]{}
}

// Check always returns Proceed with a nil channel (never consulted).
func (Noop[Resp]) Check(key cachekey.CacheKey) (Decision, <-chan Result[Resp]) {
	return Proceed, nil
}

// Complete is the identity function.
func (Noop[Resp]) Complete(key cachekey.CacheKey, resp Resp, err error) Resp {
	return resp
}

// Abandon is a no-op: there is nothing to release.
func (Noop[Resp]) Abandon(key cachekey.CacheKey) {}

type call[Resp any] struct {
	waiters []chan Result[Resp]
}

// Broadcast coalesces concurrent callers by key using a mutex-guarded
// map from serialized key to an in-flight call record.
type Broadcast[Resp any] struct {
	mu    sync.Mutex
	calls map[string]*call[Resp]
}

// NewBroadcast returns a Manager that coalesces concurrent callers
// sharing the same key.
func NewBroadcast[Resp any]() *Broadcast[Resp] {
	return &Broadcast[Resp]{calls: make(map[string]*call[Resp])}
}

func (b *Broadcast[Resp]) keyOf(key cachekey.CacheKey) string {
	enc, err := key.Serialize(cachekey.FormatBinary)
	if err != nil {
		// Serialize only fails on an unknown format constant, which
		// cannot happen with FormatBinary; fall back to the debug
		// string so Check never panics on a key it cannot coalesce.
		return key.String()
	}
	return string(enc)
}

// Check implements Manager. It is atomic: the first caller for a given
// key creates the call record and is elected; subsequent concurrent
// callers for the same key subscribe to it.
func (b *Broadcast[Resp]) Check(key cachekey.CacheKey) (Decision, <-chan Result[Resp]) {
	k := b.keyOf(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.calls[k]; ok {
		ch := make(chan Result[Resp], 1)
		c.waiters = append(c.waiters, ch)
		return Await, ch
	}

	b.calls[k] = &call[Resp]{}
	return Proceed, nil
}

// Complete implements Manager.
func (b *Broadcast[Resp]) Complete(key cachekey.CacheKey, resp Resp, err error) Resp {
	k := b.keyOf(key)

	b.mu.Lock()
	c, ok := b.calls[k]
	delete(b.calls, k)
	b.mu.Unlock()

	if ok {
		for _, ch := range c.waiters {
			ch <- Result[Resp]{Response: resp, Err: err}
			close(ch)
		}
	}
	return resp
}

// Abandon implements Manager.
func (b *Broadcast[Resp]) Abandon(key cachekey.CacheKey) {
	k := b.keyOf(key)

	b.mu.Lock()
	c, ok := b.calls[k]
	delete(b.calls, k)
	b.mu.Unlock()

	if ok {
		cerr := &ConcurrencyError{Key: key}
		for _, ch := range c.waiters {
			var zero Resp
			ch <- Result[Resp]{Response: zero, Err: cerr}
			close(ch)
		}
	}
}

// InFlight reports the number of keys currently coalescing callers.
// Intended for tests and diagnostics.
func (b *Broadcast[Resp]) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

package fsm

import (
	"context"

	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/hitboxcache/hitboxcache/concurrency"
	"github.com/hitboxcache/hitboxcache/offload"
	"github.com/hitboxcache/hitboxcache/policy"
	"github.com/hitboxcache/hitboxcache/predicate"
)

// Machine runs one request through the cache lifecycle. A single Machine
// is shared across all requests for a given route/handler: it holds the
// shared backend handle, predicates, extractors, policy, and the
// concurrency/offload managers, and carries no per-request state itself
// (all per-request state lives in the run value Run constructs).
type Machine[Req, Resp any] struct {
	Backend           CacheBackend[Resp]
	RequestPredicate  predicate.Predicate[Req]
	ResponsePredicate predicate.Predicate[Resp]
	Extractors        []predicate.Extractor[Req]
	KeyPrefix         string
	KeyVersion        uint32
	Policy            policy.Descriptor
	Concurrency       concurrency.Manager[Resp]
	Offload           offload.Manager
	Clock             cachevalue.Clock
	Logger            Logger

	sem chan struct{}
}

// New builds a Machine. If policy.ConcurrencyLimit is set, a bounded
// semaphore enforces it across every Run sharing this Machine.
func New[Req, Resp any](backend CacheBackend[Resp], reqPred predicate.Predicate[Req], respPred predicate.Predicate[Resp], extractors []predicate.Extractor[Req], keyPrefix string, keyVersion uint32, pol policy.Descriptor, conc concurrency.Manager[Resp], off offload.Manager) *Machine[Req, Resp] {
	m := &Machine[Req, Resp]{
		Backend: backend, RequestPredicate: reqPred, ResponsePredicate: respPred,
		Extractors: extractors, KeyPrefix: keyPrefix, KeyVersion: keyVersion,
		Policy: pol, Concurrency: conc, Offload: off,
		Clock: cachevalue.SystemClock{}, Logger: noopLogger{},
	}
	if pol.ConcurrencyLimit != nil && *pol.ConcurrencyLimit > 0 {
		m.sem = make(chan struct{}, *pol.ConcurrencyLimit)
	}
	return m
}

// WithLogger overrides the default no-op logger.
func (m *Machine[Req, Resp]) WithLogger(l Logger) *Machine[Req, Resp] {
	m.Logger = l
	return m
}

// WithClock overrides the default system clock (for tests).
func (m *Machine[Req, Resp]) WithClock(c cachevalue.Clock) *Machine[Req, Resp] {
	m.Clock = c
	return m
}

func (m *Machine[Req, Resp]) clock() cachevalue.Clock {
	if m.Clock == nil {
		return cachevalue.SystemClock{}
	}
	return m.Clock
}

func (m *Machine[Req, Resp]) logger() Logger {
	if m.Logger == nil {
		return noopLogger{}
	}
	return m.Logger
}

// run carries one request's mutable, non-shared state through the
// transition loop — the Go realization of the source's per-request
// Context-plus-locals, passed by reference and never shared across
// goroutines (the offloaded revalidation does not receive it: revalidate
// writes through a fresh cachecontext.New() of its own).
type run[Req, Resp any] struct {
	req  Req
	resp Resp
	err  error

	key         cachekey.CacheKey
	staleValue  cachevalue.CacheValue[Resp]
	waitCh      <-chan concurrency.Result[Resp]
	semAcquired bool

	cctx cachecontext.Context
}

// Run processes one request to completion, returning the response the
// caller should deliver plus the final Context carrying status/source for
// extension points like cache-status header attachment.
func (m *Machine[Req, Resp]) Run(ctx context.Context, req Req, upstream Upstream[Req, Resp]) (Resp, cachecontext.Context, error) {
	r := &run[Req, Resp]{req: req, cctx: cachecontext.New()}
	state := Initial

	for {
		switch state {
		case Initial:
			if !m.Policy.Enabled {
				state = PollUpstreamDirect
				continue
			}
			state = CheckRequestCachePolicy

		case CheckRequestCachePolicy:
			cacheable, key, req2, err := m.checkRequestCachePolicy(ctx, r.req)
			r.req = req2
			if err != nil {
				m.logger().Warn("fsm: key extraction failed, treating request as non-cacheable", map[string]any{"error": err.Error()})
				state = PollUpstreamDirect
				continue
			}
			if !cacheable {
				state = PollUpstreamDirect
				continue
			}
			r.key = key
			state = PollCache

		case PollCache:
			value, found, err := m.Backend.Get(ctx, r.key, r.cctx)
			if err != nil {
				m.logger().Warn("fsm: backend read failed, treating as miss", map[string]any{"error": err.Error()})
				found = false
			}
			if !found {
				state = CheckConcurrency
				continue
			}
			switch value.CacheState(m.clock()) {
			case cachevalue.Actual:
				r.resp = value.Data
				r.cctx.SetStatus(cachecontext.Hit)
				state = ConvertResponse
			case cachevalue.Stale:
				r.staleValue = value
				state = HandleStale
			default: // Expired
				state = CheckConcurrency
			}

		case HandleStale:
			switch m.Policy.StalePolicy {
			case policy.Return:
				r.resp = r.staleValue.Data
				r.cctx.SetStatus(cachecontext.StaleStatus)
				state = ConvertResponse
			case policy.Revalidate:
				state = CheckConcurrency
			case policy.OffloadRevalidate:
				r.resp = r.staleValue.Data
				r.cctx.SetStatus(cachecontext.StaleStatus)
				m.spawnRevalidation(r.key, r.req, upstream)
				state = ConvertResponse
			}

		case CheckConcurrency:
			decision, waitCh := m.Concurrency.Check(r.key)
			if decision == concurrency.Proceed {
				if m.sem != nil {
					select {
					case m.sem <- struct{}{}:
						r.semAcquired = true
					case <-ctx.Done():
						m.Concurrency.Abandon(r.key)
						r.err = ctx.Err()
						state = Response
						continue
					}
				}
				state = PollUpstream
				continue
			}
			r.waitCh = waitCh
			state = AwaitResponse

		case PollUpstream:
			r.pollUpstream(ctx, m, upstream)
			if r.err != nil {
				state = Response
				continue
			}
			state = UpstreamPolled

		case AwaitResponse:
			select {
			case result, ok := <-r.waitCh:
				if !ok || result.Err != nil {
					if result.Err == nil {
						result.Err = context.Canceled
					}
					r.err = result.Err
					state = Response
					continue
				}
				r.resp = result.Response
				state = UpstreamPolled
			case <-ctx.Done():
				r.err = ctx.Err()
				state = Response
			}

		case UpstreamPolled:
			r.cctx.SetStatus(cachecontext.Miss)
			r.cctx.SetSource(cachecontext.SourceUpstream)
			state = CheckResponseCachePolicy

		case CheckResponseCachePolicy:
			cacheable, resp2 := m.checkResponseCachePolicy(ctx, r.resp)
			r.resp = resp2
			if !cacheable {
				state = Response
				continue
			}
			state = UpdateCache

		case UpdateCache:
			m.updateCache(ctx, r.key, r.resp, r.cctx)
			state = Response

		case ConvertResponse:
			state = Response

		case PollUpstreamDirect:
			resp, err := upstream(ctx, r.req)
			r.resp, r.err = resp, err
			state = Response

		case Response:
			return r.resp, r.cctx, r.err
		}
	}
}

func (m *Machine[Req, Resp]) checkRequestCachePolicy(ctx context.Context, req Req) (bool, cachekey.CacheKey, Req, error) {
	pred := m.RequestPredicate
	if pred == nil {
		pred = predicate.Neutral[Req]()
	}
	subject, decision := pred.Check(ctx, req)
	if decision == predicate.NonCacheable {
		return false, cachekey.CacheKey{}, subject, nil
	}
	subject, key, err := predicate.BuildKey(ctx, m.KeyPrefix, m.KeyVersion, subject, m.Extractors...)
	if err != nil {
		return false, cachekey.CacheKey{}, subject, err
	}
	return true, key, subject, nil
}

func (m *Machine[Req, Resp]) checkResponseCachePolicy(ctx context.Context, resp Resp) (bool, Resp) {
	pred := m.ResponsePredicate
	if pred == nil {
		pred = predicate.Neutral[Resp]()
	}
	subject, decision := pred.Check(ctx, resp)
	return decision == predicate.Cacheable, subject
}

func (m *Machine[Req, Resp]) updateCache(ctx context.Context, key cachekey.CacheKey, resp Resp, cctx cachecontext.Context) {
	expire, stale := m.Policy.Expiry(m.clock().Now())
	value, err := cachevalue.New(resp, expire, stale)
	if err != nil {
		m.logger().Error("fsm: refusing to write invalid cache value", map[string]any{"error": err.Error()})
		return
	}
	if err := m.Backend.Set(ctx, key, value, cctx); err != nil {
		m.logger().Warn("fsm: backend write failed", map[string]any{"error": err.Error()})
	}
}

// pollUpstream runs the elected-caller path: invoke upstream, publish the
// result to any coalesced waiters, and release the concurrency-limit
// permit. If the goroutine is cancelled or panics before Complete is
// called, the deferred cleanup abandons the key so waiters see
// ConcurrencyError instead of hanging forever.
func (r *run[Req, Resp]) pollUpstream(ctx context.Context, m *Machine[Req, Resp], upstream Upstream[Req, Resp]) {
	completed := false
	defer func() {
		if !completed {
			m.Concurrency.Abandon(r.key)
			m.releaseSemaphore(r)
		}
	}()

	resp, err := upstream(ctx, r.req)
	resp = m.Concurrency.Complete(r.key, resp, err)
	completed = true
	m.releaseSemaphore(r)

	r.resp, r.err = resp, err
}

func (m *Machine[Req, Resp]) releaseSemaphore(r *run[Req, Resp]) {
	if r.semAcquired {
		<-m.sem
		r.semAcquired = false
	}
}

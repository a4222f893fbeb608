package fsm

import (
	"context"

	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/concurrency"
)

// spawnRevalidation schedules the background half of stale-while-revalidate:
// CheckConcurrency → PollUpstream → CheckResponseCachePolicy → UpdateCache,
// run for the same key through the offload manager. Because it shares this
// Machine's Concurrency manager and is keyed by the same cache key as the
// main Run path, simultaneous stale hits on the same key collapse into a
// single revalidation: whichever caller (foreground Revalidate path or
// background OffloadRevalidate task) reaches CheckConcurrency first is
// elected; the rest coalesce.
func (m *Machine[Req, Resp]) spawnRevalidation(key cachekey.CacheKey, req Req, upstream Upstream[Req, Resp]) {
	m.Offload.Spawn("fsm.revalidate", key.String(), func(ctx context.Context) error {
		return m.revalidate(ctx, key, req, upstream)
	})
}

// revalidate runs the condensed pipeline a background revalidation needs:
// it does not re-run request predicates or key extraction (the key and
// request are already known), and it never serves a value to a caller —
// it exists purely to refresh the backend entry.
func (m *Machine[Req, Resp]) revalidate(ctx context.Context, key cachekey.CacheKey, req Req, upstream Upstream[Req, Resp]) error {
	decision, waitCh := m.Concurrency.Check(key)
	if decision == concurrency.Await {
		select {
		case result, ok := <-waitCh:
			if !ok {
				return nil
			}
			return result.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	semAcquired := false
	if m.sem != nil {
		select {
		case m.sem <- struct{}{}:
			semAcquired = true
		case <-ctx.Done():
			m.Concurrency.Abandon(key)
			return ctx.Err()
		}
	}

	completed := false
	defer func() {
		if !completed {
			m.Concurrency.Abandon(key)
		}
		if semAcquired {
			<-m.sem
		}
	}()

	resp, err := upstream(ctx, req)
	resp = m.Concurrency.Complete(key, resp, err)
	completed = true
	if err != nil {
		return err
	}

	cacheable, resp2 := m.checkResponseCachePolicy(ctx, resp)
	if !cacheable {
		return nil
	}
	m.updateCache(ctx, key, resp2, cachecontext.New())
	return nil
}

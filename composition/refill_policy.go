package composition

import (
	"context"

	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/offload"
)

// AlwaysRefill schedules a best-effort write of the L2 value into L1 on
// every L2 hit — the default refill policy, maximizing L1 hit rate over
// time.
type AlwaysRefill struct{}

// NewAlwaysRefill returns an AlwaysRefill policy.
func NewAlwaysRefill() AlwaysRefill { return AlwaysRefill{} }

// Execute implements RefillPolicy. The dedup key is the cache key itself
// (matching fsm's own Spawn-by-key.String() convention), so when
// offload.Config.Dedup is enabled, an in-flight refill only suppresses a
// second refill for the same key — not for every other key racing through
// this policy at the same time.
func (AlwaysRefill) Execute(ctx context.Context, key cachekey.CacheKey, refill func(context.Context) error, offloadMgr offload.Manager, logger Logger) {
	offloadMgr.Spawn("composition.refill", key.String(), func(ctx context.Context) error {
		if err := refill(ctx); err != nil {
			logger.Warn("composition: failed to refill L1 from L2", map[string]any{"error": err.Error()})
		}
		return nil
	})
}

// NeverRefill never populates L1 from an L2 hit.
type NeverRefill struct{}

// NewNeverRefill returns a NeverRefill policy.
func NewNeverRefill() NeverRefill { return NeverRefill{} }

// Execute implements RefillPolicy; it is a no-op.
func (NeverRefill) Execute(ctx context.Context, key cachekey.CacheKey, refill func(context.Context) error, offloadMgr offload.Manager, logger Logger) {
}

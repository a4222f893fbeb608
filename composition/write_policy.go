package composition

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hitboxcache/hitboxcache/backend"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/offload"
)

type writeFn func(context.Context, cachekey.CacheKey) error

// SequentialWrite writes to L1 first, then L2 (write-through). On L1
// failure, L2 is never attempted. On L2 failure after L1 succeeded, the
// cache is left in a documented partially-updated state: L1 has the new
// value, L2 does not.
type SequentialWrite struct {
	Logger Logger
}

// NewSequentialWrite returns a SequentialWrite policy.
func NewSequentialWrite() *SequentialWrite {
	return &SequentialWrite{Logger: noopLogger{}}
}

// Execute implements WritePolicy.
func (p *SequentialWrite) Execute(ctx context.Context, key cachekey.CacheKey, writeL1, writeL2 writeFn, offloadMgr offload.Manager) error {
	logger := p.logger()

	if err := writeL1(ctx, key); err != nil {
		logger.Error("composition: L1 write failed", map[string]any{"error": err.Error()})
		return err
	}
	logger.Trace("composition: L1 write succeeded", nil)

	if err := writeL2(ctx, key); err != nil {
		logger.Error("composition: L2 write failed after L1 succeeded - inconsistent state", map[string]any{"error": err.Error()})
		return err
	}
	logger.Trace("composition: L2 write succeeded", nil)
	return nil
}

func (p *SequentialWrite) logger() Logger {
	if p.Logger == nil {
		return noopLogger{}
	}
	return p.Logger
}

// OptimisticParallelWrite writes to L1 and L2 in parallel; it succeeds if
// at least one succeeds, maximizing availability at the cost of potential
// inconsistency. This is the default write policy.
type OptimisticParallelWrite struct {
	Logger Logger
}

// NewOptimisticParallelWrite returns an OptimisticParallelWrite policy.
func NewOptimisticParallelWrite() *OptimisticParallelWrite {
	return &OptimisticParallelWrite{Logger: noopLogger{}}
}

// Execute implements WritePolicy.
func (p *OptimisticParallelWrite) Execute(ctx context.Context, key cachekey.CacheKey, writeL1, writeL2 writeFn, offloadMgr offload.Manager) error {
	logger := p.logger()

	var l1err, l2err error

	// Plain errgroup.Group, not WithContext: a failure on one side must
	// not cancel the other write in flight.
	var g errgroup.Group
	g.Go(func() error {
		l1err = writeL1(ctx, key)
		return nil
	})
	g.Go(func() error {
		l2err = writeL2(ctx, key)
		return nil
	})
	_ = g.Wait()

	switch {
	case l1err == nil && l2err == nil:
		logger.Trace("composition: both L1 and L2 writes succeeded", nil)
		return nil
	case l1err == nil:
		logger.Warn("composition: L2 write failed but L1 succeeded - partial success", map[string]any{"error": l2err.Error()})
		return nil
	case l2err == nil:
		logger.Warn("composition: L1 write failed but L2 succeeded - partial success", map[string]any{"error": l1err.Error()})
		return nil
	default:
		logger.Error("composition: both L1 and L2 writes failed", map[string]any{"l1_error": l1err.Error(), "l2_error": l2err.Error()})
		return &backend.BothLayersFailedError{L1: l1err, L2: l2err}
	}
}

func (p *OptimisticParallelWrite) logger() Logger {
	if p.Logger == nil {
		return noopLogger{}
	}
	return p.Logger
}

// RaceWrite returns success as soon as the first write succeeds; the
// slower write continues in the background via the offload manager
// (failures there are logged, not propagated).
type RaceWrite struct {
	Logger Logger
}

// NewRaceWrite returns a RaceWrite policy.
func NewRaceWrite() *RaceWrite {
	return &RaceWrite{Logger: noopLogger{}}
}

type raceWriteOutcome struct {
	layer Layer
	err   error
}

// Execute implements WritePolicy.
func (p *RaceWrite) Execute(ctx context.Context, key cachekey.CacheKey, writeL1, writeL2 writeFn, offloadMgr offload.Manager) error {
	logger := p.logger()
	results := make(chan raceWriteOutcome, 2)

	go func() {
		results <- raceWriteOutcome{layer: L1, err: writeL1(ctx, key)}
	}()
	go func() {
		results <- raceWriteOutcome{layer: L2, err: writeL2(ctx, key)}
	}()

	first := <-results
	if first.err == nil {
		logger.Trace("composition: race write won by first layer", map[string]any{"layer": first.layer.String()})
		backgroundFinishRaceWrite(ctx, results, offloadMgr, key, logger)
		return nil
	}

	second := <-results
	if second.err == nil {
		logger.Trace("composition: race write won by second layer", map[string]any{"layer": second.layer.String()})
		return nil
	}

	// Both the elected first responder and the second failed: the
	// loser's failure after an eventual winner is logged, not
	// propagated (see DESIGN.md); here neither won, so the race write
	// itself fails.
	logger.Error("composition: race write failed on both layers", map[string]any{
		"first_layer": first.layer.String(), "first_error": first.err.Error(),
		"second_layer": second.layer.String(), "second_error": second.err.Error(),
	})
	return &backend.BothLayersFailedError{L1: pickErr(first, second, L1), L2: pickErr(first, second, L2)}
}

func backgroundFinishRaceWrite(ctx context.Context, results chan raceWriteOutcome, offloadMgr offload.Manager, key cachekey.CacheKey, logger Logger) {
	offloadMgr.Spawn("composition.race_write.drain", key.String(), func(ctx context.Context) error {
		outcome := <-results
		if outcome.err != nil {
			logger.Warn("composition: losing write in race policy failed", map[string]any{
				"layer": outcome.layer.String(), "error": outcome.err.Error(),
			})
		}
		return nil
	})
}

func pickErr(first, second raceWriteOutcome, layer Layer) error {
	if first.layer == layer {
		return first.err
	}
	return second.err
}

func (p *RaceWrite) logger() Logger {
	if p.Logger == nil {
		return noopLogger{}
	}
	return p.Logger
}

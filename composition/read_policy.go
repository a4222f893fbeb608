package composition

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
)

type readFn[T any] func(context.Context, cachekey.CacheKey) (*cachevalue.CacheValue[T], error)

// SequentialRead tries L1 first, falling back to L2 on miss or error. The
// default and most common strategy.
type SequentialRead[T any] struct {
	Logger Logger
}

// NewSequentialRead returns a SequentialRead policy, defaulting to a
// no-op logger.
func NewSequentialRead[T any]() *SequentialRead[T] {
	return &SequentialRead[T]{Logger: noopLogger{}}
}

// Execute implements ReadPolicy.
func (p *SequentialRead[T]) Execute(ctx context.Context, key cachekey.CacheKey, readL1, readL2 readFn[T]) (ReadResult[T], error) {
	logger := p.logger()

	v, err := readL1(ctx, key)
	if err == nil && v != nil {
		logger.Trace("composition: L1 hit", nil)
		return ReadResult[T]{Value: v, Source: L1}, nil
	}
	if err != nil {
		logger.Warn("composition: L1 read failed", map[string]any{"error": err.Error()})
	} else {
		logger.Trace("composition: L1 miss", nil)
	}

	v, err = readL2(ctx, key)
	if err != nil {
		logger.Error("composition: L2 read failed", map[string]any{"error": err.Error()})
		return ReadResult[T]{}, err
	}
	if v != nil {
		logger.Trace("composition: L2 hit", nil)
	} else {
		logger.Trace("composition: L2 miss", nil)
	}
	return ReadResult[T]{Value: v, Source: L2}, nil
}

func (p *SequentialRead[T]) logger() Logger {
	if p.Logger == nil {
		return noopLogger{}
	}
	return p.Logger
}

type raceOutcome[T any] struct {
	layer Layer
	value *cachevalue.CacheValue[T]
	err   error
}

// RaceRead queries L1 and L2 simultaneously and returns the first hit,
// minimizing tail latency at the cost of doubled backend load.
type RaceRead[T any] struct {
	Logger Logger
}

// NewRaceRead returns a RaceRead policy.
func NewRaceRead[T any]() *RaceRead[T] {
	return &RaceRead[T]{Logger: noopLogger{}}
}

// Execute implements ReadPolicy.
func (p *RaceRead[T]) Execute(ctx context.Context, key cachekey.CacheKey, readL1, readL2 readFn[T]) (ReadResult[T], error) {
	logger := p.logger()
	results := make(chan raceOutcome[T], 2)

	go func() {
		v, err := readL1(ctx, key)
		results <- raceOutcome[T]{layer: L1, value: v, err: err}
	}()
	go func() {
		v, err := readL2(ctx, key)
		results <- raceOutcome[T]{layer: L2, value: v, err: err}
	}()

	first := <-results
	if first.err == nil && first.value != nil {
		logger.Trace("composition: race hit", map[string]any{"layer": first.layer.String()})
		return ReadResult[T]{Value: first.value, Source: first.layer}, nil
	}

	second := <-results

	// hit beats miss beats error; on double-error, return L2's error.
	for _, o := range []raceOutcome[T]{first, second} {
		if o.err == nil && o.value != nil {
			logger.Trace("composition: race hit (second to resolve)", map[string]any{"layer": o.layer.String()})
			return ReadResult[T]{Value: o.value, Source: o.layer}, nil
		}
	}
	if first.err != nil && second.err != nil {
		l2err := first.err
		if first.layer == L1 {
			l2err = second.err
		}
		logger.Error("composition: both layers failed in race", map[string]any{"l1_error": errString(first.err), "l2_error": errString(second.err)})
		return ReadResult[T]{}, l2err
	}

	logger.Trace("composition: both layers miss in race", nil)
	return ReadResult[T]{Value: nil, Source: L2}, nil
}

func (p *RaceRead[T]) logger() Logger {
	if p.Logger == nil {
		return noopLogger{}
	}
	return p.Logger
}

// ParallelRead queries L1 and L2 in parallel, awaits both, and prefers the
// response with the longer remaining TTL (fresher data); ties and
// no-expiry cases prefer L1 (see DESIGN.md for the tie-break rationale).
type ParallelRead[T any] struct {
	Clock  cachevalue.Clock
	Logger Logger
}

// NewParallelRead returns a ParallelRead policy using the system clock.
func NewParallelRead[T any]() *ParallelRead[T] {
	return &ParallelRead[T]{Clock: cachevalue.SystemClock{}, Logger: noopLogger{}}
}

// Execute implements ReadPolicy.
func (p *ParallelRead[T]) Execute(ctx context.Context, key cachekey.CacheKey, readL1, readL2 readFn[T]) (ReadResult[T], error) {
	logger := p.logger()
	clock := p.clock()

	var l1v, l2v *cachevalue.CacheValue[T]
	var l1err, l2err error

	// A plain (non-WithContext) errgroup.Group is deliberate: both reads
	// must run to completion regardless of whether the other fails, so
	// the policy below can see both outcomes. errgroup.WithContext would
	// cancel the sibling read's context on the first error, which is
	// exactly the coupling this policy needs to avoid.
	var g errgroup.Group
	g.Go(func() error {
		l1v, l1err = readL1(ctx, key)
		return nil
	})
	g.Go(func() error {
		l2v, l2err = readL2(ctx, key)
		return nil
	})
	_ = g.Wait()

	switch {
	case l1err == nil && l1v != nil && l2err == nil && l2v != nil:
		l1ttl := l1v.TTL(clock)
		l2ttl := l2v.TTL(clock)
		switch {
		case l1ttl != nil && l2ttl != nil && *l2ttl > *l1ttl:
			logger.Trace("composition: both hit, preferring L2 (fresher TTL)", nil)
			return ReadResult[T]{Value: l2v, Source: L2}, nil
		case l1ttl != nil && l2ttl == nil:
			logger.Trace("composition: both hit, preferring L1 (L2 has no expiry)", nil)
			return ReadResult[T]{Value: l1v, Source: L1}, nil
		default:
			logger.Trace("composition: both hit, preferring L1 (fresher or equal TTL)", nil)
			return ReadResult[T]{Value: l1v, Source: L1}, nil
		}
	case l1err == nil && l1v != nil:
		logger.Trace("composition: L1 hit, L2 miss/error", nil)
		return ReadResult[T]{Value: l1v, Source: L1}, nil
	case l2err == nil && l2v != nil:
		logger.Trace("composition: L2 hit, L1 miss/error", nil)
		return ReadResult[T]{Value: l2v, Source: L2}, nil
	case l1err != nil && l2err != nil:
		logger.Error("composition: both layers failed", map[string]any{"l1_error": errString(l1err), "l2_error": errString(l2err)})
		return ReadResult[T]{}, l2err
	default:
		logger.Trace("composition: both layers miss", nil)
		return ReadResult[T]{Value: nil, Source: L2}, nil
	}
}

func (p *ParallelRead[T]) logger() Logger {
	if p.Logger == nil {
		return noopLogger{}
	}
	return p.Logger
}

func (p *ParallelRead[T]) clock() cachevalue.Clock {
	if p.Clock == nil {
		return cachevalue.SystemClock{}
	}
	return p.Clock
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

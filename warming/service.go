// Package warming provides proactive cache warming: predicting or being told
// which keys are about to matter, fetching their values from origin ahead of
// a cold miss, and writing them into a composed cache backend through the
// same offload dispatch path the request-time fsm uses for asynchronous
// work.
//
// Design:
//   - Strategies (strategies.go) turn a candidate key list into prioritized
//     WarmTask values; Predictor (predictor.go) supplies the candidate list
//     from recorded access history when the caller doesn't already have one.
//   - Each task is dispatched through offload.Manager.Spawn, so warming
//     inherits the same MaxConcurrent ceiling, dedup-by-key, and optional
//     dispatch rate limit as any other background task in this module —
//     there is no separate worker pool to keep in sync with offload's.
//   - A singleflight.Group collapses concurrent WarmNow calls for the same
//     key within a single process, so they share one in-flight fetch.
//     Tasks dispatched by WarmKeys do not go through it; they rely on
//     offload's kind+key dedup alone (which only dedups while a task with
//     that kind and key is still in flight).
package warming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitboxcache/hitboxcache/cachecontext"
	"github.com/hitboxcache/hitboxcache/cachekey"
	"github.com/hitboxcache/hitboxcache/cachevalue"
	"github.com/hitboxcache/hitboxcache/composition"
	"github.com/hitboxcache/hitboxcache/offload"
	"github.com/hitboxcache/hitboxcache/pkg/pubsub"
)

// Fetcher loads the value for a key from its origin, for warming a cache
// entry that wasn't reached by a request.
type Fetcher[T any] interface {
	Fetch(ctx context.Context, key cachekey.CacheKey) (T, error)
}

// FetcherFunc adapts a function to a Fetcher.
type FetcherFunc[T any] func(ctx context.Context, key cachekey.CacheKey) (T, error)

func (f FetcherFunc[T]) Fetch(ctx context.Context, key cachekey.CacheKey) (T, error) {
	return f(ctx, key)
}

// KeyResolver turns the opaque string identifiers strategies and predictors
// deal in back into a structured cachekey.CacheKey the backend can store
// under. Warming strategies are deliberately string-keyed (a predicted or
// caller-supplied identifier, not necessarily a cachekey.CacheKey literal),
// so a Warmer is handed the resolver that knows how to map one to the other.
type KeyResolver func(id string) (cachekey.CacheKey, error)

// Config holds runtime configuration for a Warmer.
type Config struct {
	DefaultTTL      time.Duration // TTL applied when a warm task carries none of its own
	OriginTimeout   time.Duration // per-key fetch deadline
	RetryAttempts   int           // total fetch attempts, first try included, before a task is marked failed
	BackoffBase     time.Duration // base duration for exponential retry backoff
	DefaultStrategy string        // strategy name used when a caller doesn't pick one
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      1 * time.Hour,
		OriginTimeout:   5 * time.Second,
		RetryAttempts:   3,
		BackoffBase:     100 * time.Millisecond,
		DefaultStrategy: "priority",
	}
}

// Metrics tracks warmer activity. Counters only; attach to a
// pkg/metrics.Collectors-backed exporter at the call site if Prometheus
// exposition is needed.
type Metrics struct {
	TasksPlanned  atomic.Int64
	TasksSpawned  atomic.Int64
	TasksSucceeded atomic.Int64
	TasksFailed   atomic.Int64
	OriginRequests atomic.Int64
}

// Logger is the subset of pkg/logging.StructuredLogger a Warmer needs.
type Logger interface {
	Warn(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Trace(string, map[string]any) {}

// Warmer drives proactive warming of a single composition.Backend[T].
type Warmer[T any] struct {
	cfg        Config
	backend    *composition.Backend[T]
	fetcher    Fetcher[T]
	resolve    KeyResolver
	offloadMgr offload.Manager
	predictor  Predictor
	strategies map[string]Strategy
	metrics    *Metrics
	log        Logger
	publisher  pubsub.Publisher
	service    string

	deduper singleflight.Group

	mu            sync.RWMutex
	emergencyStop bool
}

// New constructs a Warmer. strategies must be non-empty and include
// cfg.DefaultStrategy (or cfg.DefaultStrategy must be overridden per call).
func New[T any](cfg Config, backend *composition.Backend[T], fetcher Fetcher[T], resolve KeyResolver, offloadMgr offload.Manager, predictor Predictor, strategies ...Strategy) *Warmer[T] {
	byName := make(map[string]Strategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name()] = s
	}
	return &Warmer[T]{
		cfg:        cfg,
		backend:    backend,
		fetcher:    fetcher,
		resolve:    resolve,
		offloadMgr: offloadMgr,
		predictor:  predictor,
		strategies: byName,
		metrics:    &Metrics{},
		log:        noopLogger{},
	}
}

// WithLogger attaches a logger, returning the Warmer for chaining.
func (w *Warmer[T]) WithLogger(l Logger) *Warmer[T] {
	w.log = l
	return w
}

// WithPublisher attaches a pubsub.Publisher that receives a
// WarmCompletedEvent, marshaled to JSON, on pubsub.TopicCacheWarmCompleted
// after each WarmKeys batch finishes. service identifies this Warmer in
// the published event's Service field.
func (w *Warmer[T]) WithPublisher(p pubsub.Publisher, service string) *Warmer[T] {
	w.publisher = p
	w.service = service
	return w
}

// Metrics returns the warmer's counters.
func (w *Warmer[T]) Metrics() *Metrics { return w.metrics }

// Stop disables warming dispatch; already-spawned tasks still complete.
// Used as an emergency brake when origin latency spikes, mirroring the
// circuit-breaking a stampede-prevention warmer needs.
func (w *Warmer[T]) Stop() {
	w.mu.Lock()
	w.emergencyStop = true
	w.mu.Unlock()
}

// Resume clears a prior Stop.
func (w *Warmer[T]) Resume() {
	w.mu.Lock()
	w.emergencyStop = false
	w.mu.Unlock()
}

func (w *Warmer[T]) stopped() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.emergencyStop
}

// WarmKeys plans warming tasks for ids using strategyName (or
// cfg.DefaultStrategy if empty) and dispatches each through offloadMgr.
// Returns the number of tasks handed to offloadMgr.Spawn. Spawn reports
// nothing back, so a task it then drops (dedup, MaxConcurrent ceiling or
// rate limit) is still counted.
func (w *Warmer[T]) WarmKeys(ctx context.Context, ids []string, priority int, strategyName string) (int, error) {
	if w.stopped() {
		return 0, nil
	}

	if strategyName == "" {
		strategyName = w.cfg.DefaultStrategy
	}
	strategy, ok := w.strategies[strategyName]
	if !ok {
		return 0, fmt.Errorf("warming: unknown strategy %q", strategyName)
	}

	tasks, err := strategy.Plan(ctx, PlanOptions{Keys: ids, Priority: priority})
	if err != nil {
		return 0, fmt.Errorf("warming: planning: %w", err)
	}
	w.metrics.TasksPlanned.Add(int64(len(tasks)))

	batchStart := time.Now()
	var wg sync.WaitGroup
	var succeeded, failed atomic.Int64

	spawned := 0
	for _, task := range tasks {
		task := task
		key, err := w.resolve(task.Key)
		if err != nil {
			w.log.Warn("warming: resolving key", map[string]any{"id": task.Key, "error": err.Error()})
			continue
		}
		wg.Add(1)
		w.offloadMgr.Spawn("warm", key.String(), func(ctx context.Context) error {
			defer wg.Done()
			err := w.warmOne(ctx, key, task)
			if err != nil {
				failed.Add(1)
			} else {
				succeeded.Add(1)
			}
			return err
		})
		spawned++
	}
	w.metrics.TasksSpawned.Add(int64(spawned))

	if spawned > 0 {
		go w.publishBatchCompletion(&wg, batchStart, &succeeded, &failed)
	}
	return spawned, nil
}

// publishBatchCompletion waits for a batch's dispatched tasks to finish and
// publishes a WarmCompletedEvent summarizing it. offloadMgr.Spawn silently
// drops a task it dedups or rejects at its concurrency ceiling, so a task
// that never ran would otherwise leave wg permanently un-decremented; the
// wait is bounded so such a batch still gets reported (the undecremented
// tasks count toward neither succeeded nor failed, i.e. as dropped).
func (w *Warmer[T]) publishBatchCompletion(wg *sync.WaitGroup, start time.Time, succeeded, failed *atomic.Int64) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timeout := w.cfg.OriginTimeout * time.Duration(w.cfg.RetryAttempts+1)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout + 5*time.Second):
	}

	if w.publisher == nil {
		return
	}

	status := "success"
	if failed.Load() > 0 {
		status = "partial"
		if succeeded.Load() == 0 {
			status = "failed"
		}
	}

	event := &pubsub.WarmCompletedEvent{
		Version:     pubsub.EventVersion1,
		Service:     w.service,
		Status:      status,
		Duration:    time.Since(start),
		KeysWarmed:  int(succeeded.Load()),
		KeysFailed:  int(failed.Load()),
		CompletedAt: time.Now(),
		RequestID:   fmt.Sprintf("warm-batch-%d", start.UnixNano()),
	}
	payload, err := event.ToJSON()
	if err != nil {
		return
	}
	_ = w.publisher.Publish(context.Background(), pubsub.TopicCacheWarmCompleted, payload)
}

// WarmPredicted asks predictor for up to limit keys likely to be accessed
// within window and warms them via strategyName.
func (w *Warmer[T]) WarmPredicted(ctx context.Context, window time.Duration, limit int, priority int, strategyName string) (int, error) {
	ids, err := w.predictor.PredictHotKeys(ctx, window, limit)
	if err != nil {
		return 0, fmt.Errorf("warming: predicting: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	return w.WarmKeys(ctx, ids, priority, strategyName)
}

// WarmNow fetches and caches id synchronously, bypassing offload dispatch.
// Concurrent callers warming the same id within the same process share the
// one in-flight fetch via singleflight.
func (w *Warmer[T]) WarmNow(ctx context.Context, id string) error {
	key, err := w.resolve(id)
	if err != nil {
		return fmt.Errorf("warming: resolving key: %w", err)
	}

	_, err, _ = w.deduper.Do(key.String(), func() (any, error) {
		return nil, w.warmOne(ctx, key, WarmTask{Key: id, TTL: w.cfg.DefaultTTL})
	})
	return err
}

func (w *Warmer[T]) warmOne(ctx context.Context, key cachekey.CacheKey, task WarmTask) error {
	if w.cfg.OriginTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.OriginTimeout)
		defer cancel()
	}

	data, err := w.fetchWithRetry(ctx, key)
	w.metrics.OriginRequests.Add(1)
	if err != nil {
		w.metrics.TasksFailed.Add(1)
		w.log.Warn("warming: fetch failed", map[string]any{"key": key.String(), "error": err.Error()})
		return err
	}

	ttl := task.TTL
	if ttl <= 0 {
		ttl = w.cfg.DefaultTTL
	}
	expire := time.Now().Add(ttl)
	value, err := cachevalue.New(data, &expire, nil)
	if err != nil {
		w.metrics.TasksFailed.Add(1)
		return fmt.Errorf("warming: building cache value: %w", err)
	}

	cctx := cachecontext.New()
	if err := w.backend.Set(ctx, key, value, cctx); err != nil {
		w.metrics.TasksFailed.Add(1)
		return fmt.Errorf("warming: writing backend: %w", err)
	}

	w.metrics.TasksSucceeded.Add(1)
	w.log.Trace("warming: key warmed", map[string]any{"key": key.String()})
	return nil
}

func (w *Warmer[T]) fetchWithRetry(ctx context.Context, key cachekey.CacheKey) (T, error) {
	var zero T
	attempts := w.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.BackoffBase << uint(attempt-1)
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		data, err := w.fetcher.Fetch(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

// Package offload implements the C5 offload manager: a bounded
// background-task executor with per-key deduplication, used for refill
// writes, stale-while-revalidate background tasks, and the slow side of a
// Race write. Grounded on hitbox/src/offload/{mod,policy}.rs.
package offload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TimeoutPolicy controls how a spawned task's own deadline is enforced.
type TimeoutPolicy struct {
	kind     timeoutKind
	duration time.Duration
}

type timeoutKind int

const (
	timeoutNone timeoutKind = iota
	timeoutCancel
	timeoutWarn
)

// NoTimeout applies no deadline to spawned tasks.
func NoTimeout() TimeoutPolicy { return TimeoutPolicy{kind: timeoutNone} }

// CancelAfter cancels a spawned task's context after d if it hasn't
// completed.
func CancelAfter(d time.Duration) TimeoutPolicy {
	return TimeoutPolicy{kind: timeoutCancel, duration: d}
}

// WarnAfter logs a warning after d if the task hasn't completed, but does
// not cancel it.
func WarnAfter(d time.Duration) TimeoutPolicy {
	return TimeoutPolicy{kind: timeoutWarn, duration: d}
}

// Logger is the minimal logging capability the offload manager needs; it
// is satisfied by pkg/logging.StructuredLogger as well as a no-op in
// tests.
type Logger interface {
	Warn(msg string, fields map[string]any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, map[string]any) {}

// Config configures a Manager.
type Config struct {
	// MaxConcurrent bounds the number of tasks running at once. Zero
	// means unbounded.
	MaxConcurrent int
	// Timeout is applied to every spawned task's context.
	Timeout TimeoutPolicy
	// Dedup, when true, suppresses a spawn whose (kind, key) matches a
	// task already in flight.
	Dedup bool
	// Logger receives warnings (ceiling hit, task failure, timeout
	// warnings). Defaults to a no-op logger.
	Logger Logger

	// RateLimit, if set, bounds how often Spawn may actually dispatch a
	// task, independent of MaxConcurrent (which bounds how many run at
	// once, not how fast new ones start). A task that arrives with no
	// token available is dropped with a warning, the same as hitting the
	// concurrency ceiling — this is a shedding limiter, not a queue.
	RateLimit *rate.Limiter
}

// ConfigBuilder builds a Config with validation, mirroring hitbox's
// OffloadConfigBuilder.
type ConfigBuilder struct {
	cfg Config
	err error
}

// NewConfigBuilder returns a builder seeded with sane defaults: unbounded
// concurrency, no timeout, no dedup.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{Logger: noopLogger{}}}
}

// WithMaxConcurrent sets the concurrency ceiling. n must be positive.
func (b *ConfigBuilder) WithMaxConcurrent(n int) *ConfigBuilder {
	if n <= 0 {
		b.err = fmt.Errorf("offload: max concurrent must be positive, got %d", n)
		return b
	}
	b.cfg.MaxConcurrent = n
	return b
}

// WithTimeoutPolicy sets the per-task timeout policy. A Cancel/Warn policy
// must carry a positive duration.
func (b *ConfigBuilder) WithTimeoutPolicy(p TimeoutPolicy) *ConfigBuilder {
	if p.kind != timeoutNone && p.duration <= 0 {
		b.err = fmt.Errorf("offload: timeout duration must be positive for policy kind %d", p.kind)
		return b
	}
	b.cfg.Timeout = p
	return b
}

// WithDedup enables or disables per-key deduplication.
func (b *ConfigBuilder) WithDedup(enabled bool) *ConfigBuilder {
	b.cfg.Dedup = enabled
	return b
}

// WithLogger overrides the default no-op logger.
func (b *ConfigBuilder) WithLogger(l Logger) *ConfigBuilder {
	b.cfg.Logger = l
	return b
}

// WithRateLimit caps how often Spawn may dispatch a new task. Pass nil
// (the default) for no rate limiting.
func (b *ConfigBuilder) WithRateLimit(r *rate.Limiter) *ConfigBuilder {
	b.cfg.RateLimit = r
	return b
}

// Build returns the configured Config, or an error from any invalid
// builder call.
func (b *ConfigBuilder) Build() (Config, error) {
	if b.err != nil {
		return Config{}, b.err
	}
	if b.cfg.Logger == nil {
		b.cfg.Logger = noopLogger{}
	}
	return b.cfg, nil
}

// Manager runs fire-and-forget tasks under global limits.
type Manager interface {
	// Spawn runs fn in the background, identified by kind and an
	// optional caller-supplied dedup key. If dedup is enabled and an
	// equivalent task is already in flight, the new one is suppressed.
	// If at the concurrency ceiling, the task is dropped with a warning.
	Spawn(kind, key string, fn func(context.Context) error)

	// WaitAll blocks until all currently tracked tasks finish or timeout
	// elapses, returning true iff all finished in time. Exclusively for
	// tests.
	WaitAll(timeout time.Duration) bool
}

type activeManager struct {
	cfg Config

	mu       sync.Mutex
	active   int
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

// New returns a Manager enforcing cfg's limits.
func New(cfg Config) Manager {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &activeManager{cfg: cfg, inFlight: make(map[string]struct{})}
}

func dedupKey(kind, key string) string {
	return kind + "\x00" + key
}

func (m *activeManager) Spawn(kind, key string, fn func(context.Context) error) {
	dk := dedupKey(kind, key)

	m.mu.Lock()
	if m.cfg.Dedup {
		if _, ok := m.inFlight[dk]; ok {
			m.mu.Unlock()
			return
		}
	}
	if m.cfg.MaxConcurrent > 0 && m.active >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		m.cfg.Logger.Warn("offload: task dropped at concurrency ceiling", map[string]any{
			"kind": kind, "key": key, "ceiling": m.cfg.MaxConcurrent,
		})
		return
	}
	if m.cfg.RateLimit != nil && !m.cfg.RateLimit.Allow() {
		m.mu.Unlock()
		m.cfg.Logger.Warn("offload: task dropped by rate limit", map[string]any{
			"kind": kind, "key": key,
		})
		return
	}
	m.active++
	if m.cfg.Dedup {
		m.inFlight[dk] = struct{}{}
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(dk, kind, key, fn)
}

func (m *activeManager) run(dk, kind, key string, fn func(context.Context) error) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		m.active--
		if m.cfg.Dedup {
			delete(m.inFlight, dk)
		}
		m.mu.Unlock()
	}()

	ctx := context.Background()
	var cancel context.CancelFunc
	var warnTimer *time.Timer

	switch m.cfg.Timeout.kind {
	case timeoutCancel:
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Timeout.duration)
		defer cancel()
	case timeoutWarn:
		warnTimer = time.AfterFunc(m.cfg.Timeout.duration, func() {
			m.cfg.Logger.Warn("offload: task exceeded warn threshold", map[string]any{
				"kind": kind, "key": key, "threshold": m.cfg.Timeout.duration,
			})
		})
		defer warnTimer.Stop()
	}

	if err := fn(ctx); err != nil {
		m.cfg.Logger.Warn("offload: task failed", map[string]any{
			"kind": kind, "key": key, "error": err.Error(),
		})
	}
}

func (m *activeManager) WaitAll(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Disabled rejects every Spawn call, for environments that cannot support
// futures living beyond the caller's own lifetime. WaitAll always returns
// true immediately since nothing is ever tracked.
type Disabled struct {
	Logger Logger
}

// NewDisabled returns a Manager that rejects all Spawn calls.
func NewDisabled() Manager {
	return Disabled{Logger: noopLogger{}}
}

// Spawn logs and drops every task.
func (d Disabled) Spawn(kind, key string, fn func(context.Context) error) {
	logger := d.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	logger.Warn("offload: spawn rejected, manager disabled", map[string]any{"kind": kind, "key": key})
}

// WaitAll always succeeds immediately: nothing is ever tracked.
func (d Disabled) WaitAll(timeout time.Duration) bool {
	return true
}

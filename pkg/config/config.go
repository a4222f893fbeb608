// Package config loads runtime configuration for a composed cache: policy
// defaults, offload limits, and backend endpoints. The teacher has no
// dedicated config package of its own (Encore injects Config structs), so
// this adopts the pack's idiomatic choice for the concern instead —
// spf13/viper, reading YAML with environment-variable overrides, the way
// ipiton-alert-history-service configures its services.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/hitboxcache/hitboxcache/offload"
	"github.com/hitboxcache/hitboxcache/pkg/middleware"
	"github.com/hitboxcache/hitboxcache/policy"
)

// Config is the top-level configuration for a composed cache instance.
type Config struct {
	Policy    PolicyConfig    `mapstructure:"policy"`
	Offload   OffloadConfig   `mapstructure:"offload"`
	Backends  BackendsConfig  `mapstructure:"backends"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// PolicyConfig mirrors policy.Descriptor in a serializable shape.
type PolicyConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	TTL              time.Duration `mapstructure:"ttl"`
	Stale            time.Duration `mapstructure:"stale"`
	StalePolicy      string        `mapstructure:"stale_policy"`
	ConcurrencyLimit int           `mapstructure:"concurrency_limit"`
}

// OffloadConfig mirrors offload.Config in a serializable shape.
type OffloadConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	TimeoutPolicy string        `mapstructure:"timeout_policy"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Dedup         bool          `mapstructure:"dedup"`
	// SpawnRPS/SpawnBurst bound how often Spawn may dispatch a new
	// background task; zero disables rate limiting entirely.
	SpawnRPS   float64 `mapstructure:"spawn_rps"`
	SpawnBurst int     `mapstructure:"spawn_burst"`
}

// BackendsConfig holds endpoints for the L1/L2 backend implementations.
type BackendsConfig struct {
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisDB      int    `mapstructure:"redis_db"`
	MemcacheSize int    `mapstructure:"memcache_size"`
}

// RateLimitConfig configures the inbound per-key HTTP rate limiter
// guarding the caching proxy ahead of cache lookup/upstream dispatch.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Build returns a *middleware.KeyLimiter, or nil if rate limiting is
// disabled.
func (c RateLimitConfig) Build() *middleware.KeyLimiter {
	if !c.Enabled {
		return nil
	}
	return middleware.NewKeyLimiter(c.RPS, c.Burst)
}

// Load reads configuration from path (YAML), overlaying environment
// variables prefixed HITBOXCACHE_ (e.g. HITBOXCACHE_POLICY_TTL), and
// returns the populated Config. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HITBOXCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.ttl", 60*time.Second)
	v.SetDefault("policy.stale", 0)
	v.SetDefault("policy.stale_policy", "return")
	v.SetDefault("policy.concurrency_limit", 0)

	v.SetDefault("offload.max_concurrent", 32)
	v.SetDefault("offload.timeout_policy", "none")
	v.SetDefault("offload.timeout", 0)
	v.SetDefault("offload.dedup", true)
	v.SetDefault("offload.spawn_rps", 0)
	v.SetDefault("offload.spawn_burst", 0)

	v.SetDefault("backends.redis_addr", "localhost:6379")
	v.SetDefault("backends.redis_db", 0)
	v.SetDefault("backends.memcache_size", 10000)

	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 100)
	v.SetDefault("rate_limit.burst", 200)
}

// Descriptor converts PolicyConfig into a policy.Descriptor.
func (c PolicyConfig) Descriptor() (policy.Descriptor, error) {
	if !c.Enabled {
		return policy.Disabled(), nil
	}

	sp, err := parseStalePolicy(c.StalePolicy)
	if err != nil {
		return policy.Descriptor{}, err
	}

	d := policy.Descriptor{Enabled: true, StalePolicy: sp}
	if c.TTL > 0 {
		ttl := c.TTL
		d.TTL = &ttl
	}
	if c.Stale > 0 {
		stale := c.Stale
		d.Stale = &stale
	}
	if c.ConcurrencyLimit > 0 {
		limit := c.ConcurrencyLimit
		d.ConcurrencyLimit = &limit
	}
	return d, nil
}

func parseStalePolicy(s string) (policy.StalePolicy, error) {
	switch s {
	case "", "return":
		return policy.Return, nil
	case "revalidate":
		return policy.Revalidate, nil
	case "offload_revalidate":
		return policy.OffloadRevalidate, nil
	default:
		return 0, fmt.Errorf("config: unknown stale_policy %q", s)
	}
}

// Build converts OffloadConfig into an offload.Config using logger for
// offload warnings.
func (c OffloadConfig) Build(logger offload.Logger) (offload.Config, error) {
	b := offload.NewConfigBuilder()
	if c.MaxConcurrent > 0 {
		b = b.WithMaxConcurrent(c.MaxConcurrent)
	}
	switch c.TimeoutPolicy {
	case "", "none":
		b = b.WithTimeoutPolicy(offload.NoTimeout())
	case "cancel":
		b = b.WithTimeoutPolicy(offload.CancelAfter(c.Timeout))
	case "warn":
		b = b.WithTimeoutPolicy(offload.WarnAfter(c.Timeout))
	default:
		return offload.Config{}, fmt.Errorf("config: unknown offload timeout_policy %q", c.TimeoutPolicy)
	}
	b = b.WithDedup(c.Dedup)
	if c.SpawnRPS > 0 && c.SpawnBurst > 0 {
		b = b.WithRateLimit(rate.NewLimiter(rate.Limit(c.SpawnRPS), c.SpawnBurst))
	}
	if logger != nil {
		b = b.WithLogger(logger)
	}
	return b.Build()
}

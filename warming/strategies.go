package warming

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Strategy decides which candidate cache keys get pre-warmed, in what
// order, and at what priority. Warmer.WarmKeys (service.go) picks a Strategy
// by name from cfg.DefaultStrategy or a ScheduledJob's Strategy field.
type Strategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error)
}

// PlanOptions provides input parameters for warming strategy planning.
type PlanOptions struct {
	Keys     []string          // Candidate key identifiers, resolved to cache keys by the Warmer's KeyResolver
	Priority int               // Base priority level; 0 lets the strategy derive one
	Limit    int               // Maximum number of tasks to generate
	Metadata map[string]string // Additional strategy-specific metadata
}

// WarmTask represents a single cache warming task.
type WarmTask struct {
	Key           string                 // Cache key string to warm
	Priority      int                    // Task priority (higher = more important)
	EstimatedCost int                    // Estimated upstream fetch cost in milliseconds
	TTL           time.Duration          // Cache TTL for this key
	Strategy      string                 // Strategy that created this task
	Metadata      map[string]interface{} // Additional task metadata
}

// SelectiveHotKeysStrategy warms only the hottest keys the predictor
// surfaced. Cheapest strategy: no sorting, no cost model, just a
// straight slice of the already-ranked input.
type SelectiveHotKeysStrategy struct {
	name string
}

// NewSelectiveHotKeysStrategy creates a new selective hot keys strategy.
func NewSelectiveHotKeysStrategy() Strategy {
	return &SelectiveHotKeysStrategy{
		name: "selective",
	}
}

func (s *SelectiveHotKeysStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks for the hottest keys.
// opts.Keys must already be sorted hottest-first (Predictor.PredictHotKeys
// returns them that way).
func (s *SelectiveHotKeysStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	limit := opts.Limit
	if limit <= 0 || limit > len(opts.Keys) {
		limit = len(opts.Keys)
	}

	// Cap to prevent a single warm cycle from overwhelming the offload pool.
	if limit > 1000 {
		limit = 1000
	}

	tasks := make([]WarmTask, 0, limit)

	for i := 0; i < limit; i++ {
		key := opts.Keys[i]

		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (i * 100 / limit) // linear decay from 100; the last key gets about 100/limit
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key),
			TTL:           1 * time.Hour,
			Strategy:      s.name,
		})
	}

	return tasks, nil
}

// BreadthFirstStrategy orders warming by cache key depth: a cached
// response for "/users/123" is warmed before "/users/123/posts", which
// is warmed before "/users/123/posts/456". Useful when a miss on a
// shallow key is more likely to cascade into misses on its children
// (e.g. a list endpoint whose result seeds the detail endpoints).
type BreadthFirstStrategy struct {
	name string
}

// NewBreadthFirstStrategy creates a new breadth-first strategy.
func NewBreadthFirstStrategy() Strategy {
	return &BreadthFirstStrategy{
		name: "breadth",
	}
}

func (s *BreadthFirstStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks in breadth-first order over the keys'
// path-segment depth (segments separated by "/", matching
// cachekey.CacheKey.String()'s rendering).
func (s *BreadthFirstStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	sortedKeys := make([]string, len(opts.Keys))
	copy(sortedKeys, opts.Keys)

	sort.Slice(sortedKeys, func(i, j int) bool {
		depthI := keyDepth(sortedKeys[i])
		depthJ := keyDepth(sortedKeys[j])
		if depthI == depthJ {
			return sortedKeys[i] < sortedKeys[j]
		}
		return depthI < depthJ
	})

	limit := opts.Limit
	if limit <= 0 || limit > len(sortedKeys) {
		limit = len(sortedKeys)
	}

	tasks := make([]WarmTask, 0, limit)

	for i := 0; i < limit; i++ {
		key := sortedKeys[i]
		depth := keyDepth(key)

		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (depth * 10)
			if priority < 0 {
				priority = 0
			}
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: estimateFetchCost(key),
			TTL:           1 * time.Hour,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"depth": depth,
			},
		})
	}

	return tasks, nil
}

// keyDepth counts path segments in a cache key string, split on "/" as
// cachekey.CacheKey.String() does (prefix/vN/part=value/...).
func keyDepth(key string) int {
	return strings.Count(key, "/")
}

// PriorityBasedStrategy scores every candidate and warms the
// highest-scoring keys first: score rewards keys near the front of the
// input (opts.Keys is assumed hottest-first) and penalizes keys whose
// estimated origin fetch is expensive, so a cheap, moderately hot key
// can outrank a very hot but slow one.
type PriorityBasedStrategy struct {
	name string
}

// NewPriorityBasedStrategy creates a new priority-based strategy.
func NewPriorityBasedStrategy() Strategy {
	return &PriorityBasedStrategy{
		name: "priority",
	}
}

func (s *PriorityBasedStrategy) Name() string {
	return s.name
}

// Plan generates warming tasks sorted by calculated priority score.
func (s *PriorityBasedStrategy) Plan(ctx context.Context, opts PlanOptions) ([]WarmTask, error) {
	if len(opts.Keys) == 0 {
		return []WarmTask{}, nil
	}

	tasks := make([]WarmTask, 0, len(opts.Keys))

	for i, key := range opts.Keys {
		cost := estimateFetchCost(key)

		importance := float64(len(opts.Keys)-i) / float64(len(opts.Keys))

		hotness := 1.0
		if i < len(opts.Keys)/10 {
			hotness = 2.0 // top decile gets double weight
		}

		score := (importance * hotness * 100) / float64(cost)
		priority := int(score)
		if priority > 100 {
			priority = 100
		}
		if priority < 0 {
			priority = 0
		}

		tasks = append(tasks, WarmTask{
			Key:           key,
			Priority:      priority,
			EstimatedCost: cost,
			TTL:           1 * time.Hour,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"importance": importance,
				"hotness":    hotness,
				"score":      score,
			},
		})
	}

	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})

	limit := opts.Limit
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// estimateFetchCost estimates the cost, in milliseconds, of re-fetching a
// key's response from upstream. A heuristic over the key string itself,
// not a measurement; refine with actual origin latency once it's
// available through the status reporter.
func estimateFetchCost(key string) int {
	cost := 50

	if len(key) > 50 {
		cost += 20
	}

	// Deeper keys (more path segments) more often mean a join or
	// aggregation on the origin side.
	cost += keyDepth(key) * 10

	// Endpoints known to be expensive to regenerate.
	if containsPattern(key, "search") {
		cost += 100
	}
	if containsPattern(key, "export") {
		cost += 150
	}

	return cost
}

// containsPattern reports whether key contains pattern as a substring.
func containsPattern(key, pattern string) bool {
	return strings.Contains(key, pattern)
}

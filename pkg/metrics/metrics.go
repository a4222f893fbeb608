// Package metrics exposes cache behavior as Prometheus collectors,
// replacing the teacher's hand-rolled atomic-counter Metrics struct
// (cache-manager/service.go) with registered collectors carrying the same
// semantics: hits/misses/stale counts by route, offload queue depth, and
// concurrency-coalescing counts, now backed by real histogram buckets
// instead of hand-computed percentiles over stored samples.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitboxcache/hitboxcache/cachecontext"
)

// Collectors bundles the Prometheus instruments a composed cache registers.
// A Machine's Logger hook is separate from this; Collectors is wired in at
// the call sites that already have status/source/route information (an
// HTTP adapter or a cmd/hitboxd-style composition), not inside fsm itself,
// keeping fsm free of a Prometheus dependency.
type Collectors struct {
	Requests        *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	OffloadQueue    prometheus.Gauge
	Coalesced       *prometheus.CounterVec
}

// NewCollectors builds a Collectors bundle. Call MustRegister against a
// prometheus.Registerer (or prometheus.DefaultRegisterer) separately so
// callers control registry lifetime, matching how client_golang is used
// elsewhere in the pack (blueberrycongee-llmux, ipiton-alert-history-service).
func NewCollectors(namespace string) *Collectors {
	return &Collectors{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total cache requests by route and outcome (hit/miss/stale).",
		}, []string{"route", "status"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream call latency, observed on cache miss and revalidation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		OffloadQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offload_active_tasks",
			Help:      "Number of background offload tasks currently in flight.",
		}),
		Coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_coalesced_total",
			Help:      "Requests that awaited an in-flight upstream call instead of issuing their own.",
		}, []string{"route"}),
	}
}

// Collectors implements prometheus.Collector by describing/collecting each
// contained instrument, so a Collectors value can be registered directly.
func (c *Collectors) Describe(ch chan<- *prometheus.Desc) {
	c.Requests.Describe(ch)
	c.UpstreamLatency.Describe(ch)
	c.OffloadQueue.Describe(ch)
	c.Coalesced.Describe(ch)
}

func (c *Collectors) Collect(ch chan<- prometheus.Metric) {
	c.Requests.Collect(ch)
	c.UpstreamLatency.Collect(ch)
	c.OffloadQueue.Collect(ch)
	c.Coalesced.Collect(ch)
}

// ObserveRequest records one completed request's outcome for route.
func (c *Collectors) ObserveRequest(route string, status cachecontext.Status) {
	c.Requests.WithLabelValues(route, statusLabel(status)).Inc()
}

// ObserveUpstreamLatency records how long an upstream call for route took.
func (c *Collectors) ObserveUpstreamLatency(route string, d time.Duration) {
	c.UpstreamLatency.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveCoalesced records that a request for route awaited an in-flight
// upstream call rather than issuing its own.
func (c *Collectors) ObserveCoalesced(route string) {
	c.Coalesced.WithLabelValues(route).Inc()
}

func statusLabel(s cachecontext.Status) string {
	switch s {
	case cachecontext.Hit:
		return "hit"
	case cachecontext.StaleStatus:
		return "stale"
	default:
		return "miss"
	}
}

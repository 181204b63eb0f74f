// Package metrics exposes the in-process Prometheus instrumentation for
// the dependency cache and the grading steps that feed it: how often a
// cache lookup hits or misses, and how long each named stage takes. It
// deliberately carries no pushgateway client: unlike the teacher's build
// process, this engine is a long-lived service, so a pulled /metrics
// endpoint (via promhttp, wired by the caller) is the natural fit rather
// than a periodic push.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rbx_cache_hits_total",
		Help: "Count of dependency cache lookups that found a valid entry.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rbx_cache_misses_total",
		Help: "Count of dependency cache lookups that found no usable entry.",
	})
	stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rbx_stage_duration_seconds",
		Help:    "Durations of named grading/caching stages.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMisses, stageDuration)
}

// ObserveCacheLookup records the outcome and duration of one dependency
// cache lookup (the enter side of a cache block).
func ObserveCacheLookup(hit bool, d time.Duration) {
	if hit {
		cacheHits.Inc()
	} else {
		cacheMisses.Inc()
	}
	stageDuration.WithLabelValues("cache_lookup").Observe(d.Seconds())
}

// ObserveStageDuration records the duration of an arbitrary named stage,
// e.g. "compile", "run", "run_coordinated", "cache_store".
func ObserveStageDuration(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by freshness
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsync_cache_hits_total",
			Help: "Total number of cache hits by freshness",
		},
		[]string{"state"}, // "fresh", "stale"
	)

	// CacheMisses tracks cache misses (synchronous fetches)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recordsync_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// BackgroundRefreshes tracks stale-while-revalidate refreshes by outcome
	BackgroundRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsync_cache_background_refreshes_total",
			Help: "Total number of background cache refreshes by outcome",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	// Fallbacks tracks failed fetches answered with a last-known-good payload
	Fallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recordsync_cache_fallbacks_total",
			Help: "Total number of failed fetches served from the last-known-good entry",
		},
	)

	// EntryAge tracks the age of served entries
	EntryAge = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recordsync_cache_entry_age_seconds",
			Help:    "Age of cache entries when served",
			Buckets: []float64{1, 10, 60, 300, 600, 900, 1800, 3600},
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsync_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "put"
	)
)

package pagination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for pagination.
var (
	// Fetches counts page fetches by outcome (merged, error, stale).
	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordsync_pagination_fetches_total",
		Help: "Page fetches by outcome",
	}, []string{"outcome"})

	// FetchDuration tracks page fetch latency.
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recordsync_pagination_fetch_duration_seconds",
		Help:    "Page fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	})

	// GuardSkips counts LoadMore calls that were no-ops (busy, exhausted).
	GuardSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordsync_pagination_guard_skips_total",
		Help: "LoadMore calls skipped by a guard",
	}, []string{"reason"})

	// DuplicatesDropped counts records dropped on merge because their ID was
	// already in the Window.
	DuplicatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordsync_pagination_duplicates_dropped_total",
		Help: "Records dropped on merge as duplicates",
	})

	// ModeSwitches counts switches from offset to cursor mode.
	ModeSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordsync_pagination_mode_switches_total",
		Help: "Switches from offset to cursor pagination",
	})

	// Degraded counts Windows that hit the offset ceiling without a cursor.
	Degraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordsync_pagination_degraded_total",
		Help: "Offset ceiling reached without a cursor",
	})
)

// Package metrics exposes the Prometheus registry of the recordsync engine.
// All metrics are defined in their respective packages (client, cache,
// pagination, reconcile, ...) to maintain modularity and avoid circular
// dependencies; this package documents them and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registerer used by all packages.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - recordsync_api_requests_total{resource, status} (Counter): Requests by resource and HTTP status
//   - recordsync_api_request_duration_seconds{resource, kind} (Histogram): Request duration (lookup|aggregate)
//   - recordsync_api_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//
// Retry Metrics (pkg/client):
//   - recordsync_api_retries_total{error_class} (Counter): Retry attempts by error class
//   - recordsync_api_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - recordsync_api_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - recordsync_rate_limit_remaining (Gauge): Requests remaining in the current quota window
//   - recordsync_rate_limit_blocks_total (Counter): Requests blocked at the critical threshold
//   - recordsync_rate_limit_throttles_total (Counter): Requests throttled at the warning threshold
//
// Cache Metrics (pkg/cache):
//   - recordsync_cache_hits_total{state} (Counter): Hits by entry state (fresh, stale)
//   - recordsync_cache_misses_total (Counter): Misses
//   - recordsync_cache_background_refreshes_total{outcome} (Counter): Stale-while-revalidate refreshes
//   - recordsync_cache_fallbacks_total (Counter): Failed refreshes served from the last-known-good entry
//   - recordsync_cache_entry_age_seconds (Histogram): Age of entries at read time
//   - recordsync_cache_errors_total{operation} (Counter): Store errors seen by the cache
//
// Store Metrics (pkg/store):
//   - recordsync_store_errors_total{backend, operation} (Counter): Redis/SQLite errors
//
// Pagination Metrics (pkg/pagination):
//   - recordsync_pagination_fetches_total{outcome} (Counter): Page fetches (merged, stale, error)
//   - recordsync_pagination_fetch_duration_seconds (Histogram): Page fetch duration
//   - recordsync_pagination_guard_skips_total{reason} (Counter): LoadMore calls skipped (busy, exhausted)
//   - recordsync_pagination_duplicates_dropped_total (Counter): Records dropped by ID dedup
//   - recordsync_pagination_mode_switches_total (Counter): Offset to cursor switches
//   - recordsync_pagination_degraded_total (Counter): Windows capped at the offset ceiling
//
// Interaction Metrics (pkg/search, pkg/scroll):
//   - recordsync_search_fires_total (Counter): Debounced search resets
//   - recordsync_search_superseded_total (Counter): Keystrokes superseded within the quiet period
//   - recordsync_scroll_evaluations_total{result} (Counter): Scroll trigger evaluations by result
//
// Reconcile Metrics (pkg/reconcile):
//   - recordsync_reconcile_publishes_total{outcome} (Counter): Publishes (success, partial, failure)
//   - recordsync_reconcile_rejected_edits_total{reason} (Counter): Rejected edits by reason
//
// Example Prometheus Queries:
//
//   # Stale serve ratio
//   sum(rate(recordsync_cache_hits_total{state="stale"}[5m])) /
//   (sum(rate(recordsync_cache_hits_total[5m])) + sum(rate(recordsync_cache_misses_total[5m])))
//
//   # Degraded Windows
//   increase(recordsync_pagination_degraded_total[1h]) > 0
//
//   # Stale responses discarded after a reset
//   rate(recordsync_pagination_fetches_total{outcome="stale"}[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(recordsync_api_request_duration_seconds_bucket[5m]))
//
//   # Publish failure rate
//   rate(recordsync_reconcile_publishes_total{outcome="failure"}[5m])

// Package cache keeps last-known-good result sets per filter signature with
// staleness semantics.
//
// The cache layer implements stale-while-revalidate:
//
//   - Fresh entries (age <= TTL) are served directly
//   - Stale entries are served immediately and exactly one background refresh runs per key
//   - Missing entries block on a synchronous fetch
//   - A failed fetch never surfaces as an error while any entry exists; the
//     last-known-good payload is served with an age-annotated warning
//   - Entries are never evicted, only superseded
//
// TTLs are fixed per resource kind: 10 minutes by default, 15 minutes for
// sub-resource counts.
//
// # Basic Usage
//
//	layer := cache.NewLayer[[]Order](store.NewMemory(), cache.DefaultConfig(), logger)
//
//	key := cache.Key{Namespace: "orders", Kind: cache.KindRecords, Signature: q.Signature()}
//	result, err := layer.Get(ctx, key, func(ctx context.Context) ([]Order, error) {
//		return api.FirstPage(ctx, q)
//	})
//	if result.Warning != "" {
//		// show a dismissible notice
//	}
//
// # Selective Invalidation
//
//	// Refresh only the counts of one category; other categories are untouched
//	report := counts.RefreshKeys(ctx, []cache.Key{categoryKey}, fetchCount)
//
// # Metrics
//
//   - recordsync_cache_hits_total{state} - Cache hits (fresh, stale)
//   - recordsync_cache_misses_total - Cache misses
//   - recordsync_cache_background_refreshes_total{outcome} - Background refreshes
//   - recordsync_cache_fallbacks_total - Failed fetches answered from cache
//   - recordsync_cache_entry_age_seconds - Age of served entries
//   - recordsync_cache_errors_total{operation} - Cache operation errors
package cache

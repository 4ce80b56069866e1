// Package pagination owns the per-view Window of records and loads it in
// bounded increments from a remote collection.
//
// # Offset and cursor mode
//
// Pages are requested by offset until the offset ceiling (default 2000) is
// reached. Offset requests are clamped so they never reach the ceiling. The
// response that reaches the ceiling must carry a cursor; from then on every
// request carries the most recently returned cursor and never an offset. If
// no cursor is returned at the ceiling, the Window is marked degraded and
// reports no more results instead of looping.
//
// # Sequence tokens
//
// Reset synchronously clears the Window and bumps its sequence token before
// any new fetch is issued. A response whose token no longer matches is
// discarded on arrival with ErrStaleResponse; it is never merged.
//
// # hasMore
//
// A short batch (fewer records than requested) always means exhaustion.
// For a full batch the explicit server flag wins when present; without a
// flag a full batch means more results exist.
//
// Usage:
//
//	ctrl := pagination.New[record.Generic, record.Query](fetcher, pagination.DefaultConfig(), logger)
//	ctrl.Reset(query)
//	for ctrl.State().HasMore {
//	    if _, err := ctrl.LoadMore(ctx); err != nil {
//	        break
//	    }
//	}
package pagination

package cache

import (
	"context"
	"sync"
	"time"
)

// KeyOutcome is the result of refreshing one key.
type KeyOutcome struct {
	Key     Key
	Source  Source // SourceFetched or SourceFallback
	Warning string
	Err     error // set only when no fallback entry existed
}

// RefreshReport summarises a selective refresh.
type RefreshReport struct {
	Outcomes []KeyOutcome
	Duration time.Duration
}

// Failed returns the outcomes that ended without any payload.
func (r RefreshReport) Failed() []KeyOutcome {
	var failed []KeyOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// RefreshKeys refreshes only the given keys (e.g. one category of many) using
// a bounded worker pool. Entries for other keys are untouched. Outcomes are
// returned in the order of keys.
func (l *Layer[T]) RefreshKeys(ctx context.Context, keys []Key, fetchFor func(Key) Fetch[T]) RefreshReport {
	start := time.Now()
	outcomes := make([]KeyOutcome, len(keys))
	if len(keys) == 0 {
		return RefreshReport{}
	}

	workers := l.config.MaxConcurrency
	if workers > len(keys) {
		workers = len(keys)
	}

	queue := make(chan int, len(keys))
	for i := range keys {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0

			for i := range queue {
				key := keys[i]

				select {
				case <-ctx.Done():
					outcomes[i] = KeyOutcome{Key: key, Err: ctx.Err()}
					continue
				default:
				}

				result, err := l.Refresh(ctx, key, fetchFor(key))
				outcomes[i] = KeyOutcome{
					Key:     key,
					Source:  result.Source,
					Warning: result.Warning,
					Err:     err,
				}
				processed++
			}

			if processed > 0 {
				l.logger.Debug().
					Int("worker_id", workerID).
					Int("keys_processed", processed).
					Msg("Refresh worker completed")
			}
		}(w)
	}
	wg.Wait()

	report := RefreshReport{Outcomes: outcomes, Duration: time.Since(start)}

	l.logger.Info().
		Int("keys", len(keys)).
		Int("failed", len(report.Failed())).
		Dur("duration", report.Duration).
		Msg("Selective refresh complete")

	return report
}

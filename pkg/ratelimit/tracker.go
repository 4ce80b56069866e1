package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// ErrBlocked is returned when the quota is critically low.
var ErrBlocked = errors.New("request blocked: rate limit critical")

// Prometheus metrics for rate limit tracking.
var (
	requestsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recordsync_rate_limit_remaining",
		Help: "Number of requests remaining in the current CRM API rate limit window",
	})

	rateLimitBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordsync_rate_limit_blocks_total",
		Help: "Total number of requests blocked due to critical rate limit",
	})

	rateLimitThrottlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordsync_rate_limit_throttles_total",
		Help: "Total number of requests throttled due to warning rate limit",
	})
)

// Tracker monitors the CRM API rate limit and gates requests.
type Tracker struct {
	store    store.Store
	logger   zerolog.Logger
	throttle time.Duration
}

// NewTracker creates a new rate limit tracker persisting state in st.
func NewTracker(st store.Store, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:    st,
		logger:   logger,
		throttle: 1 * time.Second,
	}
}

// SetThrottle overrides the delay applied in the warning state (for testing).
func (t *Tracker) SetThrottle(d time.Duration) {
	t.throttle = d
}

// GetState retrieves the current rate limit state.
// Returns a default healthy state if nothing is stored.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	item, err := t.store.Get(ctx, StoreKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			t.logger.Debug().Msg("No rate limit state stored, returning default healthy state")
			return &State{
				Remaining:  100, // Assume healthy until we get real data
				ResetAt:    time.Now().Add(60 * time.Second),
				LastUpdate: time.Now(),
				IsHealthy:  true,
			}, nil
		}
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	var state State
	if err := json.Unmarshal(item.Value, &state); err != nil {
		return nil, fmt.Errorf("parse rate limit state: %w", err)
	}
	state.UpdateHealth()

	return &state, nil
}

// UpdateFromHeaders parses rate limit headers and stores the new state.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		// Header not present - not every endpoint reports quota
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Remaining header: %w", err)
	}

	resetStr := headers.Get("X-RateLimit-Reset")
	if resetStr == "" {
		return fmt.Errorf("X-RateLimit-Reset header missing")
	}

	resetSeconds, err := strconv.Atoi(resetStr)
	if err != nil {
		return fmt.Errorf("parse X-RateLimit-Reset header: %w", err)
	}

	now := time.Now()
	state := &State{
		Remaining:  remain,
		ResetAt:    now.Add(time.Duration(resetSeconds) * time.Second),
		LastUpdate: now,
	}
	state.UpdateHealth()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}
	if err := t.store.Put(ctx, StoreKey, store.Item{Value: data, StoredAt: now}); err != nil {
		return fmt.Errorf("store rate limit state: %w", err)
	}

	requestsRemaining.Set(float64(remain))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("CRM API rate limit CRITICAL - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Msg("CRM API rate limit WARNING - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", remain).
			Time("reset_at", state.ResetAt).
			Bool("is_healthy", state.IsHealthy).
			Msg("Rate limit state updated")
	}

	return nil
}

// Wait gates a request on the current rate limit state.
// Returns ErrBlocked if the quota is critical, sleeps (context-aware) when
// throttling applies, and returns nil when the request may proceed.
func (t *Tracker) Wait(ctx context.Context) error {
	state, err := t.GetState(ctx)
	if err != nil {
		// State unavailable: do not stall requests on a store outage
		t.logger.Warn().Err(err).Msg("Rate limit state unavailable, allowing request")
		return nil
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("CRM API rate limit critical - blocking request")

		rateLimitBlocksTotal.Inc()
		return fmt.Errorf("%w (resets in %s)", ErrBlocked, state.TimeUntilReset().Round(time.Second))
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("CRM API rate limit warning - throttling request")

		rateLimitThrottlesTotal.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.throttle):
		}
	}

	return nil
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/rs/zerolog"
)

var (
	// ErrNoEntry indicates no entry exists for the key.
	ErrNoEntry = errors.New("cache: no entry")

	// ErrInvalidEntry indicates the stored entry could not be decoded.
	ErrInvalidEntry = errors.New("cache: invalid entry")
)

// Fetch loads a fresh payload from the remote API.
type Fetch[T any] func(ctx context.Context) (T, error)

// Source describes where a served payload came from.
type Source string

const (
	// SourceFresh is a cached payload within its TTL.
	SourceFresh Source = "fresh"

	// SourceStale is a cached payload past its TTL; a background refresh runs.
	SourceStale Source = "stale"

	// SourceFetched is a payload fetched synchronously (miss or explicit refresh).
	SourceFetched Source = "fetched"

	// SourceFallback is a last-known-good payload served because a fetch failed.
	SourceFallback Source = "fallback"
)

// Result is a payload together with its provenance.
type Result[T any] struct {
	Payload  T
	Source   Source
	Stale    bool
	CachedAt time.Time
	Age      time.Duration

	// Warning is set when the payload is older than its TTL and the last
	// refresh attempt failed.
	Warning string
}

// Config holds the cache layer configuration.
type Config struct {
	// DefaultTTL applies to kinds without an explicit TTL.
	DefaultTTL time.Duration

	// TTLs overrides the TTL per resource kind.
	TTLs map[Kind]time.Duration

	// RefreshTimeout bounds each background refresh.
	RefreshTimeout time.Duration

	// MaxConcurrency bounds RefreshKeys workers.
	MaxConcurrency int

	// Now is the clock (default time.Now).
	Now func() time.Time
}

// DefaultConfig returns the default TTLs: 10 minutes, 15 minutes for counts.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:     DefaultTTL,
		TTLs:           map[Kind]time.Duration{KindCounts: CountsTTL},
		RefreshTimeout: 5 * time.Minute,
		MaxConcurrency: 4,
		Now:            time.Now,
	}
}

// Layer caches last-known-good result sets with stale-while-revalidate
// semantics. Entries are never evicted, only superseded.
type Layer[T any] struct {
	store  store.Store
	config Config
	logger zerolog.Logger

	mu         sync.Mutex
	refreshing map[string]struct{}
	failures   map[string]error
	onRefresh  func(Key, T)
	wg         sync.WaitGroup
}

// NewLayer creates a cache layer on top of a key-value store.
func NewLayer[T any](st store.Store, config Config, logger zerolog.Logger) *Layer[T] {
	if st == nil {
		panic("store cannot be nil")
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 5 * time.Minute
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Layer[T]{
		store:      st,
		config:     config,
		logger:     logger,
		refreshing: make(map[string]struct{}),
		failures:   make(map[string]error),
	}
}

// TTLFor returns the TTL of a resource kind.
func (l *Layer[T]) TTLFor(kind Kind) time.Duration {
	if ttl, ok := l.config.TTLs[kind]; ok && ttl > 0 {
		return ttl
	}
	return l.config.DefaultTTL
}

// IsStale reports whether the entry is past its TTL now.
func (l *Layer[T]) IsStale(entry *Entry[T]) bool {
	return entry.IsStale(l.config.Now())
}

// Peek returns the stored entry without triggering any fetch.
// Returns ErrNoEntry if nothing is stored for key.
func (l *Layer[T]) Peek(ctx context.Context, key Key) (*Entry[T], error) {
	item, err := l.store.Get(ctx, key.String())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoEntry
		}
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("store get: %w", err)
	}

	var payload T
	if err := json.Unmarshal(item.Value, &payload); err != nil {
		CacheErrors.WithLabelValues("get").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	return &Entry[T]{
		Key:      key.String(),
		Payload:  payload,
		CachedAt: item.StoredAt,
		TTL:      l.TTLFor(key.Kind),
	}, nil
}

// Put replaces the entry for key with payload, timestamped now.
func (l *Layer[T]) Put(ctx context.Context, key Key, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal payload: %w", err)
	}

	item := store.Item{
		Value:    data,
		StoredAt: l.config.Now(),
		TTL:      l.TTLFor(key.Kind),
	}
	if err := l.store.Put(ctx, key.String(), item); err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("store put: %w", err)
	}

	l.mu.Lock()
	delete(l.failures, key.String())
	l.mu.Unlock()

	return nil
}

// Get returns the payload for key.
//
//   - fresh entry: served as is
//   - stale entry: served immediately, one background refresh is started
//   - no entry: fetch is called synchronously; its error is returned
func (l *Layer[T]) Get(ctx context.Context, key Key, fetch Fetch[T]) (Result[T], error) {
	entry, err := l.Peek(ctx, key)
	if err != nil && !errors.Is(err, ErrNoEntry) {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, fetching")
	}

	if entry != nil {
		now := l.config.Now()
		age := entry.Age(now)
		EntryAge.Observe(age.Seconds())

		if !entry.IsStale(now) {
			CacheHits.WithLabelValues("fresh").Inc()
			l.logger.Debug().Str("key", key.String()).Dur("age", age).Msg("Cache hit")
			return Result[T]{
				Payload:  entry.Payload,
				Source:   SourceFresh,
				CachedAt: entry.CachedAt,
				Age:      age,
			}, nil
		}

		CacheHits.WithLabelValues("stale").Inc()
		l.logger.Debug().Str("key", key.String()).Dur("age", age).Msg("Cache hit (stale), revalidating")

		result := Result[T]{
			Payload:  entry.Payload,
			Source:   SourceStale,
			Stale:    true,
			CachedAt: entry.CachedAt,
			Age:      age,
		}
		if lastErr := l.lastFailure(key); lastErr != nil {
			result.Warning = AgeWarning(age, lastErr)
		}

		l.refreshInBackground(key, fetch)
		return result, nil
	}

	CacheMisses.Inc()
	l.logger.Debug().Str("key", key.String()).Msg("Cache miss")

	payload, err := fetch(ctx)
	if err != nil {
		return Result[T]{}, fmt.Errorf("fetch %s: %w", key.String(), err)
	}

	if err := l.Put(ctx, key, payload); err != nil {
		l.logger.Warn().Err(err).Str("key", key.String()).Msg("Failed to cache result")
	}

	return Result[T]{
		Payload:  payload,
		Source:   SourceFetched,
		CachedAt: l.config.Now(),
	}, nil
}

// Refresh fetches synchronously and supersedes the entry for key.
// If the fetch fails while any entry exists, however old, the entry is
// returned as a fallback with an age-annotated warning and no error.
func (l *Layer[T]) Refresh(ctx context.Context, key Key, fetch Fetch[T]) (Result[T], error) {
	payload, err := fetch(ctx)
	if err == nil {
		if putErr := l.Put(ctx, key, payload); putErr != nil {
			l.logger.Warn().Err(putErr).Str("key", key.String()).Msg("Failed to cache result")
		}
		return Result[T]{
			Payload:  payload,
			Source:   SourceFetched,
			CachedAt: l.config.Now(),
		}, nil
	}

	entry, peekErr := l.Peek(ctx, key)
	if peekErr != nil {
		return Result[T]{}, fmt.Errorf("refresh %s: %w", key.String(), err)
	}

	l.recordFailure(key, err)
	Fallbacks.Inc()

	now := l.config.Now()
	age := entry.Age(now)
	l.logger.Warn().
		Err(err).
		Str("key", key.String()).
		Dur("age", age).
		Msg("Refresh failed, serving last-known-good entry")

	return Result[T]{
		Payload:  entry.Payload,
		Source:   SourceFallback,
		Stale:    entry.IsStale(now),
		CachedAt: entry.CachedAt,
		Age:      age,
		Warning:  AgeWarning(age, err),
	}, nil
}

// OnRefresh registers fn to be called after a background refresh has stored
// a new payload. fn runs on the refresh goroutine.
func (l *Layer[T]) OnRefresh(fn func(Key, T)) {
	l.mu.Lock()
	l.onRefresh = fn
	l.mu.Unlock()
}

// Wait blocks until all background refreshes have finished.
func (l *Layer[T]) Wait() {
	l.wg.Wait()
}

// Refreshing reports whether a background refresh for key is running.
func (l *Layer[T]) Refreshing(key Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.refreshing[key.String()]
	return ok
}

// refreshInBackground starts at most one refresh per key.
func (l *Layer[T]) refreshInBackground(key Key, fetch Fetch[T]) {
	k := key.String()

	l.mu.Lock()
	if _, running := l.refreshing[k]; running {
		l.mu.Unlock()
		return
	}
	l.refreshing[k] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.refreshing, k)
			l.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), l.config.RefreshTimeout)
		defer cancel()

		payload, err := fetch(ctx)
		if err != nil {
			BackgroundRefreshes.WithLabelValues("failure").Inc()
			l.recordFailure(key, err)
			l.logger.Warn().Err(err).Str("key", k).Msg("Background refresh failed, keeping stale entry")
			return
		}

		if err := l.Put(ctx, key, payload); err != nil {
			BackgroundRefreshes.WithLabelValues("failure").Inc()
			l.logger.Warn().Err(err).Str("key", k).Msg("Failed to store refreshed entry")
			return
		}

		BackgroundRefreshes.WithLabelValues("success").Inc()
		l.logger.Debug().Str("key", k).Msg("Background refresh complete")

		l.mu.Lock()
		notify := l.onRefresh
		l.mu.Unlock()
		if notify != nil {
			notify(key, payload)
		}
	}()
}

func (l *Layer[T]) recordFailure(key Key, err error) {
	l.mu.Lock()
	l.failures[key.String()] = err
	l.mu.Unlock()
}

func (l *Layer[T]) lastFailure(key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[key.String()]
}

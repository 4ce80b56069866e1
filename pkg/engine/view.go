// Package engine composes pagination, caching, search debouncing and the
// scroll trigger into one generic per-view engine. Every dashboard page is a
// View over its own record type and filter signature.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/recordsync/pkg/cache"
	"github.com/Sternrassler/recordsync/pkg/pagination"
	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/Sternrassler/recordsync/pkg/scroll"
	"github.com/Sternrassler/recordsync/pkg/search"
	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/rs/zerolog"
)

const maxNotices = 8

// ErrRefetchFallback is returned by Reload when the remote fetch of the
// first page failed and the cached copy was shown instead.
var ErrRefetchFallback = errors.New("engine: first page served from cache after remote failure")

// Signature is a filter signature that carries a search term.
type Signature[S any] interface {
	comparable
	Signature() string
	SearchTerm() string
	WithSearch(term string) S
}

// Loader receives the Window after it changed, e.g. a reconcile.Reconciler
// taking it as server baseline.
type Loader[R any] interface {
	Load(records []R) error
}

// Notice is a non-blocking message for the user.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Props is what the rendering layer receives.
type Props[R record.Record] struct {
	Signature   string   `json:"signature"`
	Records     []R      `json:"records"`
	Loading     bool     `json:"loading"`
	LoadingMore bool     `json:"loadingMore"`
	HasMore     bool     `json:"hasMore"`
	Degraded    bool     `json:"degraded"`
	WarmStart   bool     `json:"warmStart"`
	Stale       bool     `json:"stale"`
	Total       *int     `json:"total,omitempty"`
	Notices     []Notice `json:"notices,omitempty"`

	OnLoadMore func() `json:"-"`
	OnRefresh  func() `json:"-"`
}

// Snapshot is the advisory warm-start copy of a view's last Window.
type Snapshot[R record.Record] struct {
	Signature string    `json:"signature"`
	Records   []R       `json:"records"`
	SavedAt   time.Time `json:"saved_at"`
}

// Config holds view configuration.
type Config struct {
	// Name identifies the view; it namespaces cache keys and snapshots.
	Name string

	Pagination pagination.Config
	Scroll     scroll.Config
	Search     search.Config

	// CacheKind selects the TTL of the view's first-page cache entries.
	CacheKind cache.Kind

	// SnapshotLimit caps the records kept in the warm-start snapshot.
	SnapshotLimit int
}

// DefaultConfig returns the default view configuration.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		Pagination:    pagination.DefaultConfig(),
		Scroll:        scroll.DefaultConfig(),
		Search:        search.DefaultConfig(),
		CacheKind:     cache.KindRecords,
		SnapshotLimit: pagination.DefaultConfig().PageSize,
	}
}

// Options holds optional collaborators of a view.
type Options[R record.Record] struct {
	// Cache serves the first page with stale-while-revalidate semantics.
	// It must not be shared with another view.
	Cache *cache.Layer[pagination.Page[R]]

	// Snapshots persists warm-start snapshots.
	Snapshots store.Store

	// Probe measures the list sentinel; without it there is no scroll
	// trigger and OnLoadMore calls LoadMore directly.
	Probe scroll.Probe
}

// View is the per-view engine.
type View[R record.Record, S Signature[S]] struct {
	config    Config
	remote    pagination.Fetcher[R, S]
	ctrl      *pagination.Controller[R, S]
	cache     *cache.Layer[pagination.Page[R]]
	snapshots store.Store
	trigger   *scroll.Trigger
	debouncer *search.Debouncer
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	loader  Loader[R]
	notices []Notice
	stale   bool
	served  map[uint64]cacheServe

	// replaced is the seq whose first page a background refresh swapped in.
	replaced uint64
}

// cacheServe is how the cache answered a first-page request. It is applied
// to the view only once the page is merged into the Window it was fetched for.
type cacheServe struct {
	source  cache.Source
	stale   bool
	warning string
}

// New creates a view that loads pages through fetcher.
func New[R record.Record, S Signature[S]](fetcher pagination.Fetcher[R, S], config Config, opts Options[R], logger zerolog.Logger) *View[R, S] {
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if config.Name == "" {
		config.Name = "default"
	}
	if config.CacheKind == "" {
		config.CacheKind = cache.KindRecords
	}
	if config.SnapshotLimit <= 0 {
		config.SnapshotLimit = config.Pagination.PageSize
	}

	logger = logger.With().Str("view", config.Name).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	v := &View[R, S]{
		config:    config,
		remote:    fetcher,
		cache:     opts.Cache,
		snapshots: opts.Snapshots,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		served:    make(map[uint64]cacheServe),
	}

	v.ctrl = pagination.New[R, S](pagination.FetcherFunc[R, S](v.fetchPage), config.Pagination, logger)
	v.debouncer = search.New(config.Search, v.resetAndFetch, logger)
	if opts.Probe != nil {
		v.trigger = scroll.New(opts.Probe, scrollTarget[R, S]{v}, config.Scroll, logger)
	}
	if v.cache != nil {
		v.cache.OnRefresh(v.onCacheRefresh)
	}

	return v
}

// Name returns the view name.
func (v *View[R, S]) Name() string {
	return v.config.Name
}

// SetLoader registers the collaborator fed with every new Window.
func (v *View[R, S]) SetLoader(l Loader[R]) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loader = l
}

// Mount binds the view to sig, shows the warm-start snapshot if one matches
// and loads the first page.
func (v *View[R, S]) Mount(ctx context.Context, sig S) error {
	v.debouncer.Cancel()
	v.debouncer.Sync(sig.SearchTerm())

	seq := v.reset(sig)
	if records, ok := v.loadSnapshot(ctx, sig); ok && v.ctrl.Seed(seq, records) {
		v.logger.Debug().Int("records", len(records)).Msg("Warm start from snapshot")
	}

	return v.first(ctx)
}

// SetSearch schedules a reset with a new search term once input is quiet.
func (v *View[R, S]) SetSearch(term string) {
	v.debouncer.OnTermChange(term)
}

// FlushSearch applies a pending search term immediately.
func (v *View[R, S]) FlushSearch() bool {
	return v.debouncer.Flush()
}

// SetSignature switches the view to sig immediately, e.g. on a filter
// change. A pending search term is dropped.
func (v *View[R, S]) SetSignature(ctx context.Context, sig S) error {
	v.debouncer.Cancel()
	v.debouncer.Sync(sig.SearchTerm())
	v.reset(sig)
	return v.first(ctx)
}

func (v *View[R, S]) resetAndFetch(term string) {
	sig := v.ctrl.Signature().WithSearch(term)
	v.reset(sig)
	if err := v.first(v.ctx); err != nil {
		v.logger.Debug().Err(err).Str("term", term).Msg("Search reset fetch failed")
	}
}

// reset clears the Window synchronously before any new fetch is issued.
func (v *View[R, S]) reset(sig S) uint64 {
	seq := v.ctrl.Reset(sig)
	v.afterReset(seq)
	return seq
}

func (v *View[R, S]) afterReset(seq uint64) {
	v.mu.Lock()
	v.notices = nil
	v.stale = false
	v.mu.Unlock()

	if v.trigger != nil {
		v.trigger.Rearm(seq)
	}
}

// first loads the first page of a fresh Window. A stale response is not an
// error for the caller: a newer Window superseded it.
func (v *View[R, S]) first(ctx context.Context) error {
	_, err := v.LoadMore(ctx)
	if errors.Is(err, pagination.ErrStaleResponse) || errors.Is(err, pagination.ErrBusy) {
		return nil
	}
	return err
}

// LoadMore loads the next page. Guard outcomes (busy, exhausted, stale)
// are returned as their sentinel errors and never become notices.
func (v *View[R, S]) LoadMore(ctx context.Context) (pagination.Outcome, error) {
	out, _, err := v.loadMore(ctx)
	return out, err
}

func (v *View[R, S]) loadMore(ctx context.Context) (pagination.Outcome, cacheServe, error) {
	out, err := v.ctrl.LoadMore(ctx)

	var served cacheServe
	if err == nil || errors.Is(err, pagination.ErrStaleResponse) {
		v.mu.Lock()
		served = v.served[out.Seq]
		delete(v.served, out.Seq)
		if err == nil && served.source != "" && v.ctrl.Seq() == out.Seq {
			fresh := v.replaced == out.Seq
			v.stale = served.stale && !fresh
			if served.warning != "" && !fresh {
				v.notifyLocked("warning", served.warning)
			}
		}
		v.mu.Unlock()
	}

	switch {
	case err == nil:
		if out.Degraded {
			v.notify("warning", "Showing the first results only: the remote API returned no continuation past its offset limit")
		}
		v.afterMerge(ctx)
	case errors.Is(err, pagination.ErrBusy), errors.Is(err, pagination.ErrStaleResponse):
	case errors.Is(err, pagination.ErrExhausted):
		if out.Degraded {
			v.notify("warning", "Showing the first results only: the remote API returned no continuation past its offset limit")
		}
	default:
		v.notify("warning", fmt.Sprintf("Could not load records: %v", err))
	}
	return out, served, err
}

// Refresh reloads the first page bypassing the cache freshness check. If
// the remote fetch fails the last-known-good page is shown with a warning.
func (v *View[R, S]) Refresh(ctx context.Context) error {
	seq := v.ctrl.Invalidate()
	v.afterReset(seq)
	return v.first(ctx)
}

// Reload re-fetches the Window from the server, bypassing the cache, until
// it is at least as long as before or exhausted. It returns the new Window.
// If the remote fetch of the first page fails the cached page is still
// shown, but Reload reports ErrRefetchFallback: the Window is not server
// truth.
func (v *View[R, S]) Reload(ctx context.Context) ([]R, error) {
	target := v.ctrl.State().Len

	seq := v.ctrl.Invalidate()
	v.afterReset(seq)

	for {
		_, served, err := v.loadMore(ctx)
		if errors.Is(err, pagination.ErrExhausted) {
			break
		}
		if err != nil {
			return nil, err
		}
		if served.source == cache.SourceFallback {
			return nil, fmt.Errorf("%w: %s", ErrRefetchFallback, served.warning)
		}
		if v.ctrl.State().Len >= target {
			break
		}
	}
	return v.ctrl.Records(), nil
}

// OnScroll forwards a scroll event to the trigger.
func (v *View[R, S]) OnScroll() {
	if v.trigger != nil {
		v.trigger.OnScroll()
	}
}

// Records returns the current Window.
func (v *View[R, S]) Records() []R {
	return v.ctrl.Records()
}

// State returns the pagination state.
func (v *View[R, S]) State() pagination.State {
	return v.ctrl.State()
}

// Signature returns the current signature.
func (v *View[R, S]) Signature() S {
	return v.ctrl.Signature()
}

// Props returns the render props of the view.
func (v *View[R, S]) Props() Props[R] {
	state := v.ctrl.State()

	v.mu.Lock()
	notices := append([]Notice(nil), v.notices...)
	stale := v.stale
	v.mu.Unlock()

	return Props[R]{
		Signature:   state.Signature,
		Records:     v.ctrl.Records(),
		Loading:     state.Loading,
		LoadingMore: state.LoadingMore,
		HasMore:     state.HasMore,
		Degraded:    state.Degraded,
		WarmStart:   state.WarmStart,
		Stale:       stale,
		Total:       state.Total,
		Notices:     notices,
		OnLoadMore:  v.onLoadMore,
		OnRefresh: func() {
			_ = v.Refresh(v.ctx)
		},
	}
}

// onLoadMore is the renderer callback; with a scroll trigger the call goes
// through its guards so the renderer cannot over-request.
func (v *View[R, S]) onLoadMore() {
	if v.trigger != nil {
		v.trigger.Fire()
		return
	}
	_, _ = v.LoadMore(v.ctx)
}

// Close stops timers and cancels in-flight work started by the view.
func (v *View[R, S]) Close() {
	v.debouncer.Stop()
	if v.trigger != nil {
		v.trigger.Dispose()
	}
	v.cancel()
}

// fetchPage serves first pages through the cache and every other page from
// the remote API.
func (v *View[R, S]) fetchPage(ctx context.Context, req pagination.Request[S]) (pagination.Page[R], error) {
	if v.cache == nil || !req.Cursor.IsStart() {
		return v.remote.FetchPage(ctx, req)
	}

	key := v.cacheKey(req.Signature)
	fetch := func(ctx context.Context) (pagination.Page[R], error) {
		return v.remote.FetchPage(ctx, req)
	}

	var (
		result cache.Result[pagination.Page[R]]
		err    error
	)
	if req.Fresh {
		result, err = v.cache.Refresh(ctx, key, fetch)
	} else {
		result, err = v.cache.Get(ctx, key, fetch)
	}
	if err != nil {
		return pagination.Page[R]{}, err
	}

	v.mu.Lock()
	v.served[req.Seq] = cacheServe{source: result.Source, stale: result.Stale, warning: result.Warning}
	v.mu.Unlock()
	return result.Payload, nil
}

func (v *View[R, S]) cacheKey(sig S) cache.Key {
	return cache.Key{Namespace: v.config.Name, Kind: v.config.CacheKind, Signature: sig.Signature()}
}

// onCacheRefresh swaps in a background-refreshed first page while the
// Window still shows only that page.
func (v *View[R, S]) onCacheRefresh(key cache.Key, page pagination.Page[R]) {
	if key != v.cacheKey(v.ctrl.Signature()) {
		return
	}
	seq := v.ctrl.Seq()
	if !v.ctrl.Replace(seq, page) {
		return
	}

	v.mu.Lock()
	v.stale = false
	v.replaced = seq
	v.mu.Unlock()
	v.afterMerge(v.ctx)
}

func (v *View[R, S]) afterMerge(ctx context.Context) {
	records := v.ctrl.Records()

	v.mu.Lock()
	loader := v.loader
	v.mu.Unlock()
	if loader != nil {
		if err := loader.Load(records); err != nil {
			v.logger.Debug().Err(err).Msg("Loader rejected Window")
		}
	}

	v.saveSnapshot(ctx, records)
}

func (v *View[R, S]) snapshotKey() string {
	return "recordsync:snapshot:" + v.config.Name
}

func (v *View[R, S]) saveSnapshot(ctx context.Context, records []R) {
	if v.snapshots == nil {
		return
	}
	if len(records) > v.config.SnapshotLimit {
		records = records[:v.config.SnapshotLimit]
	}

	snap := Snapshot[R]{
		Signature: v.ctrl.Signature().Signature(),
		Records:   records,
		SavedAt:   time.Now(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		v.logger.Warn().Err(err).Msg("Failed to encode snapshot")
		return
	}
	if err := v.snapshots.Put(ctx, v.snapshotKey(), store.Item{Value: data, StoredAt: snap.SavedAt}); err != nil {
		v.logger.Warn().Err(err).Msg("Failed to save snapshot")
	}
}

func (v *View[R, S]) loadSnapshot(ctx context.Context, sig S) ([]R, bool) {
	if v.snapshots == nil {
		return nil, false
	}

	item, err := v.snapshots.Get(ctx, v.snapshotKey())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			v.logger.Warn().Err(err).Msg("Failed to read snapshot")
		}
		return nil, false
	}

	var snap Snapshot[R]
	if err := json.Unmarshal(item.Value, &snap); err != nil {
		v.logger.Warn().Err(err).Msg("Discarding unreadable snapshot")
		return nil, false
	}
	if snap.Signature != sig.Signature() || len(snap.Records) == 0 {
		return nil, false
	}
	return snap.Records, true
}

func (v *View[R, S]) notify(level, message string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notifyLocked(level, message)
}

func (v *View[R, S]) notifyLocked(level, message string) {
	for _, n := range v.notices {
		if n.Message == message {
			return
		}
	}
	v.notices = append(v.notices, Notice{Level: level, Message: message})
	if len(v.notices) > maxNotices {
		v.notices = v.notices[len(v.notices)-maxNotices:]
	}
}

// scrollTarget exposes the view to the scroll trigger.
type scrollTarget[R record.Record, S Signature[S]] struct {
	v *View[R, S]
}

func (t scrollTarget[R, S]) Loading() bool {
	state := t.v.ctrl.State()
	return state.Loading || state.LoadingMore
}

func (t scrollTarget[R, S]) HasMore() bool      { return t.v.ctrl.State().HasMore }
func (t scrollTarget[R, S]) Generation() uint64 { return t.v.ctrl.Seq() }
func (t scrollTarget[R, S]) Len() int           { return t.v.ctrl.State().Len }

func (t scrollTarget[R, S]) LoadMore(ctx context.Context) error {
	_, err := t.v.LoadMore(ctx)
	return err
}

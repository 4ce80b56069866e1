package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Sternrassler/recordsync/pkg/cache"
	"github.com/Sternrassler/recordsync/pkg/pagination"
	"github.com/Sternrassler/recordsync/pkg/reconcile"
	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/Sternrassler/recordsync/pkg/scroll"
	"github.com/Sternrassler/recordsync/pkg/search"
	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/Sternrassler/recordsync/pkg/transition"
	"github.com/rs/zerolog"
)

// GenericView is a view over schema-less records.
type GenericView = View[record.Generic, record.Query]

// Entry is one registered dashboard page: its view, its edit reconciler and,
// when the page shows per-category counts, its counts service.
type Entry struct {
	Name   string
	Query  record.Query
	View   *GenericView
	Edits  *reconcile.Reconciler[record.Generic]
	Counts *Counts
}

// Client is the remote API as used by registered pages.
type Client interface {
	PageClient
	PublishClient
}

// PageSpec describes a page to build.
type PageSpec struct {
	Name     string
	Query    record.Query
	Endpoint Endpoint

	// CountField enables per-category counts over this filter field.
	CountField string
}

// BuildOptions holds the collaborators shared by all built pages.
type BuildOptions struct {
	Store      store.Store
	Snapshots  store.Store
	Cache      cache.Config
	Policy     *transition.Policy
	Pagination pagination.Config
	Search     search.Config
	Scroll     scroll.Config
}

// Build wires a view, a reconciler and optionally counts for one page. Each
// page gets its own cache layers over the shared store.
func Build(c Client, spec PageSpec, opts BuildOptions, logger zerolog.Logger) *Entry {
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Cache.DefaultTTL <= 0 {
		opts.Cache = cache.DefaultConfig()
	}

	cfg := DefaultConfig(spec.Name)
	if opts.Pagination.PageSize > 0 {
		cfg.Pagination = opts.Pagination
		cfg.SnapshotLimit = opts.Pagination.PageSize
	}
	if opts.Search.QuietPeriod > 0 {
		cfg.Search = opts.Search
	}
	if opts.Scroll.Debounce > 0 {
		cfg.Scroll = opts.Scroll
	}

	fetcher := NewRemoteFetcher[record.Generic](c, spec.Endpoint)
	view := New[record.Generic, record.Query](fetcher, cfg, Options[record.Generic]{
		Cache:     cache.NewLayer[pagination.Page[record.Generic]](opts.Store, opts.Cache, logger),
		Snapshots: opts.Snapshots,
	}, logger)

	resource := spec.Endpoint.Resource
	if resource == "" {
		resource = spec.Query.Resource
	}

	rcfg := reconcile.DefaultConfig()
	if opts.Policy != nil {
		rcfg.Policy = opts.Policy
	}
	edits := reconcile.New[record.Generic](NewClientPublisher(c, resource), view.Reload, rcfg, logger.With().Str("view", spec.Name).Logger())
	view.SetLoader(edits)

	entry := &Entry{Name: spec.Name, Query: spec.Query, View: view, Edits: edits}
	if spec.CountField != "" {
		entry.Counts = NewCounts(c, spec.Name, resource, spec.CountField, cache.NewLayer[int](opts.Store, opts.Cache, logger))
	}
	return entry
}

// Registry holds the registered pages by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds an entry. Names must be unique.
func (r *Registry) Register(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("view %q already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered view.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.View.Close()
	}
}

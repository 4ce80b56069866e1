package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Sternrassler/recordsync/pkg/engine"
	"github.com/Sternrassler/recordsync/pkg/logging"
	"github.com/Sternrassler/recordsync/pkg/metrics"
	"github.com/Sternrassler/recordsync/pkg/pagination"
	"github.com/Sternrassler/recordsync/pkg/reconcile"
	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/Sternrassler/recordsync/pkg/transition"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured views as a JSON API",
		Long: `Serve the configured dashboard views over HTTP.

Each view pages through its remote collection on demand, caches its first
page with stale-while-revalidate semantics and keeps pending status edits
until they are published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logging.Setup(cfg.LoggingConfig())
			logger := logging.NewLogger("server")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, closeStore, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer closeStore()

			c, err := newClient(cfg, st)
			if err != nil {
				return err
			}

			registry := engine.NewRegistry()
			defer registry.Close()

			engineLogger := logging.NewLogger("engine")

			for _, spec := range cfg.PageSpecs() {
				entry := engine.Build(c, spec, engine.BuildOptions{
					Store:      st,
					Snapshots:  st,
					Cache:      cfg.CacheConfig(),
					Policy:     cfg.Policy(),
					Pagination: cfg.PaginationConfig(),
					Search:     cfg.SearchConfig(),
					Scroll:     cfg.ScrollConfig(),
				}, engineLogger)
				if err := registry.Register(entry); err != nil {
					return err
				}
			}

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           newServer(registry, logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info().
					Str("addr", cfg.Server.Addr).
					Str("api", cfg.API.BaseURL).
					Strs("views", registry.Names()).
					Msg("Starting recordsync server")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

// server exposes registered views over HTTP.
type server struct {
	registry *engine.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	mounted map[string]bool
}

func newServer(registry *engine.Registry, logger zerolog.Logger) *server {
	return &server{
		registry: registry,
		logger:   logger,
		mounted:  make(map[string]bool),
	}
}

// Handler returns the routes of the server.
func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /views", s.handleList)
	mux.HandleFunc("GET /views/{name}", s.withView(s.handleGet))
	mux.HandleFunc("POST /views/{name}/load-more", s.withView(s.handleLoadMore))
	mux.HandleFunc("POST /views/{name}/refresh", s.withView(s.handleRefresh))
	mux.HandleFunc("POST /views/{name}/search", s.withView(s.handleSearch))
	mux.HandleFunc("POST /views/{name}/edits", s.withView(s.handleEdit))
	mux.HandleFunc("DELETE /views/{name}/edits", s.withView(s.handleRevertAll))
	mux.HandleFunc("POST /views/{name}/bulk", s.withView(s.handleBulk))
	mux.HandleFunc("GET /views/{name}/options", s.withView(s.handleOptions))
	mux.HandleFunc("POST /views/{name}/publish", s.withView(s.handlePublish))
	mux.HandleFunc("GET /views/{name}/counts", s.withView(s.handleCounts))

	return s.logRequests(mux)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// viewResponse is the render state of a view plus its pending edits.
type viewResponse struct {
	Name string `json:"name"`
	engine.Props[record.Generic]
	Phase   reconcile.Phase         `json:"phase"`
	Pending []reconcile.PendingEdit `json:"pending"`
}

type viewHandler func(w http.ResponseWriter, r *http.Request, entry *engine.Entry)

// withView resolves the view and mounts it on first use.
func (s *server) withView(h viewHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, ok := s.registry.Get(r.PathValue("name"))
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("unknown view %q", r.PathValue("name")))
			return
		}
		if err := s.ensureMounted(r.Context(), entry); err != nil {
			s.logger.Warn().Err(err).Str("view", entry.Name).Msg("Initial load failed")
		}
		h(w, r, entry)
	}
}

func (s *server) ensureMounted(ctx context.Context, entry *engine.Entry) error {
	s.mu.Lock()
	if s.mounted[entry.Name] {
		s.mu.Unlock()
		return nil
	}
	s.mounted[entry.Name] = true
	s.mu.Unlock()

	return entry.View.Mount(ctx, entry.Query)
}

func (s *server) respond(w http.ResponseWriter, status int, entry *engine.Entry) {
	writeJSON(w, status, viewResponse{
		Name:    entry.Name,
		Props:   entry.View.Props(),
		Phase:   entry.Edits.Phase(),
		Pending: entry.Edits.ComputeDiff(),
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"views": s.registry.Names()})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	s.respond(w, http.StatusOK, entry)
}

// handleLoadMore loads the next page. Guard outcomes and fetch failures are
// reported through the props, not the status code.
func (s *server) handleLoadMore(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	out, err := entry.View.LoadMore(r.Context())
	if err != nil && !isGuard(err) {
		s.logger.Warn().Err(err).Str("view", entry.Name).Msg("Load more failed")
	} else if err == nil {
		s.logger.Debug().
			Str("view", entry.Name).
			Int("records", out.Added).
			Bool("has_more", out.HasMore).
			Msg("Loaded more records")
	}
	s.respond(w, http.StatusOK, entry)
}

func (s *server) handleRefresh(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	if err := entry.View.Refresh(r.Context()); err != nil {
		s.logger.Warn().Err(err).Str("view", entry.Name).Msg("Refresh failed")
	}
	s.respond(w, http.StatusOK, entry)
}

type searchRequest struct {
	Term  string `json:"term"`
	Flush bool   `json:"flush"`
}

// handleSearch schedules a search. The reset happens after the quiet period
// unless flush is set.
func (s *server) handleSearch(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry.View.SetSearch(req.Term)
	if req.Flush {
		entry.View.FlushSearch()
		s.respond(w, http.StatusOK, entry)
		return
	}
	s.respond(w, http.StatusAccepted, entry)
}

type editRequest struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Revert bool   `json:"revert"`
}

func (s *server) handleEdit(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	var req editRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Revert {
		entry.Edits.Revert(req.ID)
		s.respond(w, http.StatusOK, entry)
		return
	}
	if err := entry.Edits.SetEdit(req.ID, transition.Normalize(req.Status)); err != nil {
		writeError(w, editStatus(err), err)
		return
	}
	s.respond(w, http.StatusOK, entry)
}

func (s *server) handleRevertAll(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	entry.Edits.RevertAll()
	s.respond(w, http.StatusOK, entry)
}

type bulkRequest struct {
	IDs    []string `json:"ids"`
	Status string   `json:"status"`
	Clear  bool     `json:"clear"`
}

func (s *server) handleBulk(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if req.Clear {
		entry.Edits.ClearBulk()
		s.respond(w, http.StatusOK, entry)
		return
	}
	if err := entry.Edits.SetBulk(req.IDs, transition.Normalize(req.Status)); err != nil {
		writeError(w, editStatus(err), err)
		return
	}
	s.respond(w, http.StatusOK, entry)
}

type optionsResponse struct {
	Options []transition.State `json:"options"`
	OK      bool               `json:"ok"`
	Reason  string             `json:"reason,omitempty"`
}

// handleOptions returns the statuses offered for ?ids=a,b,c. A single ID
// gets the row options, several IDs the bulk options.
func (s *server) handleOptions(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	switch len(ids) {
	case 0:
		writeError(w, http.StatusBadRequest, errors.New("ids is required"))
	case 1:
		if _, ok := entry.Edits.Baseline(ids[0]); !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", reconcile.ErrUnknownRecord, ids[0]))
			return
		}
		writeJSON(w, http.StatusOK, optionsResponse{Options: entry.Edits.Options(ids[0]), OK: true})
	default:
		options, ok, reason := entry.Edits.BulkOptions(ids)
		writeJSON(w, http.StatusOK, optionsResponse{Options: options, OK: ok, Reason: reason})
	}
}

type publishResponse struct {
	reconcile.PublishResult
	Error        string       `json:"error,omitempty"`
	RefetchError string       `json:"refetchError,omitempty"`
	View         viewResponse `json:"view"`
}

func (s *server) handlePublish(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	result, err := entry.Edits.Publish(r.Context(), entry.Edits.ComputeDiff())

	status := http.StatusOK
	resp := publishResponse{PublishResult: result}
	switch {
	case errors.Is(err, reconcile.ErrBusy):
		status = http.StatusConflict
		resp.Error = err.Error()
	case err != nil:
		status = http.StatusBadGateway
		resp.Error = err.Error()
	}
	if result.RefetchErr != nil {
		resp.RefetchError = result.RefetchErr.Error()
	}

	resp.View = viewResponse{
		Name:    entry.Name,
		Props:   entry.View.Props(),
		Phase:   entry.Edits.Phase(),
		Pending: entry.Edits.ComputeDiff(),
	}
	writeJSON(w, status, resp)
}

type countResponse struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
	Stale    bool   `json:"stale"`
	Warning  string `json:"warning,omitempty"`
}

func (s *server) handleCounts(w http.ResponseWriter, r *http.Request, entry *engine.Entry) {
	if entry.Counts == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("view %q has no counts", entry.Name))
		return
	}

	categories := r.URL.Query()["category"]
	if len(categories) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("category is required"))
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		report := entry.Counts.Refresh(r.Context(), categories)
		for _, failed := range report.Failed() {
			s.logger.Warn().Err(failed.Err).Str("key", failed.Key.String()).Msg("Count refresh failed")
		}
	}

	out := make([]countResponse, 0, len(categories))
	for _, category := range categories {
		result, err := entry.Counts.Get(r.Context(), category)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		out = append(out, countResponse{
			Category: category,
			Count:    result.Payload,
			Stale:    result.Stale,
			Warning:  result.Warning,
		})
	}
	writeJSON(w, http.StatusOK, map[string][]countResponse{"counts": out})
}

func isGuard(err error) bool {
	return errors.Is(err, pagination.ErrBusy) ||
		errors.Is(err, pagination.ErrExhausted) ||
		errors.Is(err, pagination.ErrStaleResponse)
}

func editStatus(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrUnknownRecord):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrBusy):
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status_code", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}

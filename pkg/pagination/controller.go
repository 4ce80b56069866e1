package pagination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/rs/zerolog"
)

// Config holds controller configuration.
type Config struct {
	// PageSize is the number of records requested per page.
	PageSize int

	// OffsetCeiling is the highest offset the remote API serves.
	OffsetCeiling int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:      1000,
		OffsetCeiling: 2000,
	}
}

// Controller owns one Window: the ordered, duplicate-free records loaded for a
// view under one signature.
type Controller[R record.Record, S Signature] struct {
	fetcher Fetcher[R, S]
	config  Config
	logger  zerolog.Logger

	mu         sync.Mutex
	sig        S
	seq        uint64
	records    []R
	ids        map[string]struct{}
	offset     int
	token      string
	cursorMode bool
	hasMore    bool
	inFlight   bool
	degraded   bool
	warm       bool
	fresh      bool
	pages      int
	total      *int
	lastErr    error
}

// New creates a controller. The Window starts empty with hasMore set; call
// Reset to bind it to a signature.
func New[R record.Record, S Signature](fetcher Fetcher[R, S], config Config, logger zerolog.Logger) *Controller[R, S] {
	if fetcher == nil {
		panic("fetcher cannot be nil")
	}
	if config.PageSize <= 0 {
		config.PageSize = DefaultConfig().PageSize
	}
	if config.OffsetCeiling <= 0 {
		config.OffsetCeiling = DefaultConfig().OffsetCeiling
	}

	return &Controller[R, S]{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
		ids:     make(map[string]struct{}),
		hasMore: true,
	}
}

// Reset clears the Window for sig and returns the new sequence token. Any
// response still outstanding for the previous token will be discarded.
func (c *Controller[R, S]) Reset(sig S) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked(sig, false)
}

// Invalidate resets the Window under its current signature and marks the
// next first-page request as Fresh.
func (c *Controller[R, S]) Invalidate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked(c.sig, true)
}

func (c *Controller[R, S]) resetLocked(sig S, fresh bool) uint64 {
	c.sig = sig
	c.seq++
	c.clearLocked()
	c.fresh = fresh
	c.inFlight = false
	c.lastErr = nil

	c.logger.Debug().
		Str("signature", sig.Signature()).
		Uint64("seq", c.seq).
		Bool("fresh", fresh).
		Msg("Window reset")

	return c.seq
}

func (c *Controller[R, S]) clearLocked() {
	c.records = nil
	c.ids = make(map[string]struct{})
	c.offset = 0
	c.token = ""
	c.cursorMode = false
	c.hasMore = true
	c.degraded = false
	c.warm = false
	c.pages = 0
	c.total = nil
}

// LoadMore fetches the next page and merges it into the Window.
//
// It returns ErrBusy when a fetch is already outstanding, ErrExhausted when
// there is nothing left to load and ErrStaleResponse when the Window was
// reset while the fetch was in flight. Fetch errors leave hasMore untouched.
func (c *Controller[R, S]) LoadMore(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		GuardSkips.WithLabelValues("busy").Inc()
		return Outcome{}, ErrBusy
	}
	if !c.hasMore {
		out := Outcome{Seq: c.seq, CursorMode: c.cursorMode, Degraded: c.degraded}
		c.mu.Unlock()
		GuardSkips.WithLabelValues("exhausted").Inc()
		return out, ErrExhausted
	}

	req, ok := c.nextRequestLocked()
	if !ok {
		c.hasMore = false
		c.degradeLocked()
		out := Outcome{Seq: c.seq, Degraded: true}
		c.mu.Unlock()
		return out, ErrExhausted
	}
	c.inFlight = true
	c.fresh = false
	c.mu.Unlock()

	start := time.Now()
	page, err := c.fetcher.FetchPage(ctx, req)
	FetchDuration.Observe(time.Since(start).Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Seq != c.seq {
		Fetches.WithLabelValues("stale").Inc()
		c.logger.Debug().
			Str("signature", req.Signature.Signature()).
			Uint64("seq", req.Seq).
			Uint64("current_seq", c.seq).
			Msg("Discarding stale response")
		return Outcome{Seq: req.Seq, Requested: req.Cursor, Limit: req.Limit}, ErrStaleResponse
	}
	c.inFlight = false

	if err != nil {
		Fetches.WithLabelValues("error").Inc()
		c.lastErr = err
		c.logger.Warn().
			Err(err).
			Str("signature", req.Signature.Signature()).
			Str("cursor", req.Cursor.String()).
			Msg("Page fetch failed")
		return Outcome{Seq: req.Seq, Requested: req.Cursor, Limit: req.Limit, HasMore: c.hasMore}, fmt.Errorf("load page at %s: %w", req.Cursor, err)
	}

	Fetches.WithLabelValues("merged").Inc()
	return c.mergeLocked(req, page), nil
}

// nextRequestLocked builds the request for the next page. It reports false
// when offset mode has reached the ceiling without a cursor.
func (c *Controller[R, S]) nextRequestLocked() (Request[S], bool) {
	req := Request[S]{
		Signature: c.sig,
		Limit:     c.config.PageSize,
		Seq:       c.seq,
		Fresh:     c.fresh,
	}

	if c.cursorMode {
		req.Cursor = Cursor{Token: c.token}
		return req, true
	}

	req.Cursor = Cursor{Offset: c.offset}
	if remaining := c.config.OffsetCeiling - c.offset; remaining < req.Limit {
		req.Limit = remaining
	}
	return req, req.Limit > 0
}

// mergeLocked appends the page to the Window, dropping records whose ID is
// already present, and advances the cursor state.
func (c *Controller[R, S]) mergeLocked(req Request[S], page Page[R]) Outcome {
	if c.warm {
		c.records = nil
		c.ids = make(map[string]struct{})
		c.warm = false
	}

	out := Outcome{
		Seq:       req.Seq,
		Requested: req.Cursor,
		Limit:     req.Limit,
		Received:  len(page.Records),
	}

	for _, r := range page.Records {
		id := r.RecordID()
		if _, seen := c.ids[id]; seen {
			out.Duplicates++
			continue
		}
		c.ids[id] = struct{}{}
		c.records = append(c.records, r)
		out.Added++
	}
	if out.Duplicates > 0 {
		DuplicatesDropped.Add(float64(out.Duplicates))
	}

	hasMore := HasMore(out.Received, req.Limit, page.HasMore)
	c.offset += out.Received
	if page.Total != nil {
		total := *page.Total
		c.total = &total
	}

	switch {
	case c.cursorMode:
		if page.Cursor != "" {
			c.token = page.Cursor
		} else if hasMore {
			hasMore = false
			c.logger.Warn().
				Str("signature", req.Signature.Signature()).
				Msg("Cursor page returned no continuation, treating as exhausted")
		}
	case hasMore && c.offset >= c.config.OffsetCeiling:
		if page.Cursor != "" {
			c.cursorMode = true
			c.token = page.Cursor
			ModeSwitches.Inc()
			c.logger.Info().
				Str("signature", req.Signature.Signature()).
				Int("offset", c.offset).
				Msg("Offset ceiling reached, switching to cursor pagination")
		} else {
			hasMore = false
			c.degradeLocked()
		}
	}

	c.hasMore = hasMore
	c.lastErr = nil
	c.pages++

	out.HasMore = c.hasMore
	out.CursorMode = c.cursorMode
	out.Degraded = c.degraded

	c.logger.Debug().
		Str("signature", req.Signature.Signature()).
		Uint64("seq", req.Seq).
		Str("cursor", req.Cursor.String()).
		Int("records", out.Added).
		Int("duplicates", out.Duplicates).
		Bool("has_more", out.HasMore).
		Msg("Page merged")

	return out
}

func (c *Controller[R, S]) degradeLocked() {
	if c.degraded {
		return
	}
	c.degraded = true
	Degraded.Inc()
	c.logger.Warn().
		Str("signature", c.sig.Signature()).
		Int("offset", c.offset).
		Msg("Offset ceiling reached without a cursor, pagination degraded")
}

// Seed shows an advisory snapshot in an empty Window. The snapshot is
// replaced wholesale by the first live page. It reports false if seq is
// stale or a live page was already merged.
func (c *Controller[R, S]) Seed(seq uint64, records []R) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.seq || c.pages > 0 {
		return false
	}

	c.records = nil
	c.ids = make(map[string]struct{})
	for _, r := range records {
		id := r.RecordID()
		if _, seen := c.ids[id]; seen {
			continue
		}
		c.ids[id] = struct{}{}
		c.records = append(c.records, r)
	}
	c.warm = len(c.records) > 0
	return true
}

// Replace swaps the first page of the Window for a newer copy, as produced
// by a background cache refresh. It applies only while seq is current and
// nothing beyond the first page has been loaded.
func (c *Controller[R, S]) Replace(seq uint64, page Page[R]) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if seq != c.seq || c.inFlight || c.pages != 1 {
		return false
	}

	c.clearLocked()
	req := Request[S]{Signature: c.sig, Cursor: Cursor{}, Limit: c.firstLimit(), Seq: seq}
	c.mergeLocked(req, page)

	c.logger.Debug().
		Str("signature", c.sig.Signature()).
		Uint64("seq", seq).
		Msg("First page replaced by refreshed copy")
	return true
}

func (c *Controller[R, S]) firstLimit() int {
	if c.config.PageSize < c.config.OffsetCeiling {
		return c.config.PageSize
	}
	return c.config.OffsetCeiling
}

// Records returns a copy of the Window in arrival order.
func (c *Controller[R, S]) Records() []R {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]R, len(c.records))
	copy(out, c.records)
	return out
}

// Signature returns the signature the Window is bound to.
func (c *Controller[R, S]) Signature() S {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sig
}

// Seq returns the current sequence token.
func (c *Controller[R, S]) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// State returns the Window's flags.
func (c *Controller[R, S]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total *int
	if c.total != nil {
		t := *c.total
		total = &t
	}

	return State{
		Seq:         c.seq,
		Signature:   c.sig.Signature(),
		Len:         len(c.records),
		Pages:       c.pages,
		Loading:     c.inFlight && c.pages == 0,
		LoadingMore: c.inFlight && c.pages > 0,
		HasMore:     c.hasMore,
		CursorMode:  c.cursorMode,
		Degraded:    c.degraded,
		WarmStart:   c.warm,
		Total:       total,
		Err:         c.lastErr,
	}
}

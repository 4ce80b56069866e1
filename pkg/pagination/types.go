package pagination

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/recordsync/pkg/record"
)

var (
	// ErrBusy is returned when a fetch is already outstanding for the Window.
	ErrBusy = errors.New("pagination: fetch already in flight")

	// ErrExhausted is returned when the Window has no more results.
	ErrExhausted = errors.New("pagination: no more results")

	// ErrStaleResponse is returned when a response arrived for a superseded
	// sequence token and was discarded.
	ErrStaleResponse = errors.New("pagination: stale response discarded")
)

// Signature identifies the filter state a Window belongs to.
type Signature interface {
	comparable
	Signature() string
}

// Cursor is a position in a remote collection: an integer offset or an
// opaque server-issued token. A request never carries both.
type Cursor struct {
	Offset int    `json:"offset"`
	Token  string `json:"token,omitempty"`
}

// IsToken reports whether the cursor is a server-issued token.
func (c Cursor) IsToken() bool {
	return c.Token != ""
}

// IsStart reports whether the cursor addresses the first page.
func (c Cursor) IsStart() bool {
	return c.Token == "" && c.Offset == 0
}

func (c Cursor) String() string {
	if c.IsToken() {
		return "cursor:" + c.Token
	}
	return fmt.Sprintf("offset:%d", c.Offset)
}

// Request asks a Fetcher for one page.
type Request[S Signature] struct {
	Signature S
	Cursor    Cursor
	Limit     int

	// Seq is the sequence token of the Window the request belongs to.
	Seq uint64

	// Fresh asks the fetcher to bypass any cached copy.
	Fresh bool
}

// Page is one page returned by a Fetcher.
type Page[R record.Record] struct {
	Records []R `json:"records"`

	// HasMore is the explicit server flag, nil when the endpoint has none.
	HasMore *bool `json:"hasMore,omitempty"`

	// Cursor is the continuation token, empty when none was returned.
	Cursor string `json:"cursor,omitempty"`

	Total *int `json:"total,omitempty"`
}

// Fetcher loads pages of a remote collection.
type Fetcher[R record.Record, S Signature] interface {
	FetchPage(ctx context.Context, req Request[S]) (Page[R], error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[R record.Record, S Signature] func(ctx context.Context, req Request[S]) (Page[R], error)

// FetchPage calls f.
func (f FetcherFunc[R, S]) FetchPage(ctx context.Context, req Request[S]) (Page[R], error) {
	return f(ctx, req)
}

// Outcome describes one LoadMore call.
type Outcome struct {
	Seq        uint64
	Requested  Cursor
	Limit      int
	Received   int
	Added      int
	Duplicates int
	HasMore    bool
	CursorMode bool
	Degraded   bool
}

// State is a point-in-time view of a Window's flags.
type State struct {
	Seq       uint64
	Signature string
	Len       int
	Pages     int

	// Loading is true while the first page is in flight.
	Loading bool

	// LoadingMore is true while a subsequent page is in flight.
	LoadingMore bool

	HasMore    bool
	CursorMode bool
	Degraded   bool

	// WarmStart is true while the Window shows an advisory snapshot that no
	// live page has replaced yet.
	WarmStart bool

	Total *int

	// Err is the last fetch error, cleared by the next successful page.
	Err error
}

// HasMore applies the exhaustion rule to one response: a short batch means
// no more results; a full batch defers to the explicit flag when present.
func HasMore(received, limit int, flag *bool) bool {
	if received < limit {
		return false
	}
	if flag != nil {
		return *flag
	}
	return true
}

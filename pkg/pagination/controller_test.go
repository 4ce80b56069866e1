package pagination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/Sternrassler/recordsync/pkg/record"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	ID string `json:"id"`
}

func (r row) RecordID() string { return r.ID }

// dataset serves a remote collection of size n. Offsets at or beyond the
// ceiling are rejected; tokens encode the next offset.
type dataset struct {
	mu       sync.Mutex
	n        int
	ceiling  int
	cursors  bool
	flag     *bool
	overlap  int
	requests []Request[record.Query]
	prefix   string
	failNext error
}

func (d *dataset) FetchPage(_ context.Context, req Request[record.Query]) (Page[row], error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, req)
	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return Page[row]{}, err
	}

	start := req.Cursor.Offset
	if req.Cursor.IsToken() {
		var err error
		start, err = strconv.Atoi(strings.TrimPrefix(req.Cursor.Token, "t"))
		if err != nil {
			return Page[row]{}, fmt.Errorf("bad token %q", req.Cursor.Token)
		}
	} else if d.ceiling > 0 && start >= d.ceiling {
		return Page[row]{}, fmt.Errorf("offset %d beyond ceiling", start)
	}

	// Overlapping pages re-send the tail of the previous page.
	if start > 0 && d.overlap > 0 {
		start -= d.overlap
	}

	var page Page[row]
	for i := start; i < start+req.Limit && i < d.n; i++ {
		page.Records = append(page.Records, row{ID: fmt.Sprintf("%s%d", d.prefix, i)})
	}
	end := start + len(page.Records)
	if d.cursors && end < d.n {
		page.Cursor = "t" + strconv.Itoa(end)
	}
	page.HasMore = d.flag
	return page, nil
}

func (d *dataset) Requests() []Request[record.Query] {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request[record.Query], len(d.requests))
	copy(out, d.requests)
	return out
}

func newController(fetcher Fetcher[row, record.Query], pageSize int) *Controller[row, record.Query] {
	cfg := DefaultConfig()
	cfg.PageSize = pageSize
	return New[row, record.Query](fetcher, cfg, zerolog.Nop())
}

func loadAll(t *testing.T, c *Controller[row, record.Query]) {
	t.Helper()
	for i := 0; i < 100 && c.State().HasMore; i++ {
		_, err := c.LoadMore(context.Background())
		require.NoError(t, err)
	}
}

func assertUnique(t *testing.T, records []row) {
	t.Helper()
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		_, dup := seen[r.ID]
		require.False(t, dup, "duplicate id %s", r.ID)
		seen[r.ID] = struct{}{}
	}
}

var ordersQuery = record.NewQuery("work-orders", "", nil)

func TestHasMore(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name     string
		received int
		limit    int
		flag     *bool
		want     bool
	}{
		{"full batch without flag", 1000, 1000, nil, true},
		{"short batch without flag", 400, 1000, nil, false},
		{"full batch flag false", 1000, 1000, &no, false},
		{"full batch flag true", 1000, 1000, &yes, true},
		{"short batch flag true", 400, 1000, &yes, false},
		{"empty batch", 0, 1000, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasMore(tt.received, tt.limit, tt.flag))
		})
	}
}

func TestLoadMore_FullThenShortBatch(t *testing.T) {
	data := &dataset{n: 1400}
	c := newController(data, 1000)
	c.Reset(ordersQuery)

	out, err := c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000, out.Added)
	assert.True(t, out.HasMore)

	out, err = c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 400, out.Added)
	assert.False(t, out.HasMore)

	records := c.Records()
	assert.Len(t, records, 1400)
	assertUnique(t, records)

	_, err = c.LoadMore(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Len(t, data.Requests(), 2)
}

func TestLoadMore_DropsOverlappingRecords(t *testing.T) {
	data := &dataset{n: 900, overlap: 50}
	c := newController(data, 200)
	c.Reset(ordersQuery)

	loadAll(t, c)

	records := c.Records()
	assertUnique(t, records)
	assert.Len(t, records, 900)
	assert.Equal(t, "0", records[0].ID)
}

func TestLoadMore_SwitchesToCursorAtCeiling(t *testing.T) {
	data := &dataset{n: 3500, ceiling: 2000, cursors: true}
	c := newController(data, 500)
	c.Reset(ordersQuery)

	loadAll(t, c)

	records := c.Records()
	assert.Len(t, records, 3500)
	assertUnique(t, records)
	assert.True(t, c.State().CursorMode)

	requests := data.Requests()
	require.Len(t, requests, 7)

	for i, req := range requests[:4] {
		assert.False(t, req.Cursor.IsToken(), "request %d", i)
		assert.Equal(t, i*500, req.Cursor.Offset)
	}
	for i, req := range requests[4:] {
		assert.True(t, req.Cursor.IsToken(), "request %d must carry a cursor", i+4)
		assert.Zero(t, req.Cursor.Offset, "cursor requests never carry an offset")
	}
	assert.Equal(t, "t2000", requests[4].Cursor.Token)
	assert.Equal(t, "t2500", requests[5].Cursor.Token)
	assert.Equal(t, "t3000", requests[6].Cursor.Token)
}

func TestLoadMore_ClampsOffsetRequestsBelowCeiling(t *testing.T) {
	data := &dataset{n: 2600, ceiling: 2000, cursors: true}
	c := newController(data, 700)
	c.Reset(ordersQuery)

	loadAll(t, c)

	requests := data.Requests()
	require.GreaterOrEqual(t, len(requests), 4)
	assert.Equal(t, 1400, requests[2].Cursor.Offset)
	assert.Equal(t, 600, requests[2].Limit)
	for _, req := range requests {
		if !req.Cursor.IsToken() {
			assert.Less(t, req.Cursor.Offset+req.Limit-1, 2000)
		}
	}
	assert.Len(t, c.Records(), 2600)
}

func TestLoadMore_DegradesWithoutCursorAtCeiling(t *testing.T) {
	data := &dataset{n: 5000, ceiling: 2000}
	c := newController(data, 1000)
	c.Reset(ordersQuery)

	_, err := c.LoadMore(context.Background())
	require.NoError(t, err)
	out, err := c.LoadMore(context.Background())
	require.NoError(t, err)

	assert.False(t, out.HasMore)
	assert.True(t, out.Degraded)

	state := c.State()
	assert.True(t, state.Degraded)
	assert.False(t, state.HasMore)

	_, err = c.LoadMore(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Len(t, data.Requests(), 2, "no request beyond the ceiling")
}

func TestLoadMore_ExplicitFlagEndsFullBatch(t *testing.T) {
	no := false
	data := &dataset{n: 5000, flag: &no}
	c := newController(data, 100)
	c.Reset(ordersQuery)

	out, err := c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, out.HasMore)
}

// gated blocks each signature's fetch until released.
type gated struct {
	mu    sync.Mutex
	gates map[string]chan struct{}
	hits  chan string
}

func newGated() *gated {
	return &gated{gates: make(map[string]chan struct{}), hits: make(chan string, 16)}
}

func (g *gated) gate(sig string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[sig]
	if !ok {
		ch = make(chan struct{})
		g.gates[sig] = ch
	}
	return ch
}

func (g *gated) FetchPage(ctx context.Context, req Request[record.Query]) (Page[row], error) {
	sig := req.Signature.Signature()
	g.hits <- sig
	<-g.gate(sig)

	page := Page[row]{}
	for i := 0; i < 3; i++ {
		page.Records = append(page.Records, row{ID: fmt.Sprintf("%s-%d", req.Signature.Search, i)})
	}
	return page, nil
}

func TestLoadMore_DiscardsStaleResponse(t *testing.T) {
	g := newGated()
	c := newController(g, 10)

	queryA := ordersQuery.WithSearch("a")
	queryB := ordersQuery.WithSearch("b")

	c.Reset(queryA)

	errA := make(chan error, 1)
	go func() {
		_, err := c.LoadMore(context.Background())
		errA <- err
	}()
	<-g.hits

	// Signature changes while A is still outstanding.
	c.Reset(queryB)
	assert.True(t, c.State().HasMore)
	assert.Zero(t, c.State().Len)

	close(g.gate(queryB.Signature()))
	_, err := c.LoadMore(context.Background())
	require.NoError(t, err)

	close(g.gate(queryA.Signature()))
	assert.ErrorIs(t, <-errA, ErrStaleResponse)

	records := c.Records()
	require.Len(t, records, 3)
	for _, r := range records {
		assert.True(t, strings.HasPrefix(r.ID, "b-"), "record %s leaked from a stale signature", r.ID)
	}
}

func TestLoadMore_InFlightGuard(t *testing.T) {
	g := newGated()
	c := newController(g, 10)
	c.Reset(ordersQuery)

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadMore(context.Background())
		done <- err
	}()
	<-g.hits

	state := c.State()
	assert.True(t, state.Loading)
	assert.False(t, state.LoadingMore)

	_, err := c.LoadMore(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(g.gate(ordersQuery.Signature()))
	require.NoError(t, <-done)
	assert.Len(t, c.Records(), 3)
	assert.False(t, c.State().Loading)
}

func TestLoadMore_FetchErrorKeepsWindow(t *testing.T) {
	data := &dataset{n: 300}
	c := newController(data, 100)
	c.Reset(ordersQuery)

	_, err := c.LoadMore(context.Background())
	require.NoError(t, err)

	boom := errors.New("gateway timeout")
	data.failNext = boom
	_, err = c.LoadMore(context.Background())
	assert.ErrorIs(t, err, boom)

	state := c.State()
	assert.True(t, state.HasMore)
	assert.Equal(t, 100, state.Len)
	assert.ErrorIs(t, state.Err, boom)

	// The retry asks for the same offset.
	_, err = c.LoadMore(context.Background())
	require.NoError(t, err)
	requests := data.Requests()
	assert.Equal(t, requests[1].Cursor, requests[2].Cursor)
	assert.Nil(t, c.State().Err)
}

func TestInvalidate_MarksNextRequestFresh(t *testing.T) {
	data := &dataset{n: 50}
	c := newController(data, 100)
	c.Reset(ordersQuery)
	loadAll(t, c)

	seq := c.Invalidate()
	assert.Equal(t, uint64(2), seq)
	assert.Zero(t, c.State().Len)

	loadAll(t, c)
	requests := data.Requests()
	require.Len(t, requests, 2)
	assert.False(t, requests[0].Fresh)
	assert.True(t, requests[1].Fresh)
}

func TestSeed_ReplacedByFirstLivePage(t *testing.T) {
	data := &dataset{n: 5, prefix: "live-"}
	c := newController(data, 100)
	seq := c.Reset(ordersQuery)

	require.True(t, c.Seed(seq, []row{{ID: "warm-1"}, {ID: "warm-2"}}))
	state := c.State()
	assert.True(t, state.WarmStart)
	assert.Equal(t, 2, state.Len)

	_, err := c.LoadMore(context.Background())
	require.NoError(t, err)

	records := c.Records()
	assert.Len(t, records, 5)
	assert.Equal(t, "live-0", records[0].ID)
	assert.False(t, c.State().WarmStart)

	assert.False(t, c.Seed(seq, []row{{ID: "late"}}), "seed after a live page must be refused")
	assert.False(t, c.Seed(seq-1, nil), "seed for an old token must be refused")
}

func TestReplace(t *testing.T) {
	data := &dataset{n: 250}
	c := newController(data, 100)
	seq := c.Reset(ordersQuery)

	_, err := c.LoadMore(context.Background())
	require.NoError(t, err)

	refreshed := Page[row]{Records: []row{{ID: "r1"}, {ID: "r2"}}}
	require.True(t, c.Replace(seq, refreshed))
	assert.Equal(t, []row{{ID: "r1"}, {ID: "r2"}}, c.Records())
	assert.False(t, c.State().HasMore, "short replacement page ends the Window")

	c.Reset(ordersQuery)
	_, err = c.LoadMore(context.Background())
	require.NoError(t, err)
	_, err = c.LoadMore(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Replace(c.Seq(), refreshed), "replace after loadMore must be refused")
	assert.False(t, c.Replace(seq, refreshed), "replace for an old token must be refused")
}

func TestNew_PanicsOnNilFetcher(t *testing.T) {
	assert.Panics(t, func() {
		New[row, record.Query](nil, DefaultConfig(), zerolog.Nop())
	})
}

package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/rs/zerolog"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLayer(t *testing.T, clock *fakeClock) (*Layer[[]string], *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	return NewLayer[[]string](mem, cfg, zerolog.Nop()), mem
}

func staticFetch(payload []string, calls *atomic.Int32) Fetch[[]string] {
	return func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		return payload, nil
	}
}

var recordsKey = Key{Namespace: "orders", Kind: KindRecords, Signature: "orders"}

func TestNewLayer_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewLayer should panic with nil store")
		}
	}()
	NewLayer[int](nil, DefaultConfig(), zerolog.Nop())
}

func TestLayer_TTLFor(t *testing.T) {
	layer, _ := newTestLayer(t, newFakeClock())

	if got := layer.TTLFor(KindRecords); got != 10*time.Minute {
		t.Errorf("TTLFor(records) = %v, want 10m", got)
	}
	if got := layer.TTLFor(KindCounts); got != 15*time.Minute {
		t.Errorf("TTLFor(counts) = %v, want 15m", got)
	}
	if got := layer.TTLFor(Kind("other")); got != 10*time.Minute {
		t.Errorf("TTLFor(other) = %v, want 10m", got)
	}
}

func TestLayer_Get_MissFetchesSynchronously(t *testing.T) {
	clock := newFakeClock()
	layer, mem := newTestLayer(t, clock)
	ctx := context.Background()

	var calls atomic.Int32
	result, err := layer.Get(ctx, recordsKey, staticFetch([]string{"a", "b"}, &calls))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if result.Source != SourceFetched {
		t.Errorf("Source = %s, want %s", result.Source, SourceFetched)
	}
	if len(result.Payload) != 2 {
		t.Errorf("Payload = %v, want 2 records", result.Payload)
	}
	if calls.Load() != 1 {
		t.Errorf("fetch calls = %d, want 1", calls.Load())
	}
	if mem.Len() != 1 {
		t.Errorf("store has %d keys, want 1", mem.Len())
	}
}

func TestLayer_Get_MissWithFetchErrorSurfaces(t *testing.T) {
	layer, _ := newTestLayer(t, newFakeClock())

	fetchErr := errors.New("connection refused")
	_, err := layer.Get(context.Background(), recordsKey, func(ctx context.Context) ([]string, error) {
		return nil, fetchErr
	})
	if !errors.Is(err, fetchErr) {
		t.Errorf("Get error = %v, want wrapped %v", err, fetchErr)
	}
}

func TestLayer_Get_FreshAndStaleBoundary(t *testing.T) {
	clock := newFakeClock()
	layer, _ := newTestLayer(t, clock)
	ctx := context.Background()

	cfgTTL := 600 * time.Second
	layer.config.DefaultTTL = cfgTTL

	if err := layer.Put(ctx, recordsKey, []string{"original"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"refreshed"}, nil
	}

	// T0+599s: fresh, no background refresh.
	clock.Advance(599 * time.Second)
	result, err := layer.Get(ctx, recordsKey, fetch)
	if err != nil {
		t.Fatalf("Get at T0+599s failed: %v", err)
	}
	if result.Stale || result.Source != SourceFresh {
		t.Errorf("at T0+599s got Source=%s Stale=%v, want fresh", result.Source, result.Stale)
	}
	if layer.Refreshing(recordsKey) {
		t.Error("no refresh should run for a fresh entry")
	}

	// T0+601s: same payload flagged stale, exactly one background refresh.
	clock.Advance(2 * time.Second)
	for i := 0; i < 3; i++ {
		result, err = layer.Get(ctx, recordsKey, fetch)
		if err != nil {
			t.Fatalf("Get at T0+601s failed: %v", err)
		}
		if !result.Stale || result.Source != SourceStale {
			t.Errorf("at T0+601s got Source=%s Stale=%v, want stale", result.Source, result.Stale)
		}
		if result.Payload[0] != "original" {
			t.Errorf("stale payload = %v, want original", result.Payload)
		}
	}

	close(release)
	layer.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("background refreshes = %d, want exactly 1", got)
	}

	result, err = layer.Get(ctx, recordsKey, fetch)
	if err != nil {
		t.Fatalf("Get after refresh failed: %v", err)
	}
	if result.Source != SourceFresh || result.Payload[0] != "refreshed" {
		t.Errorf("after refresh got Source=%s Payload=%v, want fresh refreshed", result.Source, result.Payload)
	}
}

func TestLayer_Get_FailedBackgroundRefreshKeepsStale(t *testing.T) {
	clock := newFakeClock()
	layer, _ := newTestLayer(t, clock)
	ctx := context.Background()

	if err := layer.Put(ctx, recordsKey, []string{"original"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	clock.Advance(12 * time.Minute)

	failing := func(ctx context.Context) ([]string, error) {
		return nil, errors.New("gateway timeout")
	}

	result, err := layer.Get(ctx, recordsKey, failing)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if result.Warning != "" {
		t.Errorf("first stale serve should not warn yet, got %q", result.Warning)
	}
	layer.Wait()

	result, err = layer.Get(ctx, recordsKey, failing)
	if err != nil {
		t.Fatalf("Get after failed refresh returned error: %v", err)
	}
	layer.Wait()

	if result.Payload[0] != "original" {
		t.Errorf("Payload = %v, want original", result.Payload)
	}
	if !strings.Contains(result.Warning, "12m ago") || !strings.Contains(result.Warning, "gateway timeout") {
		t.Errorf("Warning = %q, want age-annotated refresh failure", result.Warning)
	}
}

func TestLayer_Refresh(t *testing.T) {
	clock := newFakeClock()
	layer, _ := newTestLayer(t, clock)
	ctx := context.Background()

	t.Run("no entry and failure surfaces error", func(t *testing.T) {
		_, err := layer.Refresh(ctx, Key{Namespace: "empty"}, func(ctx context.Context) ([]string, error) {
			return nil, errors.New("boom")
		})
		if err == nil {
			t.Error("Refresh without entry should fail")
		}
	})

	t.Run("failure falls back to any existing entry", func(t *testing.T) {
		if err := layer.Put(ctx, recordsKey, []string{"old"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		clock.Advance(48 * time.Hour)

		result, err := layer.Refresh(ctx, recordsKey, func(ctx context.Context) ([]string, error) {
			return nil, errors.New("rate limited")
		})
		if err != nil {
			t.Fatalf("Refresh with fallback returned error: %v", err)
		}
		if result.Source != SourceFallback || !result.Stale {
			t.Errorf("Source=%s Stale=%v, want stale fallback", result.Source, result.Stale)
		}
		if result.Payload[0] != "old" {
			t.Errorf("Payload = %v, want old", result.Payload)
		}
		if !strings.Contains(result.Warning, "48h0m ago") {
			t.Errorf("Warning = %q, want age annotation", result.Warning)
		}
	})

	t.Run("success supersedes entry", func(t *testing.T) {
		var calls atomic.Int32
		result, err := layer.Refresh(ctx, recordsKey, staticFetch([]string{"new"}, &calls))
		if err != nil {
			t.Fatalf("Refresh failed: %v", err)
		}
		if result.Source != SourceFetched {
			t.Errorf("Source = %s, want fetched", result.Source)
		}

		entry, err := layer.Peek(ctx, recordsKey)
		if err != nil {
			t.Fatalf("Peek failed: %v", err)
		}
		if entry.Payload[0] != "new" || layer.IsStale(entry) {
			t.Errorf("entry = %+v, want fresh new payload", entry)
		}
	})
}

func TestLayer_RefreshKeys_Selective(t *testing.T) {
	clock := newFakeClock()
	layer, _ := newTestLayer(t, clock)
	ctx := context.Background()

	categories := []string{"calibration", "test", "production"}
	keys := make([]Key, len(categories))
	for i, c := range categories {
		keys[i] = Key{Namespace: "dashboard", Kind: KindCounts, Signature: "category=" + c}
		if err := layer.Put(ctx, keys[i], []string{c + "-v1"}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	report := layer.RefreshKeys(ctx, keys[1:2], func(k Key) Fetch[[]string] {
		return func(ctx context.Context) ([]string, error) {
			return []string{"test-v2"}, nil
		}
	})

	if len(report.Outcomes) != 1 || len(report.Failed()) != 0 {
		t.Fatalf("report = %+v, want one successful outcome", report)
	}

	want := map[string]string{"calibration": "calibration-v1", "test": "test-v2", "production": "production-v1"}
	for i, c := range categories {
		entry, err := layer.Peek(ctx, keys[i])
		if err != nil {
			t.Fatalf("Peek(%s) failed: %v", c, err)
		}
		if entry.Payload[0] != want[c] {
			t.Errorf("%s payload = %v, want %s", c, entry.Payload, want[c])
		}
	}
}

func TestLayer_RefreshKeys_ReportsFailuresWithoutFallback(t *testing.T) {
	layer, _ := newTestLayer(t, newFakeClock())
	ctx := context.Background()

	known := Key{Namespace: "dashboard", Kind: KindCounts, Signature: "known"}
	unknown := Key{Namespace: "dashboard", Kind: KindCounts, Signature: "unknown"}
	if err := layer.Put(ctx, known, []string{"v1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	report := layer.RefreshKeys(ctx, []Key{known, unknown}, func(k Key) Fetch[[]string] {
		return func(ctx context.Context) ([]string, error) {
			return nil, errors.New("unavailable")
		}
	})

	if report.Outcomes[0].Source != SourceFallback || report.Outcomes[0].Err != nil {
		t.Errorf("known outcome = %+v, want fallback", report.Outcomes[0])
	}
	if report.Outcomes[1].Err == nil {
		t.Errorf("unknown outcome = %+v, want error", report.Outcomes[1])
	}
	if len(report.Failed()) != 1 {
		t.Errorf("Failed() = %d, want 1", len(report.Failed()))
	}
}

func TestLayer_OnRefresh_NotifiesAfterBackgroundRefresh(t *testing.T) {
	clock := newFakeClock()
	layer, _ := newTestLayer(t, clock)
	ctx := context.Background()

	var notified atomic.Int32
	var got []string
	layer.OnRefresh(func(key Key, payload []string) {
		if key == recordsKey {
			got = payload
		}
		notified.Add(1)
	})

	if err := layer.Put(ctx, recordsKey, []string{"old"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	clock.Advance(11 * time.Minute)

	var calls atomic.Int32
	if _, err := layer.Get(ctx, recordsKey, staticFetch([]string{"new"}, &calls)); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	layer.Wait()

	if notified.Load() != 1 {
		t.Fatalf("notified = %d, want 1", notified.Load())
	}
	if len(got) != 1 || got[0] != "new" {
		t.Errorf("payload = %v, want [new]", got)
	}
}

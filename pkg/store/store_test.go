package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis returns a client for a local Redis or skips the test.
// Integration tests in tests/integration use testcontainers-go instead.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	storedAt := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	item := Item{Value: []byte(`{"records":[]}`), StoredAt: storedAt, TTL: 10 * time.Minute}
	if err := s.Put(ctx, "views:orders", item); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := s.Get(ctx, "views:orders")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != string(item.Value) {
		t.Errorf("Value = %s, want %s", got.Value, item.Value)
	}
	if !got.StoredAt.Equal(storedAt) {
		t.Errorf("StoredAt = %v, want %v", got.StoredAt, storedAt)
	}
	if got.TTL != item.TTL {
		t.Errorf("TTL = %v, want %v", got.TTL, item.TTL)
	}

	// Expired items are still returned: staleness is the caller's decision.
	if !got.Expired(time.Now()) {
		t.Error("item stored an hour ago with 10m TTL should be expired")
	}

	replacement := Item{Value: []byte(`{"records":[1]}`), StoredAt: time.Now().Truncate(time.Millisecond)}
	if err := s.Put(ctx, "views:orders", replacement); err != nil {
		t.Fatalf("Put replacement failed: %v", err)
	}
	got, err = s.Get(ctx, "views:orders")
	if err != nil {
		t.Fatalf("Get after replace failed: %v", err)
	}
	if string(got.Value) != string(replacement.Value) {
		t.Errorf("Value after replace = %s, want %s", got.Value, replacement.Value)
	}

	if err := s.Delete(ctx, "views:orders"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "views:orders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "views:orders"); err != nil {
		t.Errorf("Delete of missing key should not fail: %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestMemory_CopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	value := []byte("abc")
	_ = m.Put(ctx, "k", Item{Value: value})
	value[0] = 'x'

	got, _ := m.Get(ctx, "k")
	if string(got.Value) != "abc" {
		t.Errorf("stored value mutated through caller slice: %s", got.Value)
	}
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "snapshots.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer s.Close()

	exerciseStore(t, s)
}

func TestRedis(t *testing.T) {
	client := setupTestRedis(t)
	exerciseStore(t, NewRedis(client, "recordsync-test"))
}

func TestNewRedis_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedis should panic with nil redis client")
		}
	}()
	NewRedis(nil, "")
}

func TestItem_Expired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		item Item
		want bool
	}{
		{"fresh", Item{StoredAt: now.Add(-599 * time.Second), TTL: 600 * time.Second}, false},
		{"stale", Item{StoredAt: now.Add(-601 * time.Second), TTL: 600 * time.Second}, true},
		{"no ttl never stale", Item{StoredAt: now.Add(-24 * time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

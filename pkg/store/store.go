// Package store provides the injectable key-value storage used for cached
// result sets, warm-start snapshots and shared rate-limit state.
//
// Items carry their own TTL metadata. Backends never expire items on their
// own: staleness is decided by the caller (see Item.Expired), so a stale item
// stays available as a last-known-good fallback until it is superseded.
//
// Three backends are provided:
//
//   - Memory: process-local map, the default for tests and single instances
//   - Redis: shared across instances (github.com/redis/go-redis/v9)
//   - SQLite: durable local file (github.com/mattn/go-sqlite3)
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Item is a stored value with its TTL metadata.
type Item struct {
	// Value is the opaque payload.
	Value []byte `json:"value"`

	// StoredAt is when the value was written.
	StoredAt time.Time `json:"stored_at"`

	// TTL is how long the value counts as fresh. Zero means never stale.
	TTL time.Duration `json:"ttl"`
}

// Age returns how old the item is at now.
func (i Item) Age(now time.Time) time.Duration {
	age := now.Sub(i.StoredAt)
	if age < 0 {
		return 0
	}
	return age
}

// Expired reports whether the item is older than its TTL at now.
func (i Item) Expired(now time.Time) bool {
	if i.TTL <= 0 {
		return false
	}
	return i.Age(now) > i.TTL
}

// Store is a key-value store with TTL metadata.
type Store interface {
	// Get returns the item stored under key or ErrNotFound.
	Get(ctx context.Context, key string) (Item, error)

	// Put replaces the item stored under key.
	Put(ctx context.Context, key string, item Item) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

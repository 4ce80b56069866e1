package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key       TEXT PRIMARY KEY,
	value     BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	ttl_ms    INTEGER NOT NULL DEFAULT 0
)`

// SQLite is a Store backed by a local SQLite file. It suits the advisory
// warm-start snapshots that must survive restarts of a single instance.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps ":memory:" databases consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, key string) (Item, error) {
	var (
		item     Item
		storedAt int64
		ttlMS    int64
	)

	row := s.db.QueryRowContext(ctx, `SELECT value, stored_at, ttl_ms FROM kv WHERE key = ?`, key)
	if err := row.Scan(&item.Value, &storedAt, &ttlMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		storeErrors.WithLabelValues("sqlite", "get").Inc()
		return Item{}, fmt.Errorf("sqlite get: %w", err)
	}

	item.StoredAt = time.UnixMilli(storedAt)
	item.TTL = time.Duration(ttlMS) * time.Millisecond
	return item, nil
}

// Put implements Store.
func (s *SQLite) Put(ctx context.Context, key string, item Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, stored_at, ttl_ms) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, stored_at = excluded.stored_at, ttl_ms = excluded.ttl_ms`,
		key, item.Value, item.StoredAt.UnixMilli(), item.TTL.Milliseconds())
	if err != nil {
		storeErrors.WithLabelValues("sqlite", "put").Inc()
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		storeErrors.WithLabelValues("sqlite", "delete").Inc()
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

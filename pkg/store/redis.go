package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidItem indicates a stored item could not be decoded.
var ErrInvalidItem = errors.New("store: invalid item")

var storeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "recordsync_store_errors_total",
		Help: "Total number of store operation errors by backend",
	},
	[]string{"backend", "operation"}, // "redis"|"sqlite", "get"|"put"|"delete"
)

// Redis is a Store backed by Redis. Items are stored as JSON without a
// server-side expiry.
type Redis struct {
	redis  *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed store. Keys are namespaced with prefix.
func NewRedis(redisClient *redis.Client, prefix string) *Redis {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Redis{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (r *Redis) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) (Item, error) {
	data, err := r.redis.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Item{}, ErrNotFound
		}
		storeErrors.WithLabelValues("redis", "get").Inc()
		return Item{}, fmt.Errorf("redis get: %w", err)
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		storeErrors.WithLabelValues("redis", "get").Inc()
		return Item{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}

	return item, nil
}

// Put implements Store.
func (r *Redis) Put(ctx context.Context, key string, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		storeErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("marshal item: %w", err)
	}

	if err := r.redis.Set(ctx, r.key(key), data, 0).Err(); err != nil {
		storeErrors.WithLabelValues("redis", "put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.redis.Del(ctx, r.key(key)).Err(); err != nil {
		storeErrors.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

//go:build integration

package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Sternrassler/recordsync/pkg/ratelimit"
	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedisContainer creates a Redis container for integration testing.
func setupRedisContainer(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestIntegration_SharedRateLimitState(t *testing.T) {
	redisClient, cleanup := setupRedisContainer(t)
	defer cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Reset", "60")
		_, _ = io.WriteString(w, `{"success":true,"records":[{"id":"a"}]}`)
	}))
	defer server.Close()

	shared := store.NewRedis(redisClient, "client-it")

	cfgA := testConfig(server.URL)
	cfgA.Store = shared
	first, err := New(cfgA)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// First request succeeds and records a nearly exhausted quota.
	if _, err := first.FetchPage(context.Background(), PageRequest{Resource: "work-orders"}); err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	cfgB := testConfig(server.URL)
	cfgB.Store = shared
	second, err := New(cfgB)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// A second client on the same store sees the quota and refuses.
	_, err = second.FetchPage(context.Background(), PageRequest{Resource: "work-orders"})
	if !errors.Is(err, ratelimit.ErrBlocked) {
		t.Errorf("error = %v, want ratelimit.ErrBlocked", err)
	}
}

package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2", config.MaxRetries)
	}
	if config.InitialBackoff != 500*time.Millisecond {
		t.Errorf("InitialBackoff = %v, want 500ms", config.InitialBackoff)
	}
	if config.MaxBackoff != 5*time.Second {
		t.Errorf("MaxBackoff = %v, want 5s", config.MaxBackoff)
	}
	if config.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", config.BackoffMultiplier)
	}
}

func TestRetryConfigForErrorClass(t *testing.T) {
	base := DefaultRetryConfig()

	tests := []struct {
		name            string
		errorClass      ErrorClass
		expectedInitial time.Duration
		expectedMax     time.Duration
	}{
		{"server error config", ErrorClassServer, 500 * time.Millisecond, 5 * time.Second},
		{"rate limit config", ErrorClassRateLimit, 2 * time.Second, 10 * time.Second},
		{"network error config", ErrorClassNetwork, time.Second, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RetryConfigForErrorClass(base, tt.errorClass)
			if cfg.InitialBackoff != tt.expectedInitial {
				t.Errorf("InitialBackoff = %v, want %v", cfg.InitialBackoff, tt.expectedInitial)
			}
			if cfg.MaxBackoff != tt.expectedMax {
				t.Errorf("MaxBackoff = %v, want %v", cfg.MaxBackoff, tt.expectedMax)
			}
			if cfg.MaxRetries != base.MaxRetries {
				t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, base.MaxRetries)
			}
		})
	}
}

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:        maxRetries,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetryWithBackoff_Success(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry(2), zerolog.Nop(), func(int) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("retryWithBackoff() error = %v, want nil", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithBackoff_RetriableThenSuccess(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry(2), zerolog.Nop(), func(int) error {
		attempts++
		if attempts < 3 {
			return &APIError{StatusCode: 503, ErrorClass: ErrorClassServer, Message: "unavailable"}
		}
		return nil
	})

	if err != nil {
		t.Errorf("retryWithBackoff() error = %v, want nil", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoff_NonRetriable(t *testing.T) {
	attempts := 0
	want := &APIError{StatusCode: 400, ErrorClass: ErrorClassClient, Message: "bad filter"}
	err := retryWithBackoff(context.Background(), fastRetry(2), zerolog.Nop(), func(int) error {
		attempts++
		return want
	})

	if !errors.Is(err, want) {
		t.Errorf("retryWithBackoff() error = %v, want %v", err, want)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithBackoff_PlainErrorNotRetried(t *testing.T) {
	attempts := 0
	_ = retryWithBackoff(context.Background(), fastRetry(2), zerolog.Nop(), func(int) error {
		attempts++
		return errors.New("marshal failure")
	})

	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	attempts := 0
	err := retryWithBackoff(context.Background(), fastRetry(2), zerolog.Nop(), func(int) error {
		attempts++
		return &APIError{ErrorClass: ErrorClassNetwork, Code: CodeConnection, Message: "reset"}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("error = %v, want ErrRetryExhausted", err)
	}
	if !IsTransport(err) {
		t.Errorf("exhausted error should still unwrap to the transport failure: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: time.Second, BackoffMultiplier: 2}

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := retryWithBackoff(ctx, cfg, zerolog.Nop(), func(int) error {
		attempts++
		return &APIError{StatusCode: 500, ErrorClass: ErrorClassServer, Message: "boom"}
	})

	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("error = %v, want ErrContextCancelled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// Package client provides the HTTP client for the remote CRM data API with
// per-endpoint timeouts, bounded retry, rate limit gating and error
// classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/recordsync/pkg/ratelimit"
	"github.com/Sternrassler/recordsync/pkg/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordsync_api_requests_total",
		Help: "Total CRM API requests by resource and status",
	}, []string{"resource", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recordsync_api_request_duration_seconds",
		Help:    "CRM API request duration in seconds by resource and kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"resource", "kind"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordsync_api_errors_total",
		Help: "Total CRM API errors by class",
	}, []string{"class"})
)

// Kind selects the timeout budget of an endpoint.
type Kind string

const (
	// KindLookup is a simple record lookup (tens of seconds).
	KindLookup Kind = "lookup"

	// KindAggregate is an aggregate-heavy endpoint (up to five minutes).
	KindAggregate Kind = "aggregate"
)

// Client is the CRM data API client.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	rateLimiter *ratelimit.Tracker
	config      Config
	logger      zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the data API (e.g. "https://crm.example.com/api").
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeouts per endpoint kind.
	LookupTimeout    time.Duration
	AggregateTimeout time.Duration

	// Retry policy for transport, 5xx and 429 failures.
	Retry RetryConfig

	// Store holds the shared rate limit state (default: in-memory).
	Store store.Store

	// HTTPClient overrides the transport (default: http.Client without timeout;
	// timeouts are applied per request).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:          baseURL,
		UserAgent:        userAgent,
		LookupTimeout:    30 * time.Second,
		AggregateTimeout: 5 * time.Minute,
		Retry:            DefaultRetryConfig(),
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.LookupTimeout <= 0 || cfg.AggregateTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive (lookup %v, aggregate %v)", cfg.LookupTimeout, cfg.AggregateTimeout)
	}

	if cfg.Retry.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0 (got %d)", cfg.Retry.MaxRetries)
	}

	logger := log.With().Str("component", "crm-client").Logger()

	st := cfg.Store
	if st == nil {
		st = store.NewMemory()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     base,
		rateLimiter: ratelimit.NewTracker(st, logger),
		config:      cfg,
		logger:      logger,
	}, nil
}

// PageRequest asks for one page of a remote collection.
// Offset and Cursor are never sent together: a non-empty Cursor wins.
type PageRequest struct {
	Resource string
	Kind     Kind
	Offset   int
	Cursor   string
	Limit    int
	Search   string
	Filters  url.Values
}

// PageResponse is the remote page envelope.
type PageResponse struct {
	Success bool              `json:"success"`
	Records []json.RawMessage `json:"records"`
	HasMore *bool             `json:"hasMore,omitempty"`
	Cursor  string            `json:"cursor,omitempty"`
	Total   *int              `json:"total,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Update is one status change sent in a bulk publish.
type Update struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// PublishResponse is the remote bulk update envelope.
type PublishResponse struct {
	Success      bool   `json:"success"`
	UpdatedCount int    `json:"updatedCount"`
	Error        string `json:"error,omitempty"`
}

// Params encodes the request as query parameters.
func (r PageRequest) Params() url.Values {
	params := url.Values{}
	for key, values := range r.Filters {
		for _, v := range values {
			params.Add(key, v)
		}
	}

	if r.Cursor != "" {
		params.Set("cursor", r.Cursor)
	} else {
		params.Set("offset", strconv.Itoa(r.Offset))
	}
	if r.Limit > 0 {
		params.Set("limit", strconv.Itoa(r.Limit))
	}
	if r.Search != "" {
		params.Set("search", r.Search)
	}
	return params
}

// FetchPage requests one page of records.
func (c *Client) FetchPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	if req.Resource == "" {
		return nil, fmt.Errorf("resource is required")
	}

	endpoint := c.endpoint(req.Resource)
	endpoint.RawQuery = req.Params().Encode()

	data, err := c.do(ctx, req.Resource, req.Kind, http.MethodGet, endpoint.String(), nil, true)
	if err != nil {
		return nil, err
	}

	var page PageResponse
	if err := json.Unmarshal(data, &page); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
		return nil, &APIError{
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassServer,
			Message:    "malformed page payload",
			Err:        err,
		}
	}

	if page.Error != "" || !page.Success {
		msg := page.Error
		if msg == "" {
			msg = "request not successful"
		}
		errorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		return nil, &APIError{StatusCode: http.StatusOK, ErrorClass: ErrorClassClient, Message: msg}
	}

	c.logger.Debug().
		Str("resource", req.Resource).
		Int("offset", req.Offset).
		Bool("cursor_mode", req.Cursor != "").
		Int("records", len(page.Records)).
		Msg("Page fetched")

	return &page, nil
}

// Publish sends a bulk status update. It is never retried: the caller must
// refetch to learn the true post-publish state.
func (c *Client) Publish(ctx context.Context, resource string, updates []Update) (*PublishResponse, error) {
	if resource == "" {
		return nil, fmt.Errorf("resource is required")
	}

	body, err := json.Marshal(map[string]any{"updates": updates})
	if err != nil {
		return nil, fmt.Errorf("marshal updates: %w", err)
	}

	endpoint := c.endpoint(resource + "/bulk-update")
	data, err := c.do(ctx, resource, KindAggregate, http.MethodPost, endpoint.String(), body, false)
	if err != nil {
		return nil, err
	}

	var resp PublishResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &APIError{
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassServer,
			Message:    "malformed publish payload",
			Err:        err,
		}
	}

	if resp.Error != "" || !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "publish not successful"
		}
		return nil, &APIError{StatusCode: http.StatusOK, ErrorClass: ErrorClassClient, Message: msg}
	}

	c.logger.Info().
		Str("resource", resource).
		Int("requested", len(updates)).
		Int("updated", resp.UpdatedCount).
		Msg("Bulk update published")

	return &resp, nil
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/")
	return &u
}

func (c *Client) timeoutFor(kind Kind) time.Duration {
	if kind == KindAggregate {
		return c.config.AggregateTimeout
	}
	return c.config.LookupTimeout
}

// do performs one logical request, with retry when retry is true, and
// returns the response body.
func (c *Client) do(ctx context.Context, resource string, kind Kind, method, target string, body []byte, retry bool) ([]byte, error) {
	if kind == "" {
		kind = KindLookup
	}

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(resource, string(kind)).Observe(time.Since(startTime).Seconds())
	}()

	var payload []byte

	attemptFn := func(attempt int) error {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			requestsTotal.WithLabelValues(resource, "rate_limited").Inc()
			return fmt.Errorf("rate limit gate: %w", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(kind))
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		requestID := uuid.NewString()
		req.Header.Set("User-Agent", c.config.UserAgent)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.logger.Debug().
			Str("resource", resource).
			Str("method", method).
			Str("request_id", requestID).
			Int("attempt", attempt).
			Msg("Executing CRM API request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return c.transportError(ctx, resource, err)
		}
		defer resp.Body.Close()

		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return c.transportError(ctx, resource, err)
		}

		if resp.StatusCode >= 400 {
			errClass := classifyStatus(resp.StatusCode)
			errorsTotal.WithLabelValues(string(errClass)).Inc()
			requestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()

			c.logger.Warn().
				Str("resource", resource).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("CRM API request error")

			return &APIError{
				StatusCode: resp.StatusCode,
				ErrorClass: errClass,
				Message:    errorMessage(data, resp.Status),
			}
		}

		requestsTotal.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()
		payload = data
		return nil
	}

	var err error
	if retry {
		err = retryWithBackoff(ctx, c.config.Retry, c.logger, attemptFn)
	} else {
		err = attemptFn(1)
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// transportError classifies a failure below HTTP. A cancelled caller context
// is not a transport failure and is never retried.
func (c *Client) transportError(ctx context.Context, resource string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	}

	code := CodeConnection
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = CodeTimeout
	}

	errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
	requestsTotal.WithLabelValues(resource, "network_error").Inc()
	c.logger.Warn().Err(err).Str("resource", resource).Str("code", string(code)).Msg("HTTP request failed")

	return &APIError{
		ErrorClass: ErrorClassNetwork,
		Code:       code,
		Message:    "request failed",
		Err:        err,
	}
}

// classifyStatus categorizes an HTTP error status.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	default:
		return ErrorClassServer
	}
}

// errorMessage extracts the message of a structured {error: message} payload.
func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fallback
}

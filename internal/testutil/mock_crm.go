// Package testutil provides testing utilities for the recordsync engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockResponse defines a canned response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCRM is a configurable mock of the remote CRM data API. Collections
// are paged by offset up to the ceiling and by cursor beyond it.
type MockCRM struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)

	collections map[string][]map[string]any
	ceiling     int
	cursors     bool
	hasMoreFlag bool
	failures    []int
	delay       time.Duration

	// Tracking
	RequestCount int
	Queries      []url.Values
	Published    [][]Update
}

// Update is one status change received by the bulk-update endpoint.
type Update struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// NewMockCRM creates a new mock CRM server with an offset ceiling of 2000
// and cursors enabled.
func NewMockCRM() *MockCRM {
	mock := &MockCRM{
		handlers:    make(map[string]func(w http.ResponseWriter, r *http.Request)),
		collections: make(map[string][]map[string]any),
		ceiling:     2000,
		cursors:     true,
		hasMoreFlag: true,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.Queries = append(mock.Queries, r.URL.Query())
		handler, exists := mock.handlers[r.URL.Path]
		delay := mock.delay
		var failStatus int
		if len(mock.failures) > 0 {
			failStatus = mock.failures[0]
			mock.failures = mock.failures[1:]
		}
		mock.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}

		if failStatus != 0 {
			writeJSON(w, failStatus, map[string]string{"error": http.StatusText(failStatus)})
			return
		}

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockCRM) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCRM) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockCRM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.Queries = nil
	m.Published = nil
}

// SetHandler sets a custom handler for a specific path.
func (m *MockCRM) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockCRM) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// SetCollection replaces the records of a resource.
func (m *MockCRM) SetCollection(resource string, records []map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[strings.Trim(resource, "/")] = records
}

// Generate fills resource with n records with IDs "<prefix>-<i>" and
// statuses cycling through statuses.
func (m *MockCRM) Generate(resource, prefix string, n int, statuses ...string) {
	records := make([]map[string]any, n)
	for i := range records {
		rec := map[string]any{
			"id":   fmt.Sprintf("%s-%d", prefix, i),
			"name": fmt.Sprintf("%s record %d", prefix, i),
		}
		if len(statuses) > 0 {
			rec["status"] = statuses[i%len(statuses)]
		}
		records[i] = rec
	}
	m.SetCollection(resource, records)
}

// SetCeiling sets the offset ceiling and whether cursors are issued at it.
func (m *MockCRM) SetCeiling(ceiling int, cursors bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ceiling = ceiling
	m.cursors = cursors
}

// SetHasMoreFlag controls whether responses carry an explicit hasMore flag.
func (m *MockCRM) SetHasMoreFlag(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasMoreFlag = enabled
}

// SetDelay delays every response.
func (m *MockCRM) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailNext makes the next requests fail with the given statuses, in order.
func (m *MockCRM) FailNext(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, statuses...)
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockCRM) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetQueries returns the query parameters of every request.
func (m *MockCRM) GetQueries() []url.Values {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]url.Values(nil), m.Queries...)
}

// GetPublished returns the update batches received by bulk-update.
func (m *MockCRM) GetPublished() [][]Update {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]Update(nil), m.Published...)
}

// Status returns the current status of a record.
func (m *MockCRM) Status(resource, id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.collections[strings.Trim(resource, "/")] {
		if rec["id"] == id {
			s, _ := rec["status"].(string)
			return s
		}
	}
	return ""
}

func (m *MockCRM) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-RateLimit-Remaining", "100")
	w.Header().Set("X-RateLimit-Reset", "60")

	path := strings.Trim(r.URL.Path, "/")
	if resource, ok := strings.CutSuffix(path, "/bulk-update"); ok && r.Method == http.MethodPost {
		m.bulkUpdate(w, r, resource)
		return
	}

	m.mu.RLock()
	records, ok := m.collections[path]
	var matched []map[string]any
	if ok {
		matched = filter(records, r.URL.Query())
	}
	m.mu.RUnlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource " + path})
		return
	}

	m.page(w, r.URL.Query(), matched)
}

func (m *MockCRM) page(w http.ResponseWriter, q url.Values, records []map[string]any) {
	m.mu.RLock()
	ceiling, cursors, flag := m.ceiling, m.cursors, m.hasMoreFlag
	m.mu.RUnlock()

	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = 100
	}

	var start int
	switch {
	case q.Get("cursor") != "":
		start, err = strconv.Atoi(strings.TrimPrefix(q.Get("cursor"), "c"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid cursor"})
			return
		}
	default:
		start, _ = strconv.Atoi(q.Get("offset"))
		if ceiling > 0 && start+limit > ceiling {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("offset window exceeds %d", ceiling)})
			return
		}
	}

	end := start + limit
	if end > len(records) {
		end = len(records)
	}
	if start > end {
		start = end
	}

	body := map[string]any{
		"success": true,
		"records": records[start:end],
		"total":   len(records),
	}
	if flag {
		body["hasMore"] = end < len(records)
	}
	if cursors && end < len(records) && (ceiling == 0 || end >= ceiling) {
		body["cursor"] = "c" + strconv.Itoa(end)
	}
	writeJSON(w, http.StatusOK, body)
}

func (m *MockCRM) bulkUpdate(w http.ResponseWriter, r *http.Request, resource string) {
	var req struct {
		Updates []Update `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Published = append(m.Published, req.Updates)
	updated := 0
	for _, u := range req.Updates {
		for _, rec := range m.collections[resource] {
			if rec["id"] == u.ID {
				rec["status"] = u.Status
				updated++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "updatedCount": updated})
}

// filter applies search (case-insensitive substring over string fields) and
// equality filters on every other query parameter.
func filter(records []map[string]any, q url.Values) []map[string]any {
	reserved := map[string]bool{"offset": true, "cursor": true, "limit": true, "search": true}
	term := strings.ToLower(q.Get("search"))

	keys := make([]string, 0, len(q))
	for k := range q {
		if !reserved[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []map[string]any
	for _, rec := range records {
		if term != "" && !matches(rec, term) {
			continue
		}
		keep := true
		for _, k := range keys {
			if !contains(q[k], fmt.Sprint(rec[k])) {
				keep = false
				break
			}
		}
		if keep {
			copied := make(map[string]any, len(rec))
			for k, v := range rec {
				copied[k] = v
			}
			out = append(out, copied)
		}
	}
	return out
}

func matches(rec map[string]any, term string) bool {
	for _, v := range rec {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

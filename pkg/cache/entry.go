package cache

import (
	"fmt"
	"time"
)

// Entry is a cached result set.
type Entry[T any] struct {
	// Key is the string form of the entry's key.
	Key string `json:"key"`

	// Payload is the cached result set. It is replaced wholesale, never patched.
	Payload T `json:"payload"`

	// CachedAt is when the payload was fetched.
	CachedAt time.Time `json:"cached_at"`

	// TTL is how long the payload counts as fresh.
	TTL time.Duration `json:"ttl"`
}

// Age returns the entry age at now.
func (e *Entry[T]) Age(now time.Time) time.Duration {
	age := now.Sub(e.CachedAt)
	if age < 0 {
		return 0
	}
	return age
}

// IsStale reports whether now - CachedAt > TTL.
func (e *Entry[T]) IsStale(now time.Time) bool {
	return now.Sub(e.CachedAt) > e.TTL
}

// AgeWarning formats the notice shown when data older than its TTL is served
// because a refresh failed.
func AgeWarning(age time.Duration, err error) string {
	msg := fmt.Sprintf("showing data from %s ago", formatAge(age))
	if err != nil {
		msg += ": refresh failed: " + err.Error()
	}
	return msg
}

func formatAge(age time.Duration) string {
	switch {
	case age < time.Minute:
		return fmt.Sprintf("%ds", int(age.Seconds()))
	case age < time.Hour:
		return fmt.Sprintf("%dm", int(age.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(age.Hours()), int(age.Minutes())%60)
	}
}

package cache

import (
	"strings"
	"time"
)

// Kind identifies a resource kind. TTLs are fixed per kind.
type Kind string

const (
	// KindRecords is a page of records (the first page of a Window).
	KindRecords Kind = "records"

	// KindCounts is an aggregate count for a sub-resource (e.g. per category).
	KindCounts Kind = "counts"
)

// Default TTLs per kind.
const (
	DefaultTTL = 10 * time.Minute
	CountsTTL  = 15 * time.Minute
)

// Key identifies one cache entry. At most one entry exists per key.
type Key struct {
	// Namespace scopes the key to one view (each view owns its key-space).
	Namespace string

	// Kind selects the TTL.
	Kind Kind

	// Signature is the filter signature of the cached result set.
	Signature string
}

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// String generates a deterministic cache key string.
// Format: recordsync:cache:namespace:kind:signature
//
// Namespace and kind are escaped so they never contain the separator; the
// signature is the last segment and is kept as is.
//
// Example:
//
//	recordsync:cache:work-orders:records:work-orders:search=pump
func (k Key) String() string {
	kind := k.Kind
	if kind == "" {
		kind = KindRecords
	}

	var b strings.Builder
	b.WriteString("recordsync:cache:")
	b.WriteString(segmentEscaper.Replace(k.Namespace))
	b.WriteByte(':')
	b.WriteString(segmentEscaper.Replace(string(kind)))
	b.WriteByte(':')
	b.WriteString(k.Signature)
	return b.String()
}

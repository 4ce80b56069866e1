package record

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Query is the filter signature of a view: which resource, which search term
// and which domain filters. It is comparable so it can be used as a map key
// and compared against the signature a response was requested for.
type Query struct {
	// Resource is the remote collection path (e.g. "work-orders").
	Resource string

	// Search is the server-side search term (case-insensitive, multi-field).
	Search string

	// Filters holds the canonical encoding of the domain filter parameters.
	Filters string
}

// NewQuery builds a query with canonically encoded filters.
func NewQuery(resource, search string, filters url.Values) Query {
	return Query{
		Resource: strings.Trim(resource, "/"),
		Search:   strings.TrimSpace(search),
		Filters:  canonical(filters),
	}
}

// SearchTerm returns the search term.
func (q Query) SearchTerm() string {
	return q.Search
}

// WithSearch returns a copy of q with a different search term.
func (q Query) WithSearch(term string) Query {
	q.Search = strings.TrimSpace(term)
	return q
}

// WithFilters returns a copy of q with different filters.
func (q Query) WithFilters(filters url.Values) Query {
	q.Filters = canonical(filters)
	return q
}

// FilterValues decodes the filter parameters.
func (q Query) FilterValues() url.Values {
	values, err := url.ParseQuery(q.Filters)
	if err != nil {
		return url.Values{}
	}
	return values
}

// Signature generates a deterministic string for the query.
// Format: resource:search=term:filter1=val1:filter2=val2
//
// Example:
//
//	work-orders:search=pump:region=emea:status=open
func (q Query) Signature() string {
	parts := []string{q.Resource}

	if q.Search != "" {
		parts = append(parts, fmt.Sprintf("search=%s", strings.ToLower(q.Search)))
	}

	values := q.FilterValues()
	if len(values) > 0 {
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values[key], ",")))
		}
	}

	return strings.Join(parts, ":")
}

// canonical encodes filters with sorted keys and sorted values so that
// equivalent filter sets compare equal.
func canonical(filters url.Values) string {
	if len(filters) == 0 {
		return ""
	}

	clean := url.Values{}
	for key, values := range filters {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				clean.Add(key, v)
			}
		}
	}
	for key := range clean {
		sort.Strings(clean[key])
	}

	return clean.Encode()
}

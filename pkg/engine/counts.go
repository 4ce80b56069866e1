package engine

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Sternrassler/recordsync/pkg/cache"
	"github.com/Sternrassler/recordsync/pkg/client"
)

// Counts serves per-category record counts of a resource (e.g. how many
// work orders sit in each queue). Counts use the counts TTL and are
// refreshed per category. Entries belong to the owning view.
type Counts struct {
	client   PageClient
	view     string
	resource string
	field    string
	layer    *cache.Layer[int]
}

// NewCounts creates a counts service of view for the categories of field.
func NewCounts(c PageClient, view, resource, field string, layer *cache.Layer[int]) *Counts {
	if c == nil || layer == nil {
		panic("client and layer cannot be nil")
	}
	return &Counts{client: c, view: view, resource: resource, field: field, layer: layer}
}

func (c *Counts) key(category string) cache.Key {
	return cache.Key{
		Namespace: c.view,
		Kind:      cache.KindCounts,
		Signature: c.field + "=" + category,
	}
}

func (c *Counts) fetch(category string) cache.Fetch[int] {
	return func(ctx context.Context) (int, error) {
		resp, err := c.client.FetchPage(ctx, client.PageRequest{
			Resource: c.resource,
			Kind:     client.KindAggregate,
			Limit:    1,
			Filters:  url.Values{c.field: {category}},
		})
		if err != nil {
			return 0, err
		}
		if resp.Total == nil {
			return 0, fmt.Errorf("count of %s=%s: response carries no total", c.field, category)
		}
		return *resp.Total, nil
	}
}

// Get returns the count of one category.
func (c *Counts) Get(ctx context.Context, category string) (cache.Result[int], error) {
	return c.layer.Get(ctx, c.key(category), c.fetch(category))
}

// Refresh refreshes the counts of the given categories only; counts of
// other categories keep their entries.
func (c *Counts) Refresh(ctx context.Context, categories []string) cache.RefreshReport {
	keys := make([]cache.Key, 0, len(categories))
	byKey := make(map[cache.Key]string, len(categories))
	for _, category := range categories {
		k := c.key(category)
		keys = append(keys, k)
		byKey[k] = category
	}

	return c.layer.RefreshKeys(ctx, keys, func(k cache.Key) cache.Fetch[int] {
		return c.fetch(byKey[k])
	})
}

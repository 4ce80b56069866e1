package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/recordsync/pkg/client"
	"github.com/Sternrassler/recordsync/pkg/pagination"
	"github.com/Sternrassler/recordsync/pkg/reconcile"
	"github.com/Sternrassler/recordsync/pkg/record"
)

// PageClient fetches raw pages from the remote data API.
type PageClient interface {
	FetchPage(ctx context.Context, req client.PageRequest) (*client.PageResponse, error)
}

// PublishClient sends bulk status updates to the remote data API.
type PublishClient interface {
	Publish(ctx context.Context, resource string, updates []client.Update) (*client.PublishResponse, error)
}

// Endpoint describes how one remote collection paginates.
type Endpoint struct {
	// Resource overrides the query's resource path when set.
	Resource string

	// Kind selects the request timeout.
	Kind client.Kind

	// ExplicitHasMore is set for endpoints whose hasMore flag is reliable.
	// Without it only the batch-size rule decides exhaustion and a returned
	// flag is ignored.
	ExplicitHasMore bool
}

// RemoteFetcher loads pages of a remote collection over the API client.
type RemoteFetcher[R record.Record] struct {
	client   PageClient
	endpoint Endpoint
}

// NewRemoteFetcher creates a fetcher for one endpoint.
func NewRemoteFetcher[R record.Record](c PageClient, endpoint Endpoint) *RemoteFetcher[R] {
	if c == nil {
		panic("client cannot be nil")
	}
	if endpoint.Kind == "" {
		endpoint.Kind = client.KindLookup
	}
	return &RemoteFetcher[R]{client: c, endpoint: endpoint}
}

// FetchPage implements pagination.Fetcher.
func (f *RemoteFetcher[R]) FetchPage(ctx context.Context, req pagination.Request[record.Query]) (pagination.Page[R], error) {
	resource := f.endpoint.Resource
	if resource == "" {
		resource = req.Signature.Resource
	}

	resp, err := f.client.FetchPage(ctx, client.PageRequest{
		Resource: resource,
		Kind:     f.endpoint.Kind,
		Offset:   req.Cursor.Offset,
		Cursor:   req.Cursor.Token,
		Limit:    req.Limit,
		Search:   req.Signature.Search,
		Filters:  req.Signature.FilterValues(),
	})
	if err != nil {
		return pagination.Page[R]{}, err
	}

	page := pagination.Page[R]{
		Records: make([]R, 0, len(resp.Records)),
		Cursor:  resp.Cursor,
		Total:   resp.Total,
	}
	if f.endpoint.ExplicitHasMore {
		page.HasMore = resp.HasMore
	}

	for i, raw := range resp.Records {
		var r R
		if err := json.Unmarshal(raw, &r); err != nil {
			return pagination.Page[R]{}, fmt.Errorf("decode record %d of %s: %w", i, resource, err)
		}
		page.Records = append(page.Records, r)
	}
	return page, nil
}

// ClientPublisher publishes pending edits of one resource.
type ClientPublisher struct {
	client   PublishClient
	resource string
}

// NewClientPublisher creates a publisher for resource.
func NewClientPublisher(c PublishClient, resource string) *ClientPublisher {
	if c == nil {
		panic("client cannot be nil")
	}
	return &ClientPublisher{client: c, resource: resource}
}

// Publish implements reconcile.Publisher.
func (p *ClientPublisher) Publish(ctx context.Context, edits []reconcile.PendingEdit) (int, error) {
	updates := make([]client.Update, 0, len(edits))
	for _, e := range edits {
		updates = append(updates, client.Update{ID: e.RecordID, Status: string(e.ToState)})
	}

	resp, err := p.client.Publish(ctx, p.resource, updates)
	if err != nil {
		return 0, err
	}
	return resp.UpdatedCount, nil
}

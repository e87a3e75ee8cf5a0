// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package indexer

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"storj.io/common/context2"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
)

// Index is the downstream document index. The pruner reconciles against
// it: listing what a tenant has indexed and deleting documents whose
// entity is gone or no longer visible.
type Index interface {
	// DeleteDocument removes one document from the tenant's namespace.
	// Deleting an absent document is not an error.
	DeleteDocument(ctx context.Context, tenant uuid.UUID, docID string) error
	// ListDocumentIDs returns every document id in the tenant's
	// namespace.
	ListDocumentIDs(ctx context.Context, tenant uuid.UUID) ([]string, error)
}

// IndexConfig selects the index backend.
type IndexConfig struct {
	URL string `help:"base url of the search index; @log only logs deletions and lists nothing" default:"@log"`
}

// NewIndex creates the index named by the configuration.
func NewIndex(log *zap.Logger, config IndexConfig) (Index, error) {
	if config.URL == "" || config.URL == "@log" {
		return NewLogIndex(log), nil
	}
	return NewSearchIndex(log, config.URL)
}

// LogIndex discards deletions with a log line. It backs the @log target
// for deployments without a reachable index, mirroring LogNotifier.
type LogIndex struct {
	log *zap.Logger
}

// NewLogIndex creates a LogIndex.
func NewLogIndex(log *zap.Logger) *LogIndex {
	return &LogIndex{log: log}
}

// DeleteDocument implements Index.
func (index *LogIndex) DeleteDocument(ctx context.Context, tenant uuid.UUID, docID string) error {
	index.log.Info("index delete",
		zap.Stringer("tenant", tenant),
		zap.String("doc_id", docID))
	return nil
}

// ListDocumentIDs implements Index. Nothing is ever indexed here.
func (index *LogIndex) ListDocumentIDs(ctx context.Context, tenant uuid.UUID) ([]string, error) {
	return nil, nil
}

const (
	scrollPageSize  = 1000
	scrollKeepAlive = "1m"
)

// SearchIndex talks to an opensearch-compatible search cluster. Each
// tenant's documents live in their own namespace index.
type SearchIndex struct {
	log    *zap.Logger
	client *connector.HTTPClient
}

// NewSearchIndex creates a SearchIndex rooted at baseURL.
func NewSearchIndex(log *zap.Logger, baseURL string) (*SearchIndex, error) {
	client, err := connector.NewHTTPClient(log, nil, baseURL, connector.ClientOptions{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &SearchIndex{log: log, client: client}, nil
}

func (index *SearchIndex) namespace(tenant uuid.UUID) string {
	return "tenant-" + tenant.String()
}

// DeleteDocument implements Index.
func (index *SearchIndex) DeleteDocument(ctx context.Context, tenant uuid.UUID, docID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	resp, err := index.client.Do(ctx, http.MethodDelete,
		"/"+index.namespace(tenant)+"/_doc/"+url.PathEscape(docID), nil, nil, "")
	if connector.ErrNotFound.Has(err) {
		// Already gone.
		return nil
	}
	if err != nil {
		return err
	}
	return Error.Wrap(resp.Body.Close())
}

type scrollPage struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// ListDocumentIDs implements Index by walking a scroll cursor over the
// tenant's namespace.
func (index *SearchIndex) ListDocumentIDs(ctx context.Context, tenant uuid.UUID) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var page scrollPage
	err = index.client.JSON(ctx, http.MethodPost,
		"/"+index.namespace(tenant)+"/_search",
		url.Values{"scroll": {scrollKeepAlive}},
		map[string]any{
			"size":    scrollPageSize,
			"_source": false,
			"query":   map[string]any{"match_all": map[string]any{}},
		}, &page)
	if connector.ErrNotFound.Has(err) {
		// The namespace does not exist until the first document lands.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	scrollID := page.ScrollID
	defer func() { index.clearScroll(context2.WithoutCancellation(ctx), scrollID) }()

	var ids []string
	for len(page.Hits.Hits) > 0 {
		for _, hit := range page.Hits.Hits {
			ids = append(ids, hit.ID)
		}

		var next scrollPage
		err := index.client.JSON(ctx, http.MethodPost, "/_search/scroll", nil,
			map[string]any{"scroll": scrollKeepAlive, "scroll_id": scrollID}, &next)
		if err != nil {
			return nil, err
		}
		page = next
		if next.ScrollID != "" {
			scrollID = next.ScrollID
		}
	}
	return ids, nil
}

func (index *SearchIndex) clearScroll(ctx context.Context, scrollID string) {
	if scrollID == "" {
		return
	}
	err := index.client.JSON(ctx, http.MethodDelete, "/_search/scroll", nil,
		map[string]any{"scroll_id": []string{scrollID}}, nil)
	if err != nil {
		index.log.Debug("releasing scroll cursor failed", zap.Error(err))
	}
}

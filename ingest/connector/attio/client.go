// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package attio

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/shared/lrucache"
)

// Object is one workspace object, the container its records live under.
type Object struct {
	Slug  string `json:"api_slug"`
	Title string `json:"plural_noun"`
}

// Record is one Attio record. Raw holds the provider response verbatim
// for the artifact content.
type Record struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	Raw json.RawMessage
}

// recordFields is the wire shape of the record fields the connector
// reads; the attribute values stay opaque.
type recordFields struct {
	ID struct {
		RecordID string `json:"record_id"`
	} `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// objectCache memoizes object descriptors per tenant. Every pass reads
// them and they change rarely, so one process-wide cache serves all
// workers.
var objectCache = lrucache.NewOf[[]Object](lrucache.Options{
	Expiration: 10 * time.Minute,
	Capacity:   1000,
	Name:       "attio-objects",
})

// Client calls the Attio REST API v2 for one tenant.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
	tenant  uuid.UUID
}

// NewClient builds a client for the tenant.
func NewClient(deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("attio"), deps.HTTP, apiURL, connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.AttioRecord),
		Acquire: deps.AcquireFunc(tenant, source.AttioRecord),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier, tenant: tenant}, nil
}

// Self verifies the token by reading what it may access.
func (client *Client) Self(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/self", nil, nil)
	})
}

// Objects lists the workspace's objects, served from the process cache.
func (client *Client) Objects(ctx context.Context) (_ []Object, err error) {
	defer mon.Task()(&ctx)(&err)

	return objectCache.Get(ctx, client.tenant.String(), func() ([]Object, error) {
		var out struct {
			Data []Object `json:"data"`
		}
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			out.Data = nil
			return client.http.GetJSON(ctx, "/objects", nil, &out)
		})
		return out.Data, err
	})
}

// RecordIDs lists the ids of every record of the object.
func (client *Client) RecordIDs(ctx context.Context, object string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var ids []string
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]Record, bool, error) {
		records, err := client.queryRecords(ctx, object, map[string]any{
			"limit":  pageSize,
			"offset": (page - 1) * pageSize,
		})
		return records, len(records) == pageSize, err
	}, func(records []Record) error {
		for _, record := range records {
			ids = append(ids, record.ID)
		}
		return nil
	})
	return ids, err
}

// RecordsByIDs fetches records by id, chunked so the serialized filter
// stays inside the query budget. Rows come back in no particular order
// and ids that no longer exist are simply absent.
func (client *Client) RecordsByIDs(ctx context.Context, object string, ids []string) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(ids) == 0 {
		return nil, nil
	}
	const skeleton = `{"filter":{"record_id":{"$in":[]}},"limit":200}`

	var records []Record
	for _, chunk := range connector.ChunkByLen(ids, len(skeleton), 3, filterBytesLimit) {
		page, err := client.queryRecords(ctx, object, map[string]any{
			"filter": map[string]any{"record_id": map[string]any{"$in": chunk}},
			"limit":  len(chunk),
		})
		if err != nil {
			return nil, err
		}
		records = append(records, page...)
	}
	return records, nil
}

// RecordsUpdatedSince lists the object's records changed after since.
func (client *Client) RecordsUpdatedSince(ctx context.Context, object string, since time.Time) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var records []Record
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]Record, bool, error) {
		items, err := client.queryRecords(ctx, object, map[string]any{
			"filter": map[string]any{"updated_at": map[string]any{"$gt": since.UTC().Format(time.RFC3339)}},
			"limit":  pageSize,
			"offset": (page - 1) * pageSize,
		})
		return items, len(items) == pageSize, err
	}, func(items []Record) error {
		records = append(records, items...)
		return nil
	})
	return records, err
}

// queryRecords posts one records query for the object.
func (client *Client) queryRecords(ctx context.Context, object string, body map[string]any) ([]Record, error) {
	var out struct {
		Data []json.RawMessage `json:"data"`
	}
	err := client.retrier.Do(ctx, func(ctx context.Context) error {
		out.Data = nil
		return client.http.PostJSON(ctx, "/objects/"+url.PathEscape(object)+"/records/query", body, &out)
	})
	if err != nil {
		return nil, err
	}
	return parseRecords(out.Data)
}

func parseRecords(raw []json.RawMessage) ([]Record, error) {
	records := make([]Record, 0, len(raw))
	for _, item := range raw {
		var fields recordFields
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, Error.New("decoding record: %w", err)
		}
		if fields.ID.RecordID == "" {
			continue
		}
		records = append(records, Record{
			ID:        fields.ID.RecordID,
			CreatedAt: fields.CreatedAt,
			UpdatedAt: fields.UpdatedAt,
			Raw:       item,
		})
	}
	return records, nil
}

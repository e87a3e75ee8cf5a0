// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package salesforce

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// modstampLayout is how Salesforce renders SystemModstamp values.
const modstampLayout = "2006-01-02T15:04:05.000-0700"

// Record is one sObject row. Fields holds every column the query
// returned, with the attributes envelope stripped.
type Record struct {
	ID         string
	Type       string
	ModifiedAt time.Time
	Fields     map[string]json.RawMessage
}

// Client is a typed façade over the Salesforce REST API of one tenant
// instance.
type Client struct {
	log     *zap.Logger
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient builds a client bound to the tenant's instance URL.
func NewClient(deps *connector.Deps, tenant uuid.UUID, instanceURL string) (*Client, error) {
	if instanceURL == "" {
		return nil, Error.New("connection has no instance url")
	}
	base, err := connector.NewHTTPClient(deps.Log.Named("salesforce"), deps.HTTP, instanceURL, connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.Salesforce),
		Acquire: deps.AcquireFunc(tenant, source.Salesforce),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{
		log:     deps.Log.Named("salesforce"),
		http:    base,
		retrier: deps.Retrier,
	}, nil
}

// clientFor resolves the tenant's connection and builds a client bound to
// its instance.
func clientFor(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) (*Client, Settings, error) {
	conn, err := deps.Sources.Connection(ctx, tenant, source.Salesforce)
	if err != nil {
		return nil, Settings{}, Error.Wrap(err)
	}
	settings, err := ParseSettings(conn.Settings)
	if err != nil {
		return nil, Settings{}, err
	}
	client, err := NewClient(deps, tenant, conn.Subdomain)
	return client, settings, err
}

// queryResponse is one page of SOQL results.
type queryResponse struct {
	TotalSize      int               `json:"totalSize"`
	Done           bool              `json:"done"`
	NextRecordsURL string            `json:"nextRecordsUrl"`
	Records        []json.RawMessage `json:"records"`
}

// Query runs a SOQL statement, following result pages until the server
// reports done.
func (client *Client) Query(ctx context.Context, soql string) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)

	var records []Record
	path := "/services/data/" + apiVersion + "/query"
	query := url.Values{"q": {soql}}
	for {
		var page queryResponse
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			return client.http.GetJSON(ctx, path, query, &page)
		})
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Records {
			record, err := parseRecord(raw)
			if err != nil {
				return nil, err
			}
			records = append(records, record)
		}
		if page.Done || page.NextRecordsURL == "" {
			return records, nil
		}
		// The continuation is a complete path with the locator baked in.
		path, query = page.NextRecordsURL, nil
	}
}

// QueryIDs runs a SELECT Id statement and returns the bare ids.
func (client *Client) QueryIDs(ctx context.Context, soql string) ([]string, error) {
	records, err := client.Query(ctx, soql)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids, nil
}

// RecordsByIDs fetches the full current rows of the given ids. The ids
// are chunked so each WHERE IN clause stays under the SOQL statement
// limit; rows come back in no particular order and ids that no longer
// exist are simply absent.
func (client *Client) RecordsByIDs(ctx context.Context, objectType string, ids []string) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(ids) == 0 {
		return nil, nil
	}
	prefix := "SELECT FIELDS(ALL) FROM " + objectType + " WHERE Id IN ("
	suffix := ") LIMIT 200"

	var records []Record
	for _, chunk := range connector.ChunkByLen(ids, len(prefix)+len(suffix), 3, soqlInLimit) {
		for _, batch := range connector.Chunk(chunk, fieldsAllLimit) {
			quoted := make([]string, 0, len(batch))
			for _, id := range batch {
				quoted = append(quoted, "'"+id+"'")
			}
			page, err := client.Query(ctx, prefix+strings.Join(quoted, ",")+suffix)
			if err != nil {
				return nil, err
			}
			records = append(records, page...)
		}
	}
	return records, nil
}

// ModifiedIDs returns the ids of objectType rows modified strictly after
// since.
func (client *Client) ModifiedIDs(ctx context.Context, objectType string, since time.Time) ([]string, error) {
	soql := "SELECT Id FROM " + objectType +
		" WHERE SystemModstamp > " + since.UTC().Format("2006-01-02T15:04:05Z")
	return client.QueryIDs(ctx, soql)
}

// AllIDs returns every id of objectType.
func (client *Client) AllIDs(ctx context.Context, objectType string) ([]string, error) {
	return client.QueryIDs(ctx, "SELECT Id FROM "+objectType)
}

// Limits reads the org's API limits, serving as the connection probe.
func (client *Client) Limits(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return client.http.GetJSON(ctx, "/services/data/"+apiVersion+"/limits", nil, nil)
}

// parseRecord lifts one query row into a Record. The attributes envelope
// names the object type; Id and SystemModstamp are regular columns.
func parseRecord(raw json.RawMessage) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, Error.New("unreadable record: %w", err)
	}

	var record Record
	if rawAttrs, ok := fields["attributes"]; ok {
		var attrs struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(rawAttrs, &attrs)
		record.Type = attrs.Type
		delete(fields, "attributes")
	}
	if rawID, ok := fields["Id"]; ok {
		_ = json.Unmarshal(rawID, &record.ID)
	}
	if record.ID == "" {
		return Record{}, Error.New("record has no Id")
	}
	if rawStamp, ok := fields["SystemModstamp"]; ok {
		var stamp string
		_ = json.Unmarshal(rawStamp, &stamp)
		if parsed, err := time.Parse(modstampLayout, stamp); err == nil {
			record.ModifiedAt = parsed.UTC()
		}
	}
	record.Fields = fields
	return record, nil
}

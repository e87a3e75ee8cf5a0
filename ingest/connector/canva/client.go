// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package canva

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// Design is one design summary. Raw holds the provider item verbatim;
// UpdatedAt decodes the epoch-seconds modification stamp.
type Design struct {
	ID        string
	Title     string
	UpdatedAt time.Time
	Raw       json.RawMessage
}

// Client calls the Canva Connect API for one tenant.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient builds a client for the tenant.
func NewClient(deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("canva"), deps.HTTP, apiURL+restPath, connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.CanvaDesign),
		Acquire: deps.AcquireFunc(tenant, source.CanvaDesign),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier}, nil
}

// Me verifies the token by reading its own user.
func (client *Client) Me(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/v1/users/me", nil, nil)
	})
}

// Designs lists one page of designs. A non-empty cursor continues a
// previous listing; sortBy orders the listing when set. An empty next
// cursor means the listing is exhausted.
func (client *Client) Designs(ctx context.Context, cursor, sortBy string) (_ []Design, next string, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{"ownership": {"any"}}
	if cursor != "" {
		query.Set("continuation", cursor)
	}
	if sortBy != "" {
		query.Set("sort_by", sortBy)
	}

	var out struct {
		Items        []json.RawMessage `json:"items"`
		Continuation string            `json:"continuation"`
	}
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		out.Items = nil
		out.Continuation = ""
		return client.http.GetJSON(ctx, "/v1/designs", query, &out)
	})
	if err != nil {
		return nil, "", err
	}
	designs, err := parseDesigns(out.Items)
	if err != nil {
		return nil, "", err
	}
	return designs, out.Continuation, nil
}

// Design fetches one design fully.
func (client *Client) Design(ctx context.Context, id string) (_ Design, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Design json.RawMessage `json:"design"`
	}
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		out.Design = nil
		return client.http.GetJSON(ctx, "/v1/designs/"+url.PathEscape(id), nil, &out)
	})
	if err != nil {
		return Design{}, err
	}
	designs, err := parseDesigns([]json.RawMessage{out.Design})
	if err != nil {
		return Design{}, err
	}
	if len(designs) == 0 {
		return Design{}, connector.ErrNotFound.New("design %s", id)
	}
	return designs[0], nil
}

func parseDesigns(items []json.RawMessage) ([]Design, error) {
	designs := make([]Design, 0, len(items))
	for _, raw := range items {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var fields struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			UpdatedAt int64  `json:"updated_at"`
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, Error.New("decoding design: %w", err)
		}
		if fields.ID == "" {
			continue
		}
		designs = append(designs, Design{
			ID:        fields.ID,
			Title:     fields.Title,
			UpdatedAt: time.Unix(fields.UpdatedAt, 0).UTC(),
			Raw:       raw,
		})
	}
	return designs, nil
}

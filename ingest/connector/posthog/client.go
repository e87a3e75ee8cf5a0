// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package posthog

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// Project is one PostHog project.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Insight is a saved insight. The listing returns the full
// serialization, so Raw is complete wherever an Insight comes from.
type Insight struct {
	ID           int64
	ShortID      string
	Name         string
	DerivedName  string
	Deleted      bool
	CreatedAt    time.Time
	LastModified time.Time
	Raw          json.RawMessage
}

// Title prefers the explicit name; unnamed insights carry a derived one.
func (insight Insight) Title() string {
	if insight.Name != "" {
		return insight.Name
	}
	return insight.DerivedName
}

type insightFields struct {
	ID           int64     `json:"id"`
	ShortID      string    `json:"short_id"`
	Name         string    `json:"name"`
	DerivedName  string    `json:"derived_name"`
	Deleted      bool      `json:"deleted"`
	CreatedAt    time.Time `json:"created_at"`
	LastModified time.Time `json:"last_modified_at"`
}

// Client calls the PostHog REST API.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient constructs a client for a tenant. An empty host selects the
// US cloud.
func NewClient(deps *connector.Deps, tenant uuid.UUID, host string) (*Client, error) {
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("posthog"), deps.HTTP, apiBase(host), connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.PosthogInsight),
		Acquire: deps.AcquireFunc(tenant, source.PosthogInsight),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier}, nil
}

// clientFor resolves the tenant's connection and builds a client for it.
func clientFor(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	conn, err := deps.Sources.Connection(ctx, tenant, source.PosthogInsight)
	if err != nil {
		return nil, err
	}
	return NewClient(deps, tenant, conn.Subdomain)
}

// Me verifies the token by reading its own user.
func (client *Client) Me(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/api/users/@me/", nil, nil)
	})
}

// Projects lists the projects the token can read.
func (client *Client) Projects(ctx context.Context) (projects []Project, err error) {
	defer mon.Task()(&ctx)(&err)

	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]Project, bool, error) {
		var items []Project
		var more bool
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items, more = nil, false
			var out struct {
				Next    string    `json:"next"`
				Results []Project `json:"results"`
			}
			if err := client.http.GetJSON(ctx, "/api/projects/", pageQuery(page), &out); err != nil {
				return err
			}
			items, more = out.Results, out.Next != ""
			return nil
		})
		return items, more, err
	}, func(items []Project) error {
		projects = append(projects, items...)
		return nil
	})
	return connector.NonNil(projects), err
}

// Insights lists every insight of a project, deleted ones included. The
// listing serializes insights in full.
func (client *Client) Insights(ctx context.Context, projectID string) (insights []Insight, err error) {
	defer mon.Task()(&ctx)(&err)

	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]Insight, bool, error) {
		var items []Insight
		var more bool
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items, more = nil, false
			var out struct {
				Next    string            `json:"next"`
				Results []json.RawMessage `json:"results"`
			}
			path := "/api/projects/" + url.PathEscape(projectID) + "/insights/"
			if err := client.http.GetJSON(ctx, path, pageQuery(page), &out); err != nil {
				return err
			}
			more = out.Next != ""
			var err error
			items, err = parseInsights(out.Results)
			return err
		})
		return items, more, err
	}, func(items []Insight) error {
		insights = append(insights, items...)
		return nil
	})
	return connector.NonNil(insights), err
}

// Insight fetches one insight by its numeric id.
func (client *Client) Insight(ctx context.Context, projectID, insightID string) (_ Insight, err error) {
	defer mon.Task()(&ctx)(&err)

	var insight Insight
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		var raw json.RawMessage
		path := "/api/projects/" + url.PathEscape(projectID) + "/insights/" + url.PathEscape(insightID) + "/"
		if err := client.http.GetJSON(ctx, path, nil, &raw); err != nil {
			return err
		}
		insight, err = parseInsight(raw)
		return err
	})
	return insight, err
}

func pageQuery(page int) url.Values {
	return url.Values{
		"limit":  {strconv.Itoa(pageSize)},
		"offset": {strconv.Itoa((page - 1) * pageSize)},
	}
}

func parseInsights(raws []json.RawMessage) ([]Insight, error) {
	insights := make([]Insight, 0, len(raws))
	for _, raw := range raws {
		insight, err := parseInsight(raw)
		if err != nil {
			return nil, err
		}
		insights = append(insights, insight)
	}
	return insights, nil
}

func parseInsight(raw json.RawMessage) (Insight, error) {
	var fields insightFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Insight{}, Error.New("undecodable insight: %w", err)
	}
	return Insight{
		ID:           fields.ID,
		ShortID:      fields.ShortID,
		Name:         fields.Name,
		DerivedName:  fields.DerivedName,
		Deleted:      fields.Deleted,
		CreatedAt:    fields.CreatedAt,
		LastModified: fields.LastModified,
		Raw:          raw,
	}, nil
}

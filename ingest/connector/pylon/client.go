// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pylon

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

// Issue is a support issue.
type Issue struct {
	ID                string
	Title             string
	State             string
	CreatedAt         time.Time
	LatestMessageTime time.Time
	Raw               json.RawMessage
}

type issueFields struct {
	ID                string    `json:"id"`
	Title             string    `json:"title"`
	State             string    `json:"state"`
	CreatedAt         time.Time `json:"created_at"`
	LatestMessageTime time.Time `json:"latest_message_time"`
}

// Every response wraps its payload in a data field; listings add a
// cursor next to it.
type listEnvelope struct {
	Data       []json.RawMessage `json:"data"`
	Pagination struct {
		Cursor      string `json:"cursor"`
		HasNextPage bool   `json:"has_next_page"`
	} `json:"pagination"`
}

// Client calls the Pylon REST API.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient constructs a client for a tenant.
func NewClient(deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("pylon"), deps.HTTP, apiURL, connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.PylonIssue),
		Acquire: deps.AcquireFunc(tenant, source.PylonIssue),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier}, nil
}

// clientFor resolves the tenant's connection before building a client,
// so disconnected tenants fail terminally instead of burning retries.
func clientFor(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	if _, err := deps.Sources.Connection(ctx, tenant, source.PylonIssue); err != nil {
		return nil, err
	}
	return NewClient(deps, tenant)
}

// Me verifies the token by reading its own account.
func (client *Client) Me(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/me", nil, nil)
	})
}

// Issues lists the issues created in [from, to), oldest window the
// caller wants first. The span must not exceed issueWindow.
func (client *Client) Issues(ctx context.Context, from, to time.Time) (issues []Issue, err error) {
	defer mon.Task()(&ctx)(&err)

	err = connector.ForEachCursor(ctx, func(ctx context.Context, cursor string) ([]Issue, string, error) {
		query := url.Values{
			"start_time": {from.UTC().Format(time.RFC3339)},
			"end_time":   {to.UTC().Format(time.RFC3339)},
			"limit":      {strconv.Itoa(pageLimit)},
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var items []Issue
		var next string
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items, next = nil, ""
			var out listEnvelope
			if err := client.http.GetJSON(ctx, "/issues", query, &out); err != nil {
				return err
			}
			if out.Pagination.HasNextPage {
				next = out.Pagination.Cursor
			}
			var err error
			items, err = parseIssues(out.Data)
			return err
		})
		return items, next, err
	}, func(items []Issue) error {
		issues = append(issues, items...)
		return nil
	})
	return connector.NonNil(issues), err
}

// IssueByID fetches one issue.
func (client *Client) IssueByID(ctx context.Context, id string) (_ Issue, err error) {
	defer mon.Task()(&ctx)(&err)

	var issue Issue
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		var out struct {
			Data json.RawMessage `json:"data"`
		}
		if err := client.http.GetJSON(ctx, "/issues/"+url.PathEscape(id), nil, &out); err != nil {
			return err
		}
		if len(out.Data) == 0 || string(out.Data) == "null" {
			return connector.ErrNotFound.New("issue %s", id)
		}
		issue, err = parseIssue(out.Data)
		return err
	})
	return issue, err
}

func parseIssues(raws []json.RawMessage) ([]Issue, error) {
	issues := make([]Issue, 0, len(raws))
	for _, raw := range raws {
		issue, err := parseIssue(raw)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

func parseIssue(raw json.RawMessage) (Issue, error) {
	var fields issueFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Issue{}, Error.New("undecodable issue: %w", err)
	}
	return Issue{
		ID:                fields.ID,
		Title:             fields.Title,
		State:             fields.State,
		CreatedAt:         fields.CreatedAt,
		LatestMessageTime: fields.LatestMessageTime,
		Raw:               raw,
	}, nil
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package linear

import (
	"context"
	"encoding/json"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// Team is a Linear team.
type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// Issue is one issue with full body. Raw holds the provider node
// verbatim.
type Issue struct {
	ID         string
	Identifier string
	UpdatedAt  time.Time
	ArchivedAt *time.Time
	Raw        json.RawMessage
}

// Active reports whether the issue should be indexed; archived issues
// are pruned instead.
func (issue Issue) Active() bool { return issue.ArchivedAt == nil }

const teamsQuery = `query Teams($after: String) {
	teams(first: 50, after: $after) {
		pageInfo { hasNextPage endCursor }
		nodes { id key name }
	}
}`

const issuesQuery = `query Issues($filter: IssueFilter, $after: String) {
	issues(first: 50, after: $after, filter: $filter, orderBy: updatedAt, includeArchived: true) {
		pageInfo { hasNextPage endCursor }
		nodes {
			id identifier title description priority url
			createdAt updatedAt archivedAt
			state { name type }
			assignee { name email }
			labels { nodes { name } }
			team { id key }
		}
	}
}`

const nodesQuery = `query Nodes($ids: [ID!]!) {
	nodes(ids: $ids) {
		... on Issue {
			id identifier title description priority url
			createdAt updatedAt archivedAt
			state { name type }
			assignee { name email }
			labels { nodes { name } }
			team { id key }
		}
	}
}`

const viewerQuery = `query { viewer { id } }`

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// Client runs Linear GraphQL queries for one tenant. Queries that list
// full issue bodies go through the heavy limiter class; cheap queries
// through the default one.
type Client struct {
	std     *connector.GraphQLClient
	heavy   *connector.GraphQLClient
	retrier *ratelimit.Retrier
}

// NewClient builds a client for the tenant.
func NewClient(deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	auth := keyAuth(deps, tenant)

	std, err := connector.NewHTTPClient(deps.Log.Named("linear"), deps.HTTP, apiURL, connector.ClientOptions{
		Auth:    auth,
		Acquire: deps.AcquireFunc(tenant, source.LinearIssue),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	heavy, err := connector.NewHTTPClient(deps.Log.Named("linear"), deps.HTTP, apiURL, connector.ClientOptions{
		Auth: auth,
		Acquire: func(ctx context.Context) error {
			return deps.Limiter.AcquireClass(ctx, tenant, source.LinearIssue, ratelimit.ClassHeavy)
		},
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{
		std:     connector.NewGraphQLClient(std, graphqlPath, classifyErrors),
		heavy:   connector.NewGraphQLClient(heavy, graphqlPath, classifyErrors),
		retrier: deps.Retrier,
	}, nil
}

// Viewer verifies the key by reading its own viewer.
func (client *Client) Viewer(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.std.Execute(ctx, viewerQuery, nil, nil)
	})
}

// Teams lists every team visible to the key.
func (client *Client) Teams(ctx context.Context) (_ []Team, err error) {
	defer mon.Task()(&ctx)(&err)

	var teams []Team
	err = connector.ForEachCursor(ctx, func(ctx context.Context, cursor string) ([]Team, string, error) {
		variables := map[string]any{}
		if cursor != "" {
			variables["after"] = cursor
		}
		var out struct {
			Teams struct {
				PageInfo pageInfo `json:"pageInfo"`
				Nodes    []Team   `json:"nodes"`
			} `json:"teams"`
		}
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			out.Teams.Nodes = nil
			return client.std.Execute(ctx, teamsQuery, variables, &out)
		})
		if err != nil {
			return nil, "", err
		}
		next := ""
		if out.Teams.PageInfo.HasNextPage {
			next = out.Teams.PageInfo.EndCursor
		}
		return out.Teams.Nodes, next, nil
	}, func(items []Team) error {
		teams = append(teams, items...)
		return nil
	})
	return teams, err
}

// Issues walks the team's issues in updatedAt order, calling visit for
// each page. A non-zero updatedAfter restricts the walk to issues
// updated strictly after it.
func (client *Client) Issues(ctx context.Context, teamID string, updatedAfter time.Time, visit func(issues []Issue) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	filter := map[string]any{
		"team": map[string]any{"id": map[string]any{"eq": teamID}},
	}
	if !updatedAfter.IsZero() {
		filter["updatedAt"] = map[string]any{"gt": updatedAfter.UTC().Format(time.RFC3339)}
	}

	return connector.ForEachCursor(ctx, func(ctx context.Context, cursor string) ([]Issue, string, error) {
		variables := map[string]any{"filter": filter}
		if cursor != "" {
			variables["after"] = cursor
		}
		var out struct {
			Issues struct {
				PageInfo pageInfo          `json:"pageInfo"`
				Nodes    []json.RawMessage `json:"nodes"`
			} `json:"issues"`
		}
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			out.Issues.Nodes = nil
			return client.heavy.Execute(ctx, issuesQuery, variables, &out)
		})
		if err != nil {
			return nil, "", err
		}
		issues, err := parseIssues(out.Issues.Nodes)
		if err != nil {
			return nil, "", err
		}
		next := ""
		if out.Issues.PageInfo.HasNextPage {
			next = out.Issues.PageInfo.EndCursor
		}
		return issues, next, nil
	}, visit)
}

// IssuesByIDs refetches specific issues. Ids that no longer resolve are
// absent from the result.
func (client *Client) IssuesByIDs(ctx context.Context, ids []string) (_ []Issue, err error) {
	defer mon.Task()(&ctx)(&err)

	var issues []Issue
	for _, batch := range connector.Chunk(ids, pageSize) {
		var out struct {
			Nodes []json.RawMessage `json:"nodes"`
		}
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			out.Nodes = nil
			return client.heavy.Execute(ctx, nodesQuery, map[string]any{"ids": batch}, &out)
		})
		if err != nil {
			return nil, err
		}
		parsed, err := parseIssues(out.Nodes)
		if err != nil {
			return nil, err
		}
		issues = append(issues, parsed...)
	}
	return issues, nil
}

func parseIssues(nodes []json.RawMessage) ([]Issue, error) {
	issues := make([]Issue, 0, len(nodes))
	for _, raw := range nodes {
		// nodes(ids) yields null for unknown ids.
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var fields struct {
			ID         string     `json:"id"`
			Identifier string     `json:"identifier"`
			UpdatedAt  time.Time  `json:"updatedAt"`
			ArchivedAt *time.Time `json:"archivedAt"`
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, Error.New("decoding issue: %w", err)
		}
		if fields.ID == "" {
			continue
		}
		issues = append(issues, Issue{
			ID:         fields.ID,
			Identifier: fields.Identifier,
			UpdatedAt:  fields.UpdatedAt.UTC(),
			ArchivedAt: fields.ArchivedAt,
			Raw:        raw,
		})
	}
	return issues, nil
}

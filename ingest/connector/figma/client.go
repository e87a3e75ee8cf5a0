// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package figma

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

// Project is a project inside a team.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FileMeta is a file as it appears in a project listing.
type FileMeta struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	LastModified time.Time `json:"last_modified"`
}

// File is a full file document.
type File struct {
	Key          string
	Name         string
	LastModified time.Time
	Raw          json.RawMessage
}

// The file endpoint answers in camelCase while the listings answer in
// snake_case.
type fileFields struct {
	Name         string    `json:"name"`
	LastModified time.Time `json:"lastModified"`
}

// Client calls the Figma REST API.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient constructs a client for a tenant.
func NewClient(deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("figma"), deps.HTTP, apiURL, connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.FigmaFile),
		Acquire: deps.AcquireFunc(tenant, source.FigmaFile),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier}, nil
}

func clientFor(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) (*Client, Settings, error) {
	conn, err := deps.Sources.Connection(ctx, tenant, source.FigmaFile)
	if err != nil {
		return nil, Settings{}, Error.Wrap(err)
	}
	settings, err := ParseSettings(conn.Settings)
	if err != nil {
		return nil, Settings{}, err
	}
	client, err := NewClient(deps, tenant)
	return client, settings, err
}

// Me reads the authenticated user to verify the token.
func (client *Client) Me(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/v1/me", nil, nil)
	})
}

// TeamProjects lists the projects of a team.
func (client *Client) TeamProjects(ctx context.Context, teamID string) (projects []Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Projects []Project `json:"projects"`
	}
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		out.Projects = nil
		return client.http.GetJSON(ctx, "/v1/teams/"+url.PathEscape(teamID)+"/projects", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return connector.NonNil(out.Projects), nil
}

// ProjectFiles lists the files of a project.
func (client *Client) ProjectFiles(ctx context.Context, projectID string) (files []FileMeta, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Files []FileMeta `json:"files"`
	}
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		out.Files = nil
		return client.http.GetJSON(ctx, "/v1/projects/"+url.PathEscape(projectID)+"/files", nil, &out)
	})
	if err != nil {
		return nil, err
	}
	return connector.NonNil(out.Files), nil
}

// TeamFiles buffers the file listings of every project in a team.
// Neither listing pages, so a team's file set fits in one pass.
func (client *Client) TeamFiles(ctx context.Context, teamID string) (files []FileMeta, err error) {
	defer mon.Task()(&ctx)(&err)

	projects, err := client.TeamProjects(ctx, teamID)
	if err != nil {
		return nil, err
	}
	files = []FileMeta{}
	for _, project := range projects {
		projectFiles, err := client.ProjectFiles(ctx, project.ID)
		if err != nil {
			return nil, err
		}
		files = append(files, projectFiles...)
	}
	return files, nil
}

// File fetches a full file document by key.
func (client *Client) File(ctx context.Context, key string) (_ File, err error) {
	defer mon.Task()(&ctx)(&err)

	var raw json.RawMessage
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		raw = nil
		return client.http.GetJSON(ctx, "/v1/files/"+url.PathEscape(key), nil, &raw)
	})
	if err != nil {
		return File{}, err
	}

	var fields fileFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return File{}, Error.New("undecodable file %s: %w", key, err)
	}
	return File{
		Key:          key,
		Name:         fields.Name,
		LastModified: fields.LastModified,
		Raw:          raw,
	}, nil
}

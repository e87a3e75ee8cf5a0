// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package gitlabmr

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// Project is a GitLab project reachable with the tenant's token.
type Project struct {
	ID                int64  `json:"id"`
	PathWithNamespace string `json:"path_with_namespace"`
	DefaultBranch     string `json:"default_branch"`
}

// MergeRequest is the listing view of a merge request; the full record is
// fetched separately per iid.
type MergeRequest struct {
	IID       int64     `json:"iid"`
	Title     string    `json:"title"`
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MergeRequestDetail is the full merge request including its diff. Raw
// holds the provider response verbatim for the artifact content.
type MergeRequestDetail struct {
	IID       int64     `json:"iid"`
	UpdatedAt time.Time `json:"updated_at"`

	Raw json.RawMessage `json:"-"`
}

// TreeEntry is one row of a repository tree listing.
type TreeEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Diff is one changed file of a commit comparison.
type Diff struct {
	NewPath     string `json:"new_path"`
	OldPath     string `json:"old_path"`
	NewFile     bool   `json:"new_file"`
	RenamedFile bool   `json:"renamed_file"`
	DeletedFile bool   `json:"deleted_file"`
}

// Comparison is the result of comparing two refs.
type Comparison struct {
	Commit struct {
		ID string `json:"id"`
	} `json:"commit"`
	Diffs []Diff `json:"diffs"`
}

// Client calls the GitLab REST API v4 for one tenant.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient builds a client for the tenant. The host argument overrides
// gitlab.com for self-hosted instances.
func NewClient(deps *connector.Deps, tenant uuid.UUID, host string) (*Client, error) {
	if host == "" {
		host = DefaultHost
	}
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("gitlab"), deps.HTTP, host+"/api/v4", connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.GitLabMR),
		Acquire: deps.AcquireFunc(tenant, source.GitLabMR),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier}, nil
}

// clientFor resolves the tenant's connection and builds a client for it.
func clientFor(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	conn, err := deps.Sources.Connection(ctx, tenant, source.GitLabMR)
	if err != nil {
		return nil, err
	}
	return NewClient(deps, tenant, conn.Subdomain)
}

// CurrentUser verifies the token by reading its own user.
func (client *Client) CurrentUser(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/user", nil, nil)
	})
}

// Projects lists every project the token is a member of.
func (client *Client) Projects(ctx context.Context) (_ []Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var projects []Project
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]Project, bool, error) {
		query := url.Values{
			"membership": {"true"},
			"archived":   {"false"},
			"per_page":   {strconv.Itoa(pageSize)},
			"page":       {strconv.Itoa(page)},
		}
		var items []Project
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items = nil
			return client.http.GetJSON(ctx, "/projects", query, &items)
		})
		return items, len(items) == pageSize, err
	}, func(items []Project) error {
		projects = append(projects, items...)
		return nil
	})
	return projects, err
}

// Project fetches one project by id.
func (client *Client) Project(ctx context.Context, projectID string) (_ Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var project Project
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/projects/"+projectID, nil, &project)
	})
	return project, err
}

// MergeRequestIIDs lists the iids of the project's merge requests, every
// state included. A non-zero updatedAfter restricts the listing to merge
// requests updated since then.
func (client *Client) MergeRequestIIDs(ctx context.Context, projectID string, updatedAfter time.Time) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var iids []string
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]MergeRequest, bool, error) {
		query := url.Values{
			"state":    {"all"},
			"per_page": {strconv.Itoa(pageSize)},
			"page":     {strconv.Itoa(page)},
		}
		if !updatedAfter.IsZero() {
			query.Set("updated_after", updatedAfter.UTC().Format(time.RFC3339))
		}
		var items []MergeRequest
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items = nil
			return client.http.GetJSON(ctx, "/projects/"+projectID+"/merge_requests", query, &items)
		})
		return items, len(items) == pageSize, err
	}, func(items []MergeRequest) error {
		for _, mr := range items {
			iids = append(iids, strconv.FormatInt(mr.IID, 10))
		}
		return nil
	})
	return iids, err
}

// MergeRequestChanges fetches the full merge request with its diff.
func (client *Client) MergeRequestChanges(ctx context.Context, projectID, iid string) (_ MergeRequestDetail, err error) {
	defer mon.Task()(&ctx)(&err)

	var detail MergeRequestDetail
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		raw, err := client.getRaw(ctx, "/projects/"+projectID+"/merge_requests/"+iid+"/changes", nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &detail); err != nil {
			return Error.New("decoding merge request %s: %w", iid, err)
		}
		detail.Raw = raw
		return nil
	})
	return detail, err
}

// MergeRequestNotes lists the discussion notes of a merge request.
func (client *Client) MergeRequestNotes(ctx context.Context, projectID, iid string) (_ []json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	var notes []json.RawMessage
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]json.RawMessage, bool, error) {
		query := url.Values{
			"per_page": {strconv.Itoa(pageSize)},
			"page":     {strconv.Itoa(page)},
		}
		var items []json.RawMessage
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items = nil
			return client.http.GetJSON(ctx, "/projects/"+projectID+"/merge_requests/"+iid+"/notes", query, &items)
		})
		return items, len(items) == pageSize, err
	}, func(items []json.RawMessage) error {
		notes = append(notes, items...)
		return nil
	})
	return connector.NonNil(notes), err
}

// TreeBlobs lists the paths of every blob in the repository tree at the
// default branch.
func (client *Client) TreeBlobs(ctx context.Context, projectID string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var paths []string
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]TreeEntry, bool, error) {
		query := url.Values{
			"recursive": {"true"},
			"per_page":  {strconv.Itoa(pageSize)},
			"page":      {strconv.Itoa(page)},
		}
		var items []TreeEntry
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items = nil
			return client.http.GetJSON(ctx, "/projects/"+projectID+"/repository/tree", query, &items)
		})
		return items, len(items) == pageSize, err
	}, func(items []TreeEntry) error {
		for _, entry := range items {
			if entry.Type == "blob" {
				paths = append(paths, entry.Path)
			}
		}
		return nil
	})
	return paths, err
}

// BranchHead returns the commit id the branch points at.
func (client *Client) BranchHead(ctx context.Context, projectID, branch string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Commit struct {
			ID string `json:"id"`
		} `json:"commit"`
	}
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.http.GetJSON(ctx, "/projects/"+projectID+"/repository/branches/"+url.PathEscape(branch), nil, &out)
	})
	return out.Commit.ID, err
}

// Compare diffs the repository between a stored commit and a ref.
func (client *Client) Compare(ctx context.Context, projectID, from, to string) (_ Comparison, err error) {
	defer mon.Task()(&ctx)(&err)

	var comparison Comparison
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		query := url.Values{"from": {from}, "to": {to}}
		return client.http.GetJSON(ctx, "/projects/"+projectID+"/repository/compare", query, &comparison)
	})
	return comparison, err
}

// RawFile reads the file content at ref.
func (client *Client) RawFile(ctx context.Context, projectID, path, ref string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	var data []byte
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		resp, err := client.http.Do(ctx, http.MethodGet, "/projects/"+projectID+"/repository/files/"+url.PathEscape(path)+"/raw", url.Values{"ref": {ref}}, nil, "")
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		data, err = io.ReadAll(resp.Body)
		return Error.Wrap(err)
	})
	return data, err
}

// getRaw fetches path and returns the response body verbatim.
func (client *Client) getRaw(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := client.http.Do(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	return data, Error.Wrap(err)
}

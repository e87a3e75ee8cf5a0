// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package teamwork

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// Project is a Teamwork project.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Task is one task with its sideloaded relations attached. Raw carries
// the provider fields plus the attached _project, _assignees and
// _comments keys.
type Task struct {
	ID        int64
	IsPrivate *bool
	UpdatedAt time.Time
	Raw       map[string]json.RawMessage
}

// Visible reports whether the task may be indexed. Tasks whose privacy
// the provider did not state stay out of the index.
func (task Task) Visible() bool {
	return task.IsPrivate != nil && !*task.IsPrivate
}

// pageMeta is the cursorless pagination envelope of the v3 API.
type pageMeta struct {
	Page struct {
		HasMore bool `json:"hasMore"`
	} `json:"page"`
}

// included holds the sideloaded records of a task response, keyed by id.
type included struct {
	Projects map[string]json.RawMessage `json:"projects"`
	Users    map[string]json.RawMessage `json:"users"`
	Comments map[string]json.RawMessage `json:"comments"`
}

// Client calls the Teamwork projects API v3 for one tenant site.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient builds a client for the tenant's site.
func NewClient(deps *connector.Deps, tenant uuid.UUID, subdomain string) (*Client, error) {
	if subdomain == "" {
		return nil, Error.New("connection of %s has no site", tenant)
	}
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("teamwork"), deps.HTTP, hostFor(subdomain), connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.TeamworkTask),
		Acquire: deps.AcquireFunc(tenant, source.TeamworkTask),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier}, nil
}

// clientFor resolves the tenant's connection and builds a client for it.
func clientFor(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	conn, err := deps.Sources.Connection(ctx, tenant, source.TeamworkTask)
	if err != nil {
		return nil, err
	}
	return NewClient(deps, tenant, conn.Subdomain)
}

// Projects lists every project visible to the token.
func (client *Client) Projects(ctx context.Context) (_ []Project, err error) {
	defer mon.Task()(&ctx)(&err)

	var projects []Project
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]Project, bool, error) {
		query := url.Values{
			"page":     {strconv.Itoa(page)},
			"pageSize": {strconv.Itoa(pageSize)},
		}
		var out struct {
			Projects []Project `json:"projects"`
			Meta     pageMeta  `json:"meta"`
		}
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			out.Projects = nil
			return client.http.GetJSON(ctx, "/projects/api/v3/projects.json", query, &out)
		})
		return out.Projects, out.Meta.Page.HasMore, err
	}, func(items []Project) error {
		projects = append(projects, items...)
		return nil
	})
	return projects, err
}

// TaskIDs lists the ids of the project's tasks, completed ones included.
// A non-zero updatedAfter restricts the listing to tasks updated since
// then.
func (client *Client) TaskIDs(ctx context.Context, projectID string, updatedAfter time.Time) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var ids []string
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]json.RawMessage, bool, error) {
		query := url.Values{
			"page":                  {strconv.Itoa(page)},
			"pageSize":              {strconv.Itoa(pageSize)},
			"includeCompletedTasks": {"true"},
		}
		if !updatedAfter.IsZero() {
			query.Set("updatedAfter", updatedAfter.UTC().Format(time.RFC3339))
		}
		var out struct {
			Tasks []json.RawMessage `json:"tasks"`
			Meta  pageMeta          `json:"meta"`
		}
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			out.Tasks = nil
			return client.http.GetJSON(ctx, "/projects/api/v3/projects/"+projectID+"/tasks.json", query, &out)
		})
		return out.Tasks, out.Meta.Page.HasMore, err
	}, func(items []json.RawMessage) error {
		for _, raw := range items {
			var row struct {
				ID int64 `json:"id"`
			}
			if err := json.Unmarshal(raw, &row); err != nil {
				return Error.New("decoding task row: %w", err)
			}
			ids = append(ids, strconv.FormatInt(row.ID, 10))
		}
		return nil
	})
	return ids, err
}

// Tasks batch-fetches tasks by id with their relations sideloaded and
// attached. Ids the provider no longer returns are simply absent from
// the result.
func (client *Client) Tasks(ctx context.Context, ids []string) (_ []Task, err error) {
	defer mon.Task()(&ctx)(&err)

	var tasks []Task
	for _, batch := range connector.Chunk(ids, TaskBatchSize) {
		query := url.Values{
			"ids":     {strings.Join(batch, ",")},
			"include": {includeParam},
		}
		var out struct {
			Tasks    []json.RawMessage `json:"tasks"`
			Included included          `json:"included"`
		}
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			out.Tasks = nil
			return client.http.GetJSON(ctx, "/projects/api/v3/tasks.json", query, &out)
		})
		if err != nil {
			return nil, err
		}
		comments := groupComments(out.Included.Comments)
		for _, raw := range out.Tasks {
			task, err := parseTask(raw)
			if err != nil {
				return nil, err
			}
			attachIncluded(&task, out.Included, comments)
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// parseTask decodes the fields the pipeline branches on and keeps the
// rest raw.
func parseTask(raw json.RawMessage) (Task, error) {
	var task Task
	if err := json.Unmarshal(raw, &task.Raw); err != nil {
		return Task{}, Error.New("decoding task: %w", err)
	}
	var fields struct {
		ID        int64      `json:"id"`
		IsPrivate *bool      `json:"isPrivate"`
		UpdatedAt *time.Time `json:"updatedAt"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Task{}, Error.New("decoding task fields: %w", err)
	}
	if fields.ID == 0 {
		return Task{}, Error.New("task has no id")
	}
	task.ID = fields.ID
	task.IsPrivate = fields.IsPrivate
	if fields.UpdatedAt != nil {
		task.UpdatedAt = fields.UpdatedAt.UTC()
	}
	return task, nil
}

// attachIncluded embeds the sideloaded relations under keys that cannot
// collide with provider fields.
func attachIncluded(task *Task, inc included, comments map[int64][]json.RawMessage) {
	if project, ok := inc.Projects[refIDOf(task.Raw["projectId"])]; ok {
		task.Raw["_project"] = project
	}

	var assignees []json.RawMessage
	for _, id := range refIDs(task.Raw["assigneeUserIds"], task.Raw["assignees"]) {
		if user, ok := inc.Users[id]; ok {
			assignees = append(assignees, user)
		}
	}
	if len(assignees) > 0 {
		task.Raw["_assignees"] = joinRaw(assignees)
	}

	if related := comments[task.ID]; len(related) > 0 {
		task.Raw["_comments"] = joinRaw(related)
	}
}

// groupComments indexes sideloaded comments by the task they belong to,
// in id order.
func groupComments(raw map[string]json.RawMessage) map[int64][]json.RawMessage {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.ParseInt(keys[i], 10, 64)
		b, _ := strconv.ParseInt(keys[j], 10, 64)
		return a < b
	})

	grouped := make(map[int64][]json.RawMessage, len(raw))
	for _, key := range keys {
		comment := raw[key]
		var ref struct {
			Object struct {
				ID   int64  `json:"id"`
				Type string `json:"type"`
			} `json:"object"`
		}
		if err := json.Unmarshal(comment, &ref); err != nil {
			continue
		}
		if ref.Object.Type != "" && ref.Object.Type != "tasks" {
			continue
		}
		grouped[ref.Object.ID] = append(grouped[ref.Object.ID], comment)
	}
	return grouped
}

// refIDs extracts referenced ids from any mix of raw reference shapes:
// bare numbers, strings, {"id": N} objects, or arrays of those. The API
// is not consistent about which shape a field uses.
func refIDs(raws ...json.RawMessage) []string {
	var ids []string
	seen := map[string]bool{}
	for _, raw := range raws {
		for _, id := range decodeRefs(raw) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func decodeRefs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil
	}
	return refsOf(value)
}

func refsOf(value any) []string {
	switch v := value.(type) {
	case json.Number:
		return []string{v.String()}
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case map[string]any:
		return refsOf(v["id"])
	case []any:
		var ids []string
		for _, item := range v {
			ids = append(ids, refsOf(item)...)
		}
		return ids
	default:
		return nil
	}
}

// refIDOf returns the single id a reference field points at, or empty.
func refIDOf(raw json.RawMessage) string {
	ids := decodeRefs(raw)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// joinRaw renders already-valid JSON values as a JSON array.
func joinRaw(items []json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(item)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package teamwork_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/connector/teamwork"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/extractor/testenv"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/private/httpmock"
)

const base = "https://acme.teamwork.com"

func newRegistry(t *testing.T) *extractor.Registry {
	registry := extractor.NewRegistry()
	require.NoError(t, teamwork.Register(registry))
	return registry
}

func connect(h *testenv.Harness) {
	h.Connect(source.TeamworkTask, connector.Connection{Subdomain: "acme"})
}

func ok(body string) httpmock.Response {
	return httpmock.Response{StatusCode: 200, Body: body}
}

func projectsURL() string {
	return base + "/projects/api/v3/projects.json?" + url.Values{
		"page":     {"1"},
		"pageSize": {"250"},
	}.Encode()
}

func taskListURL(projectID string, updatedAfter string) string {
	query := url.Values{
		"page":                  {"1"},
		"pageSize":              {"250"},
		"includeCompletedTasks": {"true"},
	}
	if updatedAfter != "" {
		query.Set("updatedAfter", updatedAfter)
	}
	return base + "/projects/api/v3/projects/" + projectID + "/tasks.json?" + query.Encode()
}

func taskBatchURL(ids string) string {
	return base + "/projects/api/v3/tasks.json?" + url.Values{
		"ids":     {ids},
		"include": {"projects,assignees,comments"},
	}.Encode()
}

func TestBackfillFansOutProjects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	h.Transport.AddResponse(projectsURL(),
		ok(`{"projects":[{"id":12,"name":"Website"},{"id":13,"name":"Mobile"}],"meta":{"page":{"hasMore":false}}}`))

	backfillID := testrand.UUID()
	err := h.RunJob(ctx, t, registry, jobs.RootBackfill{
		TenantID:   h.Tenant,
		Connector:  source.TeamworkTask,
		BackfillID: backfillID,
	})
	require.NoError(t, err)

	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 2)
	cfg, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	enumerate := cfg.(jobs.EnumerateContainer)
	require.Equal(t, "12", enumerate.ContainerID)
	require.Equal(t, "Website", enumerate.ContainerName)

	total, _, _ := h.Progress.Counts(backfillID)
	require.EqualValues(t, 2, total)
}

func TestProcessBatchEnrichesTasks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	h.Transport.AddResponse(taskBatchURL("7001,7002"), ok(`{
		"tasks":[
			{"id":7001,"name":"Ship login","isPrivate":false,"updatedAt":"2024-05-01T10:00:00Z","projectId":12,"assigneeUserIds":[5]},
			{"id":7002,"name":"Rotate keys","isPrivate":true,"updatedAt":"2024-05-01T11:00:00Z","projectId":12}
		],
		"included":{
			"projects":{"12":{"id":12,"name":"Website"}},
			"users":{"5":{"id":5,"firstName":"Ada"}},
			"comments":{"31":{"id":31,"body":"done","object":{"id":7001,"type":"tasks"}}}
		}
	}`))

	err := h.RunJob(ctx, t, registry, jobs.ProcessBatch{
		TenantID:      h.Tenant,
		Connector:     source.TeamworkTask,
		ContainerID:   "12",
		ObjectBatches: []jobs.ObjectBatch{{ObjectType: "task", RecordIDs: []string{"7001", "7002"}}},
	})
	require.NoError(t, err)

	a, err := h.Artifacts.Get(ctx, "teamwork_task", "teamwork_task_7001")
	require.NoError(t, err)
	require.JSONEq(t, `{
		"id":7001,"name":"Ship login","isPrivate":false,"updatedAt":"2024-05-01T10:00:00Z",
		"projectId":12,"assigneeUserIds":[5],
		"_project":{"id":12,"name":"Website"},
		"_assignees":[{"id":5,"firstName":"Ada"}],
		"_comments":[{"id":31,"body":"done","object":{"id":7001,"type":"tasks"}}]
	}`, string(a.Content))
	require.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), a.SourceUpdatedAt)

	// The private task is never indexed.
	_, err = h.Artifacts.Get(ctx, "teamwork_task", "teamwork_task_7002")
	require.True(t, artifact.ErrNotFound.Has(err))
	require.Equal(t, []string{"teamwork_task_7001"}, h.Notifier.EntityIDs())
}

func TestPrivacyFlipHoldsWatermark(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)
	prefix := syncstate.PrefixFor(source.TeamworkTask)

	watermark := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, h.State.SetBackfillComplete(ctx, prefix, true))
	require.NoError(t, h.State.SetSyncedUntil(ctx, prefix, watermark, "12"))

	entityID := source.TeamworkTask.EntityID("7001")
	indexed, err := artifact.New("teamwork_task", entityID, []byte(`{"id":7001,"isPrivate":false}`), nil, testrand.UUID(), watermark)
	require.NoError(t, err)
	require.NoError(t, h.Artifacts.UpsertBatch(ctx, []artifact.Artifact{indexed}))
	h.Index.Add(h.Tenant, entityID)

	script := func() {
		h.Transport.AddResponse(projectsURL(),
			ok(`{"projects":[{"id":12,"name":"Website"}],"meta":{"page":{"hasMore":false}}}`))
		h.Transport.AddResponse(taskListURL("12", "2024-05-01T10:00:00Z"),
			ok(`{"tasks":[{"id":7001}],"meta":{"page":{"hasMore":false}}}`))
		h.Transport.AddResponse(taskBatchURL("7001"),
			ok(`{"tasks":[{"id":7001,"name":"Ship login","isPrivate":true,"updatedAt":"2024-05-02T08:00:00Z","projectId":12}]}`))
	}
	incremental := jobs.IncrementalBackfill{TenantID: h.Tenant, Connector: source.TeamworkTask}

	// The index rejects the deletion: the document must stay flagged as
	// work to do, so the watermark cannot move.
	script()
	h.Index.FailDeletes(errs.New("index unavailable"))
	require.Error(t, h.RunJob(ctx, t, registry, incremental))

	until, found, err := h.State.SyncedUntil(ctx, prefix, "12")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, until.Equal(watermark))
	require.True(t, h.Index.Has(h.Tenant, entityID))

	// Next run retries the same window and completes the prune.
	script()
	h.Index.FailDeletes(nil)
	require.NoError(t, h.RunJob(ctx, t, registry, incremental))

	until, found, err = h.State.SyncedUntil(ctx, prefix, "12")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, until.After(watermark))
	require.False(t, h.Index.Has(h.Tenant, entityID))
	_, err = h.Artifacts.Get(ctx, "teamwork_task", entityID)
	require.True(t, artifact.ErrNotFound.Has(err))
}

func TestReconcilePrunesStaleTasks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)
	require.NoError(t, h.State.SetBackfillComplete(ctx, syncstate.PrefixFor(source.TeamworkTask), true))

	keep := source.TeamworkTask.EntityID("7001")
	gone := source.TeamworkTask.EntityID("7002")
	foreign := "salesforce_001ABC"
	for _, entityID := range []string{keep, gone} {
		a, err := artifact.New("teamwork_task", entityID, []byte(`{}`), nil, testrand.UUID(), time.Time{})
		require.NoError(t, err)
		require.NoError(t, h.Artifacts.UpsertBatch(ctx, []artifact.Artifact{a}))
		h.Index.Add(h.Tenant, entityID)
	}
	h.Index.Add(h.Tenant, foreign)

	h.Transport.AddResponse(taskBatchURL("7001,7002"),
		ok(`{"tasks":[{"id":7001,"name":"Ship login","isPrivate":false,"projectId":12}]}`))

	err := h.RunJob(ctx, t, registry, jobs.ObjectSync{
		TenantID:   h.Tenant,
		Connector:  source.TeamworkTask,
		ObjectType: "task",
	})
	require.NoError(t, err)

	require.True(t, h.Index.Has(h.Tenant, keep))
	require.False(t, h.Index.Has(h.Tenant, gone))
	require.True(t, h.Index.Has(h.Tenant, foreign))
	_, err = h.Artifacts.Get(ctx, "teamwork_task", gone)
	require.True(t, artifact.ErrNotFound.Has(err))
}

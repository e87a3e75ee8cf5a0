// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package posthog_test

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/connector/posthog"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/extractor/testenv"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/private/httpmock"
)

const base = posthog.DefaultHost

func newRegistry(t *testing.T) *extractor.Registry {
	registry := extractor.NewRegistry()
	require.NoError(t, posthog.Register(registry))
	return registry
}

func connect(h *testenv.Harness) {
	h.Connect(source.PosthogInsight, connector.Connection{})
}

func ok(body string) httpmock.Response {
	return httpmock.Response{StatusCode: 200, Body: body}
}

func pagedURL(apiBase, path string, offset int) string {
	query := url.Values{"limit": {"100"}, "offset": {strconv.Itoa(offset)}}
	return apiBase + path + "?" + query.Encode()
}

func page(next string, results ...string) string {
	nextJSON := "null"
	if next != "" {
		nextJSON = fmt.Sprintf("%q", next)
	}
	return fmt.Sprintf(`{"count":%d,"next":%s,"previous":null,"results":[%s]}`,
		len(results), nextJSON, strings.Join(results, ","))
}

func insightNode(id int, name, derived, modified string, deleted bool) string {
	return fmt.Sprintf(`{"id":%d,"short_id":"sid%d","name":%q,"derived_name":%q,"deleted":%v,"created_at":"2024-01-05T09:00:00Z","last_modified_at":%q,"filters":{"insight":"TRENDS"}}`,
		id, id, name, derived, deleted, modified)
}

func TestBackfillEnumeratesProjects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	h.Transport.AddResponse(pagedURL(base, "/api/projects/", 0),
		ok(page("", `{"id":1,"name":"Web"}`, `{"id":2,"name":"Mobile"}`)))

	backfillID := testrand.UUID()
	err := h.RunJob(ctx, t, registry, jobs.RootBackfill{
		TenantID:   h.Tenant,
		Connector:  source.PosthogInsight,
		BackfillID: backfillID,
	})
	require.NoError(t, err)

	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 2)
	first, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	enumerate := first.(jobs.EnumerateContainer)
	require.Equal(t, "1", enumerate.ContainerID)
	require.Equal(t, "Web", enumerate.ContainerName)
	require.Equal(t, backfillID, enumerate.BackfillID)

	total, _, _ := h.Progress.Counts(backfillID)
	require.EqualValues(t, 2, total)
}

func TestEnumerateProjectSkipsDeleted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	h.Transport.AddResponse(pagedURL(base, "/api/projects/7/insights/", 0),
		ok(page(base+"/api/projects/7/insights/?limit=100&offset=100",
			insightNode(1, "Signups", "", "2024-03-01T10:00:00Z", false),
			insightNode(2, "Old funnel", "", "2024-03-02T10:00:00Z", true))))
	h.Transport.AddResponse(pagedURL(base, "/api/projects/7/insights/", 100),
		ok(page("", insightNode(3, "Retention", "", "2024-03-03T10:00:00Z", false))))

	backfillID := testrand.UUID()
	err := h.RunJob(ctx, t, registry, jobs.EnumerateContainer{
		TenantID:    h.Tenant,
		Connector:   source.PosthogInsight,
		BackfillID:  backfillID,
		ContainerID: "7",
	})
	require.NoError(t, err)
	require.Len(t, h.Transport.Requests(), 2)

	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 1)
	cfg, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	batch := cfg.(jobs.ProcessBatch)
	require.Equal(t, "7", batch.ContainerID)
	require.Equal(t, []string{"1", "3"}, batch.EntityIDs)

	until, found, err := h.State.SyncedUntil(ctx, syncstate.PrefixFor(source.PosthogInsight), "7")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), until, time.Minute)
}

func TestProcessBatchRefetchesAndPrunes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	// An EU or self-hosted deployment moves the API root.
	euBase := "https://eu.posthog.com"
	h.Connect(source.PosthogInsight, connector.Connection{Subdomain: euBase})
	registry := newRegistry(t)

	seed := func(id string) {
		scoped := source.PosthogInsight.ScopedEntityID("7", id)
		a, err := artifact.New("posthog_insight", scoped, []byte(`{"id":`+id+`}`), nil, testrand.UUID(), time.Time{})
		require.NoError(t, err)
		require.NoError(t, h.Artifacts.UpsertBatch(ctx, []artifact.Artifact{a}))
		h.Index.Add(h.Tenant, scoped)
	}
	seed("8")
	seed("9")

	kept := insightNode(5, "", "Weekly signups", "2024-05-02T09:30:00Z", false)
	h.Transport.AddResponse(euBase+"/api/projects/7/insights/5/", ok(kept))
	h.Transport.AddResponse(euBase+"/api/projects/7/insights/8/",
		httpmock.Response{StatusCode: 404, Body: `{"type":"invalid_request","detail":"Not found."}`})
	h.Transport.AddResponse(euBase+"/api/projects/7/insights/9/",
		ok(insightNode(9, "Churn", "", "2024-05-03T09:30:00Z", true)))

	err := h.RunJob(ctx, t, registry, jobs.ProcessBatch{
		TenantID:    h.Tenant,
		Connector:   source.PosthogInsight,
		ContainerID: "7",
		EntityIDs:   []string{"5", "8", "9"},
	})
	require.NoError(t, err)

	a, err := h.Artifacts.Get(ctx, "posthog_insight", "posthog_insight_7_5")
	require.NoError(t, err)
	require.JSONEq(t, kept, string(a.Content))
	require.JSONEq(t, `{"project_id":"7","insight_id":"5","name":"Weekly signups"}`, string(a.Metadata))
	require.Equal(t, time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC), a.SourceUpdatedAt)
	require.Equal(t, []string{"posthog_insight_7_5"}, h.Notifier.EntityIDs())

	for _, id := range []string{"posthog_insight_7_8", "posthog_insight_7_9"} {
		_, err := h.Artifacts.Get(ctx, "posthog_insight", id)
		require.Error(t, err)
		require.False(t, h.Index.Has(h.Tenant, id))
	}
}

func TestIncrementalFiltersByModification(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)
	prefix := syncstate.PrefixFor(source.PosthogInsight)

	watermark := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.State.SetBackfillComplete(ctx, prefix, true))
	require.NoError(t, h.State.SetSyncedUntil(ctx, prefix, watermark, "7"))

	deletedID := source.PosthogInsight.ScopedEntityID("7", "3")
	stale, err := artifact.New("posthog_insight", deletedID, []byte(`{"id":3}`), nil, testrand.UUID(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, h.Artifacts.UpsertBatch(ctx, []artifact.Artifact{stale}))
	h.Index.Add(h.Tenant, deletedID)

	h.Transport.AddResponse(pagedURL(base, "/api/projects/", 0),
		ok(page("", `{"id":7,"name":"Web"}`, `{"id":9,"name":"Mobile"}`)))
	changed := insightNode(1, "Signups", "", "2024-05-12T08:00:00Z", false)
	h.Transport.AddResponse(pagedURL(base, "/api/projects/7/insights/", 0),
		ok(page("",
			changed,
			insightNode(2, "Retention", "", "2024-05-01T10:00:00Z", false),
			insightNode(3, "Churn", "", "2024-05-13T09:00:00Z", true))))

	err = h.RunJob(ctx, t, registry, jobs.IncrementalBackfill{
		TenantID:  h.Tenant,
		Connector: source.PosthogInsight,
	})
	require.NoError(t, err)
	require.Len(t, h.Transport.Requests(), 2)

	a, err := h.Artifacts.Get(ctx, "posthog_insight", "posthog_insight_7_1")
	require.NoError(t, err)
	require.JSONEq(t, changed, string(a.Content))

	_, err = h.Artifacts.Get(ctx, "posthog_insight", "posthog_insight_7_2")
	require.Error(t, err)

	_, err = h.Artifacts.Get(ctx, "posthog_insight", deletedID)
	require.Error(t, err)
	require.False(t, h.Index.Has(h.Tenant, deletedID))

	until, found, err := h.State.SyncedUntil(ctx, prefix, "7")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, until.After(watermark))

	// The project without a watermark appeared after the backfill and
	// gets a fresh enumeration.
	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 1)
	cfg, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	enumerate := cfg.(jobs.EnumerateContainer)
	require.Equal(t, "9", enumerate.ContainerID)
	require.True(t, enumerate.BackfillID.IsZero())
}

func TestIncrementalRefusesWithoutBackfill(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	err := h.RunJob(ctx, t, registry, jobs.IncrementalBackfill{
		TenantID:  h.Tenant,
		Connector: source.PosthogInsight,
	})
	require.Error(t, err)
	require.True(t, extractor.Terminal(err))
	require.Empty(t, h.Transport.Requests())
}

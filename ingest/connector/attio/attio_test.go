// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package attio_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/connector/attio"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/extractor/testenv"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/private/httpmock"
)

const base = "https://api.attio.com/v2"

func newRegistry(t *testing.T) *extractor.Registry {
	registry := extractor.NewRegistry()
	require.NoError(t, attio.Register(registry))
	return registry
}

func connect(h *testenv.Harness) {
	h.Connect(source.AttioRecord, connector.Connection{})
}

func ok(body string) httpmock.Response {
	return httpmock.Response{StatusCode: 200, Body: body}
}

func recordNode(id, updated string) string {
	return fmt.Sprintf(`{"id":{"workspace_id":"ws-1","object_id":"obj-1","record_id":%q},"created_at":"2024-01-05T09:00:00Z","updated_at":%q,"values":{"name":[{"value":"Acme"}]}}`, id, updated)
}

func queryPage(records ...string) string {
	return `{"data":[` + strings.Join(records, ",") + `]}`
}

func TestBackfillEnumeratesObjects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	h.Transport.AddResponse(base+"/objects",
		ok(`{"data":[{"api_slug":"people","plural_noun":"People"},{"api_slug":"companies","plural_noun":"Companies"}]}`))

	backfillID := testrand.UUID()
	err := h.RunJob(ctx, t, registry, jobs.RootBackfill{
		TenantID:   h.Tenant,
		Connector:  source.AttioRecord,
		BackfillID: backfillID,
	})
	require.NoError(t, err)

	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 2)

	first, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	enumerate := first.(jobs.EnumerateContainer)
	require.Equal(t, "people", enumerate.ContainerID)
	require.Equal(t, "People", enumerate.ContainerName)
	require.Equal(t, backfillID, enumerate.BackfillID)

	total, _, _ := h.Progress.Counts(backfillID)
	require.EqualValues(t, 2, total)
}

func TestEnumerateObjectFansOutBatches(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	h.Transport.AddResponse(base+"/objects/people/records/query",
		ok(queryPage(
			recordNode("r1", "2024-03-01T10:00:00Z"),
			recordNode("r2", "2024-03-02T11:00:00Z"))))

	backfillID := testrand.UUID()
	err := h.RunJob(ctx, t, registry, jobs.EnumerateContainer{
		TenantID:      h.Tenant,
		Connector:     source.AttioRecord,
		BackfillID:    backfillID,
		ContainerID:   "people",
		ContainerName: "People",
	})
	require.NoError(t, err)

	requests := h.Transport.Requests()
	require.Len(t, requests, 1)
	require.JSONEq(t, `{"limit":500,"offset":0}`, requests[0].Body)

	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 1)
	cfg, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	batch := cfg.(jobs.ProcessBatch)
	require.Equal(t, "people", batch.ContainerID)
	require.Equal(t, []string{"r1", "r2"}, batch.EntityIDs)

	until, found, err := h.State.SyncedUntil(ctx, syncstate.PrefixFor(source.AttioRecord), "people")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), until, time.Minute)
}

func TestProcessBatchPrunesMissingRecord(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	goneID := source.AttioRecord.ScopedEntityID("people", "r9")
	stale, err := artifact.New("attio_record", goneID, []byte(`{"id":"r9"}`), nil, testrand.UUID(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, h.Artifacts.UpsertBatch(ctx, []artifact.Artifact{stale}))
	h.Index.Add(h.Tenant, goneID)

	kept := recordNode("r1", "2024-03-01T10:00:00Z")
	h.Transport.AddResponse(base+"/objects/people/records/query", ok(queryPage(kept)))

	err = h.RunJob(ctx, t, registry, jobs.ProcessBatch{
		TenantID:    h.Tenant,
		Connector:   source.AttioRecord,
		ContainerID: "people",
		EntityIDs:   []string{"r1", "r9"},
	})
	require.NoError(t, err)

	requests := h.Transport.Requests()
	require.Len(t, requests, 1)
	require.JSONEq(t, `{"filter":{"record_id":{"$in":["r1","r9"]}},"limit":2}`, requests[0].Body)

	a, err := h.Artifacts.Get(ctx, "attio_record", "attio_record_people_r1")
	require.NoError(t, err)
	require.JSONEq(t, kept, string(a.Content))
	require.JSONEq(t, `{"object":"people","record_id":"r1"}`, string(a.Metadata))
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), a.SourceUpdatedAt)
	require.Equal(t, []string{"attio_record_people_r1"}, h.Notifier.EntityIDs())

	_, err = h.Artifacts.Get(ctx, "attio_record", goneID)
	require.Error(t, err)
	require.False(t, h.Index.Has(h.Tenant, goneID))
}

func TestIncrementalSyncsChangedAndNewObjects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)
	prefix := syncstate.PrefixFor(source.AttioRecord)

	watermark := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, h.State.SetBackfillComplete(ctx, prefix, true))
	require.NoError(t, h.State.SetSyncedUntil(ctx, prefix, watermark, "people"))

	h.Transport.AddResponse(base+"/objects",
		ok(`{"data":[{"api_slug":"people","plural_noun":"People"},{"api_slug":"deals","plural_noun":"Deals"}]}`))
	h.Transport.AddResponse(base+"/objects/people/records/query",
		ok(queryPage(recordNode("r7", "2024-05-12T08:00:00Z"))))

	err := h.RunJob(ctx, t, registry, jobs.IncrementalBackfill{
		TenantID:  h.Tenant,
		Connector: source.AttioRecord,
	})
	require.NoError(t, err)

	requests := h.Transport.Requests()
	require.Len(t, requests, 2)
	require.Contains(t, requests[1].Body, `"$gt":"2024-05-10T00:00:00Z"`)

	_, err = h.Artifacts.Get(ctx, "attio_record", "attio_record_people_r7")
	require.NoError(t, err)

	until, found, err := h.State.SyncedUntil(ctx, prefix, "people")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, until.After(watermark))

	// The object without a watermark joined after the backfill and gets
	// a fresh enumeration outside any backfill accounting.
	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 1)
	cfg, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	enumerate := cfg.(jobs.EnumerateContainer)
	require.Equal(t, "deals", enumerate.ContainerID)
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
		Connector: source.AttioRecord,
	})
	require.Error(t, err)
	require.True(t, extractor.Terminal(err))
	require.Empty(t, h.Transport.Requests())
}

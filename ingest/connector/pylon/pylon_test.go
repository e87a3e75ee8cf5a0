// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pylon_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/connector/pylon"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/extractor/testenv"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/private/httpmock"
)

const base = "https://api.usepylon.com"

func newRegistry(t *testing.T) *extractor.Registry {
	registry := extractor.NewRegistry()
	require.NoError(t, pylon.Register(registry))
	return registry
}

func connect(h *testenv.Harness) {
	h.Connect(source.PylonIssue, connector.Connection{})
}

func TestProcessBatchRefetchesAndPrunes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	goneID := source.PylonIssue.EntityID("i9")
	stale, err := artifact.New("pylon_issue", goneID, []byte(`{"id":"i9"}`), nil, testrand.UUID(), time.Time{})
	require.NoError(t, err)
	require.NoError(t, h.Artifacts.UpsertBatch(ctx, []artifact.Artifact{stale}))
	h.Index.Add(h.Tenant, goneID)

	issue := `{"id":"i1","title":"Login broken","state":"on_hold","created_at":"2024-05-20T10:00:00Z","latest_message_time":"2024-05-21T08:00:00Z"}`
	h.Transport.AddResponse(base+"/issues/i1",
		httpmock.Response{StatusCode: 200, Body: `{"data":` + issue + `}`})
	h.Transport.AddResponse(base+"/issues/i9",
		httpmock.Response{StatusCode: 404, Body: `{"errors":["issue not found"]}`})

	err = h.RunJob(ctx, t, registry, jobs.ProcessBatch{
		TenantID:  h.Tenant,
		Connector: source.PylonIssue,
		EntityIDs: []string{"i1", "i9"},
	})
	require.NoError(t, err)

	a, err := h.Artifacts.Get(ctx, "pylon_issue", "pylon_issue_i1")
	require.NoError(t, err)
	require.JSONEq(t, issue, string(a.Content))
	require.JSONEq(t, `{"issue_id":"i1","title":"Login broken","state":"on_hold"}`, string(a.Metadata))
	require.Equal(t, time.Date(2024, 5, 21, 8, 0, 0, 0, time.UTC), a.SourceUpdatedAt)
	require.Equal(t, []string{"pylon_issue_i1"}, h.Notifier.EntityIDs())

	_, err = h.Artifacts.Get(ctx, "pylon_issue", goneID)
	require.Error(t, err)
	require.False(t, h.Index.Has(h.Tenant, goneID))
}

func TestIncrementalRefusesWithoutBackfill(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := testenv.New(t)
	connect(h)
	registry := newRegistry(t)

	err := h.RunJob(ctx, t, registry, jobs.IncrementalBackfill{
		TenantID:  h.Tenant,
		Connector: source.PylonIssue,
	})
	require.Error(t, err)
	require.True(t, extractor.Terminal(err))
	require.Empty(t, h.Transport.Requests())
}

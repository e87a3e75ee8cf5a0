// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pylon

import (
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/extractor/testenv"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/private/httpmock"
)

func windowURL(from, to time.Time, cursor string) string {
	query := url.Values{
		"start_time": {from.UTC().Format(time.RFC3339)},
		"end_time":   {to.UTC().Format(time.RFC3339)},
		"limit":      {"100"},
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	return apiURL + "/issues?" + query.Encode()
}

func issueNode(id, title, state, created, latest string) string {
	return fmt.Sprintf(`{"id":%q,"title":%q,"state":%q,"created_at":%q,"latest_message_time":%q}`,
		id, title, state, created, latest)
}

func listPage(cursor string, hasNext bool, nodes ...string) string {
	return fmt.Sprintf(`{"data":[%s],"pagination":{"cursor":%q,"has_next_page":%v}}`,
		strings.Join(nodes, ","), cursor, hasNext)
}

func TestBackfillWalksWindowsBackward(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	defer func(previous func() time.Time) { nowFunc = previous }(nowFunc)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return now }

	h := testenv.New(t)
	h.Connect(source.PylonIssue, connector.Connection{})
	registry := extractor.NewRegistry()
	require.NoError(t, Register(registry))

	// The newest window pages twice through the cursor, the four empty
	// windows behind it end the walk.
	first := issueNode("i1", "Login broken", "closed", "2024-05-20T10:00:00Z", "2024-05-21T08:00:00Z")
	second := issueNode("i2", "Slow dashboard", "new", "2024-05-05T09:00:00Z", "2024-05-05T09:00:00Z")
	h.Transport.AddResponse(windowURL(now.Add(-issueWindow), now, ""),
		httpmock.Response{StatusCode: 200, Body: listPage("c2", true, first)})
	h.Transport.AddResponse(windowURL(now.Add(-issueWindow), now, "c2"),
		httpmock.Response{StatusCode: 200, Body: listPage("", false, second)})
	for k := 1; k <= 4; k++ {
		from := now.Add(-time.Duration(k+1) * issueWindow)
		to := now.Add(-time.Duration(k) * issueWindow)
		h.Transport.AddResponse(windowURL(from, to, ""),
			httpmock.Response{StatusCode: 200, Body: listPage("", false)})
	}

	err := h.RunJob(ctx, t, registry, jobs.RootBackfill{
		TenantID:   h.Tenant,
		Connector:  source.PylonIssue,
		BackfillID: testrand.UUID(),
	})
	require.NoError(t, err)
	require.Len(t, h.Transport.Requests(), 6)

	count, err := h.Artifacts.Count(ctx, entityIssue)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	a, err := h.Artifacts.Get(ctx, entityIssue, "pylon_issue_i1")
	require.NoError(t, err)
	require.JSONEq(t, first, string(a.Content))
	require.JSONEq(t, `{"issue_id":"i1","title":"Login broken","state":"closed"}`, string(a.Metadata))
	require.Equal(t, time.Date(2024, 5, 21, 8, 0, 0, 0, time.UTC), a.SourceUpdatedAt)

	prefix := syncstate.PrefixFor(source.PylonIssue)
	complete, err := h.State.BackfillComplete(ctx, prefix)
	require.NoError(t, err)
	require.True(t, complete)

	_, found, err := h.State.Time(ctx, resumeKey())
	require.NoError(t, err)
	require.False(t, found)

	until, found, err := h.State.SyncedUntil(ctx, prefix)
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), until, time.Minute)

	require.Zero(t, h.Queue.Len(jobq.QueueIngest))
}

func TestBackfillSliceChainsSuccessor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	defer func(previous time.Duration) { sliceBudget = previous }(sliceBudget)
	sliceBudget = 0 // every slice ends after its first window

	defer func(previous func() time.Time) { nowFunc = previous }(nowFunc)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return now }

	h := testenv.New(t)
	h.Connect(source.PylonIssue, connector.Connection{})
	registry := extractor.NewRegistry()
	require.NoError(t, Register(registry))

	h.Transport.AddResponse(windowURL(now.Add(-issueWindow), now, ""),
		httpmock.Response{StatusCode: 200, Body: listPage("", false,
			issueNode("i1", "Login broken", "closed", "2024-05-20T10:00:00Z", "2024-05-21T08:00:00Z"))})

	backfillID := testrand.UUID()
	err := h.RunJob(ctx, t, registry, jobs.RootBackfill{
		TenantID:   h.Tenant,
		Connector:  source.PylonIssue,
		BackfillID: backfillID,
	})
	require.NoError(t, err)

	// The budget expired after one window: the walk parked the boundary
	// it reached and chained a successor under the same backfill.
	resume, found, err := h.State.Time(ctx, resumeKey())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, now.Add(-issueWindow), resume)

	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 1)
	successor, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	require.Equal(t, jobs.KindRootBackfill, successor.Kind())
	require.Equal(t, backfillID, successor.(jobs.RootBackfill).BackfillID)

	prefix := syncstate.PrefixFor(source.PylonIssue)
	complete, err := h.State.BackfillComplete(ctx, prefix)
	require.NoError(t, err)
	require.False(t, complete)
}

func TestIncrementalWindowsForward(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	defer func(previous func() time.Time) { nowFunc = previous }(nowFunc)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return now }

	h := testenv.New(t)
	h.Connect(source.PylonIssue, connector.Connection{})
	registry := extractor.NewRegistry()
	require.NoError(t, Register(registry))
	prefix := syncstate.PrefixFor(source.PylonIssue)

	// Forty-five days since the watermark split into a full window and a
	// clamped one.
	watermark := now.Add(-45 * 24 * time.Hour)
	require.NoError(t, h.State.SetBackfillComplete(ctx, prefix, true))
	require.NoError(t, h.State.SetSyncedUntil(ctx, prefix, watermark))

	h.Transport.AddResponse(windowURL(watermark, watermark.Add(issueWindow), ""),
		httpmock.Response{StatusCode: 200, Body: listPage("", false,
			issueNode("i3", "Export stuck", "waiting_on_you", "2024-04-20T10:00:00Z", "2024-04-22T10:00:00Z"))})
	h.Transport.AddResponse(windowURL(watermark.Add(issueWindow), now, ""),
		httpmock.Response{StatusCode: 200, Body: listPage("", false,
			issueNode("i4", "Billing question", "new", "2024-05-25T10:00:00Z", "2024-05-25T11:00:00Z"))})

	err := h.RunJob(ctx, t, registry, jobs.IncrementalBackfill{
		TenantID:  h.Tenant,
		Connector: source.PylonIssue,
	})
	require.NoError(t, err)
	require.Len(t, h.Transport.Requests(), 2)

	for _, id := range []string{"pylon_issue_i3", "pylon_issue_i4"} {
		_, err := h.Artifacts.Get(ctx, entityIssue, id)
		require.NoError(t, err)
	}

	until, found, err := h.State.SyncedUntil(ctx, prefix)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, now.Add(-extractor.WatermarkOverlap), until)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package fireflies

import (
	"fmt"
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

const endpoint = apiURL + graphqlPath

func TestBackfillSlicesOnBudget(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	defer func(previous time.Duration) { sliceBudget = previous }(sliceBudget)
	sliceBudget = 0 // every slice ends after its first full page

	h := testenv.New(t)
	h.Connect(source.FirefliesTranscript, connector.Connection{})
	registry := extractor.NewRegistry()
	require.NoError(t, Register(registry))

	newest := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	nodes := make([]string, 0, pageSize)
	for i := 0; i < pageSize; i++ {
		nodes = append(nodes, fmt.Sprintf(`{"id":"tx-%03d","title":"Meeting %d","date":%d}`,
			i, i, newest.Add(-time.Duration(i)*time.Hour).UnixMilli()))
	}
	h.Transport.AddResponse(endpoint, httpmock.Response{
		StatusCode: 200,
		Body:       `{"data":{"transcripts":[` + strings.Join(nodes, ",") + `]}}`,
	})

	backfillID := testrand.UUID()
	err := h.RunJob(ctx, t, registry, jobs.RootBackfill{
		TenantID:   h.Tenant,
		Connector:  source.FirefliesTranscript,
		BackfillID: backfillID,
	})
	require.NoError(t, err)

	// The budget expired after one full page: the walk parked the
	// earliest date it reached and chained a successor under the same
	// backfill.
	oldest := newest.Add(-time.Duration(pageSize-1) * time.Hour)
	resume, found, err := h.State.Time(ctx, resumeKey())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, oldest, resume)

	bodies := h.Queue.Bodies(jobq.QueueIngest)
	require.Len(t, bodies, 1)
	successor, err := jobs.Unmarshal(bodies[0])
	require.NoError(t, err)
	require.Equal(t, jobs.KindRootBackfill, successor.Kind())
	require.Equal(t, backfillID, successor.(jobs.RootBackfill).BackfillID)

	count, err := h.Artifacts.Count(ctx, entityTranscript)
	require.NoError(t, err)
	require.EqualValues(t, pageSize, count)

	prefix := syncstate.PrefixFor(source.FirefliesTranscript)
	complete, err := h.State.BackfillComplete(ctx, prefix)
	require.NoError(t, err)
	require.False(t, complete)

	// The successor resumes below the parked date and finds the tail.
	h.Transport.AddResponse(endpoint, httpmock.Response{
		StatusCode: 200,
		Body: fmt.Sprintf(`{"data":{"transcripts":[{"id":"tx-tail","title":"First ever meeting","date":%d}]}}`,
			newest.Add(-2000*time.Hour).UnixMilli()),
	})
	h.Drain(ctx, t, registry)

	requests := h.Transport.Requests()
	require.Len(t, requests, 2)
	require.Contains(t, requests[1].Body,
		`"toDate":"`+oldest.Add(-time.Millisecond).UTC().Format(time.RFC3339Nano)+`"`)

	complete, err = h.State.BackfillComplete(ctx, prefix)
	require.NoError(t, err)
	require.True(t, complete)

	_, found, err = h.State.Time(ctx, resumeKey())
	require.NoError(t, err)
	require.False(t, found)

	require.Zero(t, h.Queue.Len(jobq.QueueIngest))

	count, err = h.Artifacts.Count(ctx, entityTranscript)
	require.NoError(t, err)
	require.EqualValues(t, pageSize+1, count)
}

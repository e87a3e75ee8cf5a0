// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package extractor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobq/testjobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

type upsertRecorder struct {
	artifact.Store
	batches [][]artifact.Artifact
}

func (r *upsertRecorder) UpsertBatch(ctx context.Context, artifacts []artifact.Artifact) error {
	r.batches = append(r.batches, artifacts)
	return nil
}

type notifyRecorder struct {
	notifications []indexer.Notification
}

func (r *notifyRecorder) Notify(ctx context.Context, notification indexer.Notification) error {
	r.notifications = append(r.notifications, notification)
	return nil
}

func (r *notifyRecorder) Close() error { return nil }

type mapStore struct {
	values map[string]string
}

func newMapStore() *mapStore { return &mapStore{values: map[string]string{}} }

func (m *mapStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *mapStore) Set(ctx context.Context, key, value string) error {
	m.values[key] = value
	return nil
}

func (m *mapStore) Delete(ctx context.Context, key string) error {
	delete(m.values, key)
	return nil
}

func TestUpsertAll(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := &upsertRecorder{}
	notifier := &notifyRecorder{}
	env := &Env{
		Log:       zaptest.NewLogger(t),
		Tenant:    testrand.UUID(),
		Artifacts: store,
		Indexer:   notifier,
	}

	artifacts := make([]artifact.Artifact, 120)
	for i := range artifacts {
		artifacts[i].Entity = "pylon_issue"
		artifacts[i].EntityID = fmt.Sprintf("pylon_issue_%d", i)
	}

	require.NoError(t, UpsertAll(ctx, env, source.PylonIssue, artifacts, false))

	// 120 artifacts across upserts of at most 50.
	require.Len(t, store.batches, 3)
	require.Len(t, store.batches[0], 50)
	require.Len(t, store.batches[2], 20)

	// Notifications batch at 100.
	require.Len(t, notifier.notifications, 2)
	require.Len(t, notifier.notifications[0].EntityIDs, 100)
	require.Len(t, notifier.notifications[1].EntityIDs, 20)
}

func TestUpsertAllSuppressed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := &upsertRecorder{}
	notifier := &notifyRecorder{}
	env := &Env{
		Log:       zaptest.NewLogger(t),
		Tenant:    testrand.UUID(),
		Artifacts: store,
		Indexer:   notifier,
	}

	require.NoError(t, UpsertAll(ctx, env, source.PylonIssue,
		[]artifact.Artifact{{Entity: "pylon_issue", EntityID: "pylon_issue_1"}}, true))
	require.Len(t, store.batches, 1)
	require.Empty(t, notifier.notifications)
}

func TestWatermarkFlow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	state := syncstate.NewService(newMapStore())
	env := &Env{Log: zaptest.NewLogger(t), State: state}

	// Incremental refuses before any backfill.
	err := RequireIncremental(ctx, env, source.GitLabMR)
	require.True(t, Terminal(err))

	// The stamp happens before discovery; it is the fallback watermark.
	start, err := StampBackfillStart(ctx, env, source.GitLabMR)
	require.NoError(t, err)
	require.NoError(t, RequireIncremental(ctx, env, source.GitLabMR))

	// Advancing steps back by the overlap.
	syncStart := start.Add(10 * time.Minute)
	require.NoError(t, AdvanceWatermark(ctx, env, source.GitLabMR, syncStart))
	watermark, found, err := state.SyncedUntil(ctx, syncstate.PrefixFor(source.GitLabMR))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, watermark.Equal(syncStart.Add(-time.Second)))
}

func TestFanOut(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	queue := testjobq.New()
	progress := newProgressRecorder()
	env := &Env{Log: zaptest.NewLogger(t), Queue: queue, Progress: progress}

	tenant := testrand.UUID()
	backfillID := testrand.UUID()
	children := []jobs.Config{
		jobs.EnumerateContainer{TenantID: tenant, Connector: source.GitLabMR, BackfillID: backfillID, ContainerID: "1"},
		jobs.EnumerateContainer{TenantID: tenant, Connector: source.GitLabMR, BackfillID: backfillID, ContainerID: "2"},
	}

	require.NoError(t, FanOut(ctx, env, backfillID, children))
	require.Equal(t, 2, queue.Len(jobq.QueueIngest))
	require.Equal(t, int64(2), progress.total[backfillID])

	require.NoError(t, FanOut(ctx, env, backfillID, nil))
	require.Equal(t, int64(2), progress.total[backfillID])
}

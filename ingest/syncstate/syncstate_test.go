// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package syncstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

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

func TestKeys(t *testing.T) {
	require.Equal(t, "GITLAB_MR", syncstate.PrefixFor(source.GitLabMR))
	require.Equal(t, "TEAMWORK_TASK_SYNCED_UNTIL",
		syncstate.Key(syncstate.PrefixFor(source.TeamworkTask), "SYNCED_UNTIL"))
}

func TestWatermark(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newMapStore()
	service := syncstate.NewService(store)
	prefix := syncstate.PrefixFor(source.TeamworkTask)

	_, ok, err := service.SyncedUntil(ctx, prefix)
	require.NoError(t, err)
	require.False(t, ok)

	t0 := time.Date(2025, 3, 7, 12, 30, 0, 0, time.UTC)
	require.NoError(t, service.SetSyncedUntil(ctx, prefix, t0))

	got, ok, err := service.SyncedUntil(ctx, prefix)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(t0))

	// scoped watermarks live under their own keys.
	require.NoError(t, service.SetSyncedUntil(ctx, syncstate.PrefixFor(source.GitLabMR), t0.Add(time.Hour), "42"))
	_, ok, err = service.SyncedUntil(ctx, syncstate.PrefixFor(source.GitLabMR))
	require.NoError(t, err)
	require.False(t, ok)
	scoped, ok, err := service.SyncedUntil(ctx, syncstate.PrefixFor(source.GitLabMR), "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, scoped.Equal(t0.Add(time.Hour)))

	// zero time deletes.
	require.NoError(t, service.SetSyncedUntil(ctx, prefix, time.Time{}))
	_, ok, err = service.SyncedUntil(ctx, prefix)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCanRunIncremental(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newMapStore()
	service := syncstate.NewService(store)
	prefix := syncstate.PrefixFor(source.AttioRecord)

	ok, err := service.CanRunIncremental(ctx, prefix)
	require.NoError(t, err)
	require.False(t, ok)

	// a watermark from a running backfill is enough.
	require.NoError(t, service.SetSyncedUntil(ctx, prefix, time.Now()))
	ok, err = service.CanRunIncremental(ctx, prefix)
	require.NoError(t, err)
	require.True(t, ok)

	// so is the completed flag on its own.
	store2 := newMapStore()
	service2 := syncstate.NewService(store2)
	require.NoError(t, service2.SetBackfillComplete(ctx, prefix, true))
	ok, err = service2.CanRunIncremental(ctx, prefix)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCursorAndCommit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := newMapStore()
	service := syncstate.NewService(store)
	prefix := syncstate.PrefixFor(source.GitLabMR)

	require.NoError(t, service.SetSyncedCommit(ctx, prefix, "deadbeef", "42"))
	commit, ok, err := service.SyncedCommit(ctx, prefix, "42")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "deadbeef", commit)

	// empty value deletes.
	require.NoError(t, service.SetSyncedCommit(ctx, prefix, "", "42"))
	_, ok, err = service.SyncedCommit(ctx, prefix, "42")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, service.SetCursor(ctx, prefix, "page-token-9"))
	cursor, ok, err := service.Cursor(ctx, prefix)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "page-token-9", cursor)
}

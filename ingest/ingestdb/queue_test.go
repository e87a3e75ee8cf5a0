// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingestdb_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/ingestdb/testdb"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
)

func defaultQueueConfig() ingestdb.QueueConfig {
	return ingestdb.QueueConfig{
		Visibility:      10 * time.Minute,
		MaxReceiveCount: 5,
		DedupWindow:     5 * time.Minute,
		MaxInlineSize:   256 * memory.KiB,
	}
}

type memPayloads struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemPayloads() *memPayloads {
	return &memPayloads{data: map[string][]byte{}}
}

func (m *memPayloads) Put(ctx context.Context, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), body...)
	return nil
}

func (m *memPayloads) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.data[key]
	if !ok {
		return nil, ingestdb.Error.New("missing payload %q", key)
	}
	return body, nil
}

func (m *memPayloads) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memPayloads) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

func TestQueueBasicFlow(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, defaultQueueConfig(), nil)

		tenant := testrand.UUID()
		backfill := testrand.UUID()
		require.NoError(t, queue.SendBackfillIngest(ctx, jobs.RootBackfill{
			TenantID:   tenant,
			Connector:  source.GitLabMR,
			BackfillID: backfill,
		}))

		message, handle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.False(t, message.JobID.IsZero())
		require.Equal(t, jobq.Lane(tenant, ""), message.Lane)
		require.Equal(t, 1, message.ReceiveCount)

		cfg, err := jobs.Unmarshal(message.Body)
		require.NoError(t, err)
		require.Equal(t, jobs.KindRootBackfill, cfg.Kind())
		require.Equal(t, tenant, cfg.Tenant())

		// The in-flight head blocks its lane.
		_, _, err = queue.Receive(ctx, jobq.QueueIngest)
		require.True(t, jobq.ErrEmpty.Has(err))

		require.NoError(t, queue.Delete(ctx, handle))
		require.True(t, jobq.ErrStaleHandle.Has(queue.Delete(ctx, handle)))

		stats, err := queue.Stats(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, ingestdb.QueueStats{}, stats)
	})
}

func TestQueueLaneOrdering(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, defaultQueueConfig(), nil)

		tenantA := testrand.UUID()
		tenantB := testrand.UUID()
		send := func(tenant uuid.UUID, container string) {
			require.NoError(t, queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
				TenantID:    tenant,
				Connector:   source.GitLabMR,
				BackfillID:  testrand.UUID(),
				ContainerID: container,
			}))
		}
		send(tenantA, "a-1")
		send(tenantA, "a-2")
		send(tenantB, "b-1")

		first, firstHandle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, jobq.Lane(tenantA, ""), first.Lane)

		// Tenant A's lane is blocked, tenant B's is not.
		second, secondHandle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, jobq.Lane(tenantB, ""), second.Lane)

		_, _, err = queue.Receive(ctx, jobq.QueueIngest)
		require.True(t, jobq.ErrEmpty.Has(err))

		require.NoError(t, queue.Delete(ctx, firstHandle))

		third, thirdHandle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, jobq.Lane(tenantA, ""), third.Lane)
		cfg, err := jobs.Unmarshal(third.Body)
		require.NoError(t, err)
		require.Equal(t, "a-2", cfg.(jobs.EnumerateContainer).ContainerID)

		require.NoError(t, queue.Delete(ctx, secondHandle))
		require.NoError(t, queue.Delete(ctx, thirdHandle))
	})
}

func TestQueueVisibility(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, defaultQueueConfig(), nil)
		now := time.Now().Truncate(time.Microsecond)
		queue.TestingSetNow(func() time.Time { return now })

		tenant := testrand.UUID()
		require.NoError(t, queue.SendBackfillIngest(ctx, jobs.IncrementalBackfill{
			TenantID:  tenant,
			Connector: source.PylonIssue,
		}))

		first, firstHandle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, 1, first.ReceiveCount)

		_, _, err = queue.Receive(ctx, jobq.QueueIngest)
		require.True(t, jobq.ErrEmpty.Has(err))

		// Past the visibility window the message is redelivered with a
		// fresh receipt; the old handle goes stale.
		now = now.Add(11 * time.Minute)
		second, secondHandle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, 2, second.ReceiveCount)
		require.Equal(t, first.JobID, second.JobID)
		require.True(t, jobq.ErrStaleHandle.Has(queue.Delete(ctx, firstHandle)))

		// An extension keeps the message invisible exactly that long.
		require.NoError(t, queue.ChangeVisibility(ctx, secondHandle, 45*time.Second))
		now = now.Add(30 * time.Second)
		_, _, err = queue.Receive(ctx, jobq.QueueIngest)
		require.True(t, jobq.ErrEmpty.Has(err))

		now = now.Add(20 * time.Second)
		third, thirdHandle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, 3, third.ReceiveCount)
		require.NoError(t, queue.Delete(ctx, thirdHandle))
	})
}

func TestQueueDeduplication(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, defaultQueueConfig(), nil)
		now := time.Now().Truncate(time.Microsecond)
		queue.TestingSetNow(func() time.Time { return now })

		tenant := testrand.UUID()
		dedupID := jobq.CDCDedupID(tenant, "Account", "001xx01", 42)
		body := []byte(`{"change":"one"}`)

		// Concurrent listener replicas send the same event; only one copy
		// survives.
		for i := 0; i < 3; i++ {
			require.NoError(t, queue.SendIngestWebhook(ctx, body, nil, tenant, source.Salesforce, jobq.Lane(tenant, "batch-1"), dedupID))
		}
		stats, err := queue.Stats(ctx, jobq.QueueWebhook)
		require.NoError(t, err)
		require.Equal(t, int64(1), stats.Visible)

		// Past the window the same id is accepted again.
		now = now.Add(5*time.Minute + time.Second)
		require.NoError(t, queue.SendIngestWebhook(ctx, body, nil, tenant, source.Salesforce, jobq.Lane(tenant, "batch-1"), dedupID))
		stats, err = queue.Stats(ctx, jobq.QueueWebhook)
		require.NoError(t, err)
		require.Equal(t, int64(2), stats.Visible)

		removed, err := queue.DeleteExpiredDedup(ctx)
		require.NoError(t, err)
		require.Zero(t, removed)
		now = now.Add(5*time.Minute + time.Second)
		removed, err = queue.DeleteExpiredDedup(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), removed)
	})
}

func TestQueueAttributes(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, defaultQueueConfig(), nil)

		tenant := testrand.UUID()
		headers := map[string]string{
			"X-Gitlab-Event": "Merge Request Hook",
			"Content-Type":   "application/json",
		}
		require.NoError(t, queue.SendIngestWebhook(ctx, []byte(`{}`), headers, tenant, source.GitLabMR, "", ""))

		message, handle, err := queue.Receive(ctx, jobq.QueueWebhook)
		require.NoError(t, err)
		require.Equal(t, headers, message.Attributes)
		require.Equal(t, jobq.Lane(tenant, ""), message.Lane)
		require.NoError(t, queue.Delete(ctx, handle))
	})
}

func TestQueueDeadLetter(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		config := defaultQueueConfig()
		config.MaxReceiveCount = 2
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, config, nil)
		now := time.Now().Truncate(time.Microsecond)
		queue.TestingSetNow(func() time.Time { return now })

		tenant := testrand.UUID()
		require.NoError(t, queue.SendBackfillIngest(ctx, jobs.RootBackfill{
			TenantID:   tenant,
			Connector:  source.FigmaFile,
			BackfillID: testrand.UUID(),
		}))

		// Burn through the receive budget without acknowledging.
		for i := 1; i <= 2; i++ {
			message, _, err := queue.Receive(ctx, jobq.QueueIngest)
			require.NoError(t, err)
			require.Equal(t, i, message.ReceiveCount)
			now = now.Add(11 * time.Minute)
		}

		// Exhausted: not deliverable anymore, but still present until the
		// sweeper runs.
		_, _, err := queue.Receive(ctx, jobq.QueueIngest)
		require.True(t, jobq.ErrEmpty.Has(err))

		moved, err := queue.SweepExhausted(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), moved)

		dead, err := queue.ListDead(ctx, jobq.QueueIngest, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		require.Equal(t, 2, dead[0].ReceiveCount)
		require.Equal(t, jobq.Lane(tenant, ""), dead[0].Lane)

		stats, err := queue.Stats(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, int64(1), stats.Dead)

		// Redriving restores the message with a fresh receive budget.
		moved, err = queue.RedriveDead(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, int64(1), moved)

		message, handle, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		require.Equal(t, 1, message.ReceiveCount)
		require.NoError(t, queue.Delete(ctx, handle))
	})
}

func TestQueuePurgeDead(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		config := defaultQueueConfig()
		config.MaxReceiveCount = 1
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, config, nil)
		now := time.Now().Truncate(time.Microsecond)
		queue.TestingSetNow(func() time.Time { return now })

		require.NoError(t, queue.SendBackfillIngest(ctx, jobs.RootBackfill{
			TenantID:   testrand.UUID(),
			Connector:  source.AttioRecord,
			BackfillID: testrand.UUID(),
		}))
		_, _, err := queue.Receive(ctx, jobq.QueueIngest)
		require.NoError(t, err)
		now = now.Add(11 * time.Minute)

		moved, err := queue.SweepExhausted(ctx)
		require.NoError(t, err)
		require.Equal(t, int64(1), moved)

		// Too young to purge.
		removed, err := queue.PurgeDead(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Zero(t, removed)

		now = now.Add(25 * time.Hour)
		removed, err = queue.PurgeDead(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Equal(t, int64(1), removed)
	})
}

func TestQueuePayloadOffload(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		config := defaultQueueConfig()
		config.MaxInlineSize = memory.KiB
		payloads := newMemPayloads()
		queue := ingestdb.NewQueue(zaptest.NewLogger(t), db, config, payloads)

		tenant := testrand.UUID()
		big := testrand.BytesInt(4 * memory.KiB.Int())
		require.NoError(t, queue.SendIngestWebhook(ctx, big, nil, tenant, source.Salesforce, "", ""))
		require.Equal(t, 1, payloads.len())

		message, handle, err := queue.Receive(ctx, jobq.QueueWebhook)
		require.NoError(t, err)
		require.Equal(t, big, message.Body)

		referenced, err := queue.PayloadReferenced(ctx, message.JobID.String())
		require.NoError(t, err)
		require.True(t, referenced)

		require.NoError(t, queue.Delete(ctx, handle))
		require.Zero(t, payloads.len())

		referenced, err = queue.PayloadReferenced(ctx, message.JobID.String())
		require.NoError(t, err)
		require.False(t, referenced)
	})
}

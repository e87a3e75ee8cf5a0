// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package extractor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobq/testjobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

type progressRecorder struct {
	mu        sync.Mutex
	total     map[uuid.UUID]int64
	attempted map[uuid.UUID]int
	done      map[uuid.UUID]int
}

func newProgressRecorder() *progressRecorder {
	return &progressRecorder{
		total:     map[uuid.UUID]int64{},
		attempted: map[uuid.UUID]int{},
		done:      map[uuid.UUID]int{},
	}
}

func (p *progressRecorder) AddTotal(ctx context.Context, backfillID uuid.UUID, delta int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total[backfillID] += delta
	return nil
}

func (p *progressRecorder) AddAttempted(ctx context.Context, backfillID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempted[backfillID]++
	return nil
}

func (p *progressRecorder) AddDone(ctx context.Context, backfillID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done[backfillID]++
	return nil
}

func (p *progressRecorder) Finished(ctx context.Context, backfillID uuid.UUID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.total[backfillID]
	return total > 0 && int64(p.done[backfillID]) >= total, nil
}

type staticEnvs struct {
	env *Env
}

func (b staticEnvs) Build(ctx context.Context, tenant uuid.UUID) (*Env, error) {
	env := *b.env
	env.Tenant = tenant
	return &env, nil
}

type workerHarness struct {
	queue    *testjobq.Queue
	registry *Registry
	progress *progressRecorder
	env      *Env
	worker   *Worker
}

func newWorkerHarness(t *testing.T, queueName string) *workerHarness {
	queue := testjobq.New()
	registry := NewRegistry()
	progress := newProgressRecorder()
	env := &Env{Log: zaptest.NewLogger(t), Queue: queue, Progress: progress}
	worker := NewWorker(zaptest.NewLogger(t), queue, queueName, registry, staticEnvs{env: env}, Config{
		Concurrency: 1,
		Interval:    time.Millisecond,
	})
	return &workerHarness{queue: queue, registry: registry, progress: progress, env: env, worker: worker}
}

// drain runs one processing pass and waits for spawned handlers.
func (h *workerHarness) drain(ctx context.Context, t *testing.T) {
	require.NoError(t, h.worker.process(ctx))
	h.worker.Limiter.Wait()
}

func TestWorkerSuccess(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newWorkerHarness(t, jobq.QueueIngest)
	tenant := testrand.UUID()
	backfillID := testrand.UUID()

	var handled []jobs.EnumerateContainer
	require.NoError(t, h.registry.Add(source.PylonIssue, jobs.KindEnumerateContainer,
		Typed(func(ctx context.Context, jobID uuid.UUID, cfg jobs.EnumerateContainer, env *Env) error {
			require.False(t, jobID.IsZero())
			require.Equal(t, tenant, env.Tenant)
			handled = append(handled, cfg)
			return nil
		})))

	require.NoError(t, h.queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
		TenantID:    tenant,
		Connector:   source.PylonIssue,
		BackfillID:  backfillID,
		ContainerID: "team-1",
	}))

	h.drain(ctx, t)

	require.Len(t, handled, 1)
	require.Equal(t, backfillID, handled[0].BackfillID)
	require.Zero(t, h.queue.Len(jobq.QueueIngest))
	require.Equal(t, 1, h.progress.attempted[backfillID])
	require.Equal(t, 1, h.progress.done[backfillID])
}

func TestWorkerMarksBackfillComplete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newWorkerHarness(t, jobq.QueueIngest)
	state := syncstate.NewService(newMapStore())
	h.env.State = state

	tenant := testrand.UUID()
	backfillID := testrand.UUID()

	// The flag must not flip while any job is still running; every
	// handler records what it saw.
	var mu sync.Mutex
	var observed []bool
	require.NoError(t, h.registry.Add(source.PylonIssue, jobs.KindProcessBatch,
		Typed(func(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *Env) error {
			complete, err := state.BackfillComplete(ctx, syncstate.PrefixFor(source.PylonIssue))
			if err != nil {
				return err
			}
			mu.Lock()
			observed = append(observed, complete)
			mu.Unlock()
			return nil
		})))

	// Two fanned-out jobs make up the whole backfill.
	require.NoError(t, h.progress.AddTotal(ctx, backfillID, 2))
	for _, ids := range [][]string{{"1"}, {"2"}} {
		require.NoError(t, h.queue.SendBackfillIngest(ctx, jobs.ProcessBatch{
			TenantID:   tenant,
			Connector:  source.PylonIssue,
			BackfillID: backfillID,
			EntityIDs:  ids,
		}))
	}

	for h.queue.Len(jobq.QueueIngest) > 0 {
		h.drain(ctx, t)
	}

	require.Equal(t, []bool{false, false}, observed)
	require.Equal(t, 2, h.progress.done[backfillID])

	complete, err := state.BackfillComplete(ctx, syncstate.PrefixFor(source.PylonIssue))
	require.NoError(t, err)
	require.True(t, complete)
}

func TestWorkerExtendVisibility(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newWorkerHarness(t, jobq.QueueIngest)
	tenant := testrand.UUID()
	backfillID := testrand.UUID()

	require.NoError(t, h.registry.Add(source.GitLabMR, jobs.KindProcessBatch,
		Typed(func(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *Env) error {
			return &ratelimit.ExtendVisibility{Timeout: 45 * time.Second}
		})))

	require.NoError(t, h.queue.SendBackfillIngest(ctx, jobs.ProcessBatch{
		TenantID:   tenant,
		Connector:  source.GitLabMR,
		BackfillID: backfillID,
		EntityIDs:  []string{"47"},
	}))

	h.drain(ctx, t)

	// The message survived with an extended visibility and no completion.
	require.Equal(t, 1, h.queue.Len(jobq.QueueIngest))
	require.Zero(t, h.queue.Deleted)
	require.Equal(t, []time.Duration{45 * time.Second}, h.queue.Extensions)
	require.Equal(t, 1, h.progress.attempted[backfillID])
	require.Zero(t, h.progress.done[backfillID])
}

func TestWorkerTerminalFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newWorkerHarness(t, jobq.QueueIngest)

	require.NoError(t, h.registry.Add(source.CanvaDesign, jobs.KindIncrementalBackfill,
		Typed(func(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *Env) error {
			return connector.ErrAuthFailed.New("token revoked")
		})))

	require.NoError(t, h.queue.SendBackfillIngest(ctx, jobs.IncrementalBackfill{
		TenantID:  testrand.UUID(),
		Connector: source.CanvaDesign,
	}))

	h.drain(ctx, t)

	// Terminal failures are acknowledged; retrying cannot help.
	require.Zero(t, h.queue.Len(jobq.QueueIngest))
	require.Equal(t, 1, h.queue.Deleted)
}

func TestWorkerTransientFailureLeavesMessage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newWorkerHarness(t, jobq.QueueIngest)
	tenant := testrand.UUID()

	calls := 0
	require.NoError(t, h.registry.Add(source.PylonIssue, jobs.KindIncrementalBackfill,
		Typed(func(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *Env) error {
			calls++
			if calls == 1 {
				return errors.New("connection reset")
			}
			return nil
		})))

	require.NoError(t, h.queue.SendBackfillIngest(ctx, jobs.IncrementalBackfill{
		TenantID:  tenant,
		Connector: source.PylonIssue,
	}))

	h.drain(ctx, t)
	require.Equal(t, 1, h.queue.Len(jobq.QueueIngest))
	require.Zero(t, h.queue.Deleted)

	// After the visibility lapses the redelivery succeeds.
	h.queue.Requeue()
	h.drain(ctx, t)
	require.Equal(t, 2, calls)
	require.Zero(t, h.queue.Len(jobq.QueueIngest))
}

func TestWorkerUndecodableBody(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newWorkerHarness(t, jobq.QueueWebhook)

	require.NoError(t, h.queue.SendIngestWebhook(ctx,
		[]byte("not json"), nil, testrand.UUID(), source.GitLabMR, "lane", "dedup-1"))

	h.drain(ctx, t)

	// Undecodable payloads cannot improve with redelivery.
	require.Zero(t, h.queue.Len(jobq.QueueWebhook))
	require.Equal(t, 1, h.queue.Deleted)
}

func TestWorkerUnknownExtractor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	h := newWorkerHarness(t, jobq.QueueIngest)

	require.NoError(t, h.queue.SendBackfillIngest(ctx, jobs.ObjectSync{
		TenantID:   testrand.UUID(),
		Connector:  source.AttioRecord,
		ObjectType: "companies",
	}))

	h.drain(ctx, t)

	require.Zero(t, h.queue.Len(jobq.QueueIngest))
	require.Equal(t, 1, h.queue.Deleted)
}

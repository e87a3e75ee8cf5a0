// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package extractor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/syncstate"
)

// Config contains configurable values for the worker service.
type Config struct {
	Concurrency int           `help:"maximum jobs processed concurrently" releaseDefault:"10" devDefault:"2"`
	Interval    time.Duration `help:"how often to poll the queue when it is empty" releaseDefault:"2s" devDefault:"500ms"`
}

// EnvBuilder resolves the per-tenant dependency bundle of a job.
type EnvBuilder interface {
	Build(ctx context.Context, tenant uuid.UUID) (*Env, error)
}

// Worker drains one queue: receive, decode, dispatch to the registered
// extractor, then acknowledge according to the outcome.
//
// architecture: Worker
type Worker struct {
	log       *zap.Logger
	queue     jobq.Queue
	queueName string
	registry  *Registry
	envs      EnvBuilder

	Limiter *sync2.Limiter
	Loop    *sync2.Cycle
}

// NewWorker creates a worker draining queueName.
func NewWorker(log *zap.Logger, queue jobq.Queue, queueName string, registry *Registry, envs EnvBuilder, config Config) *Worker {
	return &Worker{
		log:       log,
		queue:     queue,
		queueName: queueName,
		registry:  registry,
		envs:      envs,
		Limiter:   sync2.NewLimiter(config.Concurrency),
		Loop:      sync2.NewCycle(config.Interval),
	}
}

// Run runs the worker until ctx is done.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	defer worker.Limiter.Wait()

	return worker.Loop.Run(ctx, func(ctx context.Context) error {
		if err := worker.process(ctx); err != nil {
			worker.log.Error("process", zap.Error(Error.Wrap(err)))
		}
		return nil
	})
}

// process drains the queue, spawning a handler per message until the queue
// reports empty.
func (worker *Worker) process(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	for {
		message, handle, err := worker.queue.Receive(ctx, worker.queueName)
		if err != nil {
			if jobq.ErrEmpty.Has(err) {
				return nil
			}
			return err
		}

		started := worker.Limiter.Go(ctx, func() {
			worker.handle(ctx, message, handle)
		})
		if !started {
			return ctx.Err()
		}
	}
}

// Close stops the polling loop and waits for running jobs.
func (worker *Worker) Close() error {
	worker.Loop.Close()
	worker.Limiter.Wait()
	return nil
}

func (worker *Worker) handle(ctx context.Context, message jobq.Message, handle jobq.Handle) {
	log := worker.log.With(
		zap.Stringer("job", message.JobID),
		zap.Int("receive-count", message.ReceiveCount))

	start := time.Now()
	err := worker.runJob(ctx, log, message)
	mon.DurationVal("job_duration").Observe(time.Since(start))

	switch {
	case err == nil:
		mon.Event("job_succeeded")
		if err := worker.queue.Delete(ctx, handle); err != nil {
			log.Warn("acknowledging finished job failed", zap.Error(err))
		}

	case isExtendVisibility(err):
		timeout, _ := ratelimit.ExtendVisibilityTimeout(err)
		mon.Event("job_visibility_extended")
		log.Info("yielding until the provider window passes", zap.Duration("timeout", timeout))
		// No delete: the message comes back after the extension with its
		// attempts intact.
		if err := worker.queue.ChangeVisibility(ctx, handle, timeout); err != nil {
			log.Warn("extending visibility failed", zap.Error(err))
		}

	case Terminal(err):
		mon.Event("job_failed_terminal")
		log.Error("job failed terminally", zap.Error(err))
		if err := worker.queue.Delete(ctx, handle); err != nil {
			log.Warn("acknowledging failed job failed", zap.Error(err))
		}

	default:
		mon.Event("job_failed_transient")
		log.Warn("job failed, leaving for redelivery", zap.Error(err))
		// Left in flight: the visibility timeout redelivers it, and the
		// queue dead-letters it after too many receives.
	}
}

func isExtendVisibility(err error) bool {
	_, ok := ratelimit.ExtendVisibilityTimeout(err)
	return ok
}

func (worker *Worker) runJob(ctx context.Context, log *zap.Logger, message jobq.Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	cfg, err := jobs.Unmarshal(message.Body)
	if err != nil {
		return ErrTerminal.Wrap(err)
	}

	ex, ok := worker.registry.Lookup(cfg.Source(), cfg.Kind())
	if !ok {
		return ErrTerminal.New("no extractor for %s/%s", cfg.Source(), cfg.Kind())
	}

	env, err := worker.envs.Build(ctx, cfg.Tenant())
	if err != nil {
		return Error.Wrap(err)
	}

	backfillID, tracked := BackfillOf(cfg)
	if tracked && env.Progress != nil {
		if err := env.Progress.AddAttempted(ctx, backfillID); err != nil {
			log.Warn("recording job attempt failed", zap.Error(err))
		}
	}

	if err := ex.ProcessJob(ctx, message.JobID, cfg, env); err != nil {
		return err
	}

	if tracked && env.Progress != nil {
		if err := env.Progress.AddDone(ctx, backfillID); err != nil {
			log.Warn("recording job completion failed", zap.Error(err))
		} else if err := worker.markCompleteIfFinished(ctx, env, cfg, backfillID); err != nil {
			log.Warn("marking backfill complete failed", zap.Error(err))
		}
	}
	return nil
}

// markCompleteIfFinished flips the tenant's backfill-complete flag once
// the last fanned-out job of a backfill is done, which unlocks
// incremental syncs for the source.
func (worker *Worker) markCompleteIfFinished(ctx context.Context, env *Env, cfg jobs.Config, backfillID uuid.UUID) error {
	if env.State == nil {
		return nil
	}
	finished, err := env.Progress.Finished(ctx, backfillID)
	if err != nil || !finished {
		return err
	}
	return env.State.SetBackfillComplete(ctx, syncstate.PrefixFor(cfg.Source()), true)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingest

import (
	"context"
	"net"
	"runtime/pprof"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobq/payloadstore"
	"storj.io/inlet/private/healthcheck"
	"storj.io/inlet/private/lifecycle"
)

// Worker is the peer that drains the job queues. Every received message
// is one extractor invocation.
//
// architecture: Peer
type Worker struct {
	Log *zap.Logger
	DB  *ingestdb.DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Plumbing *plumbing

	Connectors struct {
		Registry *connector.Registry
	}

	Queue struct {
		Payloads *payloadstore.Store
		Queue    *ingestdb.Queue
		Sweeper  *QueueSweeper
	}

	Indexing struct {
		Notifier indexer.Notifier
		Index    indexer.Index
	}

	Extractor struct {
		Registry *extractor.Registry
		Ingest   *extractor.Worker
		Webhook  *extractor.Worker
	}

	Health struct {
		Listener net.Listener
		Server   *healthcheck.Server
	}
}

// NewWorker creates the worker peer.
func NewWorker(ctx context.Context, log *zap.Logger, db *ingestdb.DB, config Config) (*Worker, error) {
	peer := &Worker{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup credential and client plumbing
		var err error
		peer.Plumbing, err = newPlumbing(log, db, config)
		if err != nil {
			return nil, err
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "tenantdb:pools",
			Close: peer.Plumbing.Pools.Close,
		})
		peer.Services.Add(lifecycle.Item{
			Name: "ratelimit:sweep",
			Run:  peer.Plumbing.RateLimit.Run,
		})
	}

	{ // setup connector and extractor registries
		var err error
		peer.Connectors.Registry, err = NewConnectorRegistry()
		if err != nil {
			return nil, err
		}
		peer.Extractor.Registry, err = NewExtractorRegistry()
		if err != nil {
			return nil, err
		}
	}

	{ // setup queue
		if config.Payloads.Endpoint != "" {
			var err error
			peer.Queue.Payloads, err = payloadstore.New(log.Named("payloads"), config.Payloads)
			if err != nil {
				return nil, err
			}
		}
		var payloads jobq.PayloadStore
		if peer.Queue.Payloads != nil {
			payloads = peer.Queue.Payloads
		}
		peer.Queue.Queue = ingestdb.NewQueue(log.Named("queue"), db, config.Queue, payloads)

		peer.Queue.Sweeper = NewQueueSweeper(log.Named("queue:sweeper"), peer.Queue.Queue, peer.Queue.Payloads, config.Sweeper)
		peer.Services.Add(lifecycle.Item{
			Name:  "queue:sweeper",
			Run:   peer.Queue.Sweeper.Run,
			Close: peer.Queue.Sweeper.Close,
		})
	}

	{ // setup indexing
		var err error
		peer.Indexing.Notifier, err = indexer.NewNotifier(ctx, log.Named("indexer"), config.Indexer)
		if err != nil {
			return nil, err
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "indexer:notifier",
			Close: peer.Indexing.Notifier.Close,
		})

		peer.Indexing.Index, err = indexer.NewIndex(log.Named("index"), config.Index)
		if err != nil {
			return nil, err
		}
	}

	{ // setup queue workers
		envs := &envBuilder{
			log:       log.Named("job"),
			backfills: db.Backfills(),
			pools:     peer.Plumbing.Pools,
			queue:     peer.Queue.Queue,
			conn:      peer.Plumbing.Deps,
			notifier:  peer.Indexing.Notifier,
			index:     peer.Indexing.Index,
		}

		peer.Extractor.Ingest = extractor.NewWorker(
			log.Named("worker:ingest"),
			peer.Queue.Queue, jobq.QueueIngest,
			peer.Extractor.Registry, envs, config.Worker)
		peer.Services.Add(lifecycle.Item{
			Name:  "worker:ingest",
			Run:   peer.Extractor.Ingest.Run,
			Close: peer.Extractor.Ingest.Close,
		})

		peer.Extractor.Webhook = extractor.NewWorker(
			log.Named("worker:webhook"),
			peer.Queue.Queue, jobq.QueueWebhook,
			peer.Extractor.Registry, envs, config.Worker)
		peer.Services.Add(lifecycle.Item{
			Name:  "worker:webhook",
			Run:   peer.Extractor.Webhook.Run,
			Close: peer.Extractor.Webhook.Close,
		})
	}

	{ // setup health server
		if config.Health.Enabled {
			var err error
			peer.Health.Listener, err = net.Listen("tcp", config.Health.Address)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			peer.Health.Server = healthcheck.NewServer(log.Named("healthcheck"),
				peer.Health.Listener, databaseCheck{db: db})
			peer.Servers.Add(lifecycle.Item{
				Name:  "healthcheck",
				Run:   peer.Health.Server.Run,
				Close: peer.Health.Server.Close,
			})
		}
	}

	return peer, nil
}

// Run runs the worker until it is closed or errors.
func (peer *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "worker"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Worker) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

// QueueSweeper is the queue maintenance chore: it moves exhausted
// messages to the dead-letter table, expires old dedup entries, purges
// dead rows past retention and collects orphaned offloaded payloads.
type QueueSweeper struct {
	log      *zap.Logger
	queue    *ingestdb.Queue
	payloads *payloadstore.Store
	config   SweeperConfig

	Loop        *sync2.Cycle
	PayloadLoop *sync2.Cycle
}

// NewQueueSweeper creates a QueueSweeper. payloads may be nil when no
// object store is configured.
func NewQueueSweeper(log *zap.Logger, queue *ingestdb.Queue, payloads *payloadstore.Store, config SweeperConfig) *QueueSweeper {
	return &QueueSweeper{
		log:         log,
		queue:       queue,
		payloads:    payloads,
		config:      config,
		Loop:        sync2.NewCycle(config.Interval),
		PayloadLoop: sync2.NewCycle(config.PayloadInterval),
	}
}

// Run runs the sweep cycles until ctx is done.
func (sweeper *QueueSweeper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return sweeper.Loop.Run(ctx, sweeper.sweepQueue)
	})
	group.Go(func() error {
		return sweeper.PayloadLoop.Run(ctx, sweeper.sweepPayloads)
	})
	return group.Wait()
}

// Close stops the sweep cycles.
func (sweeper *QueueSweeper) Close() error {
	sweeper.Loop.Close()
	sweeper.PayloadLoop.Close()
	return nil
}

func (sweeper *QueueSweeper) sweepQueue(ctx context.Context) error {
	moved, err := sweeper.queue.SweepExhausted(ctx)
	if err != nil {
		sweeper.log.Error("moving exhausted messages failed", zap.Error(err))
	} else if moved > 0 {
		sweeper.log.Info("moved exhausted messages to the dead letter table", zap.Int64("count", moved))
	}

	if _, err := sweeper.queue.DeleteExpiredDedup(ctx); err != nil {
		sweeper.log.Error("expiring dedup entries failed", zap.Error(err))
	}

	if _, err := sweeper.queue.PurgeDead(ctx, sweeper.config.DeadMaxRetention); err != nil {
		sweeper.log.Error("purging old dead letters failed", zap.Error(err))
	}
	return nil
}

func (sweeper *QueueSweeper) sweepPayloads(ctx context.Context) error {
	if sweeper.payloads == nil {
		return nil
	}
	removed, err := sweeper.payloads.SweepOrphans(ctx, sweeper.queue.PayloadReferenced)
	if err != nil {
		sweeper.log.Error("collecting orphaned payloads failed", zap.Error(err))
	} else if removed > 0 {
		sweeper.log.Info("collected orphaned payloads", zap.Int("count", removed))
	}
	return nil
}

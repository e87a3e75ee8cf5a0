// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingest

import (
	"context"
	"net"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/sync2"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/private/healthcheck"
	"storj.io/inlet/private/lifecycle"
)

// SchedulerConfig configures the periodic incremental sync schedules.
type SchedulerConfig struct {
	Interval  time.Duration `help:"how often the schedules are evaluated" default:"1m" testDefault:"100ms"`
	Schedule  string        `help:"cron schedule for incremental syncs of every connected source" default:"0 * * * *"`
	Overrides string        `help:"comma-separated source=schedule pairs overriding the default, e.g. salesforce=*/15 * * * *" default:""`
}

// schedules parses the per-source cron schedules.
func (config SchedulerConfig) schedules() (map[source.Source]cron.Schedule, error) {
	fallback, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return nil, Error.New("malformed schedule %q: %w", config.Schedule, err)
	}

	parsed := make(map[source.Source]cron.Schedule, len(source.All()))
	for _, src := range source.All() {
		parsed[src] = fallback
	}
	if config.Overrides == "" {
		return parsed, nil
	}
	for _, pair := range strings.Split(config.Overrides, ",") {
		name, expr, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			return nil, Error.New("malformed schedule override %q", pair)
		}
		src := source.Source(strings.TrimSpace(name))
		if !src.Valid() {
			return nil, Error.New("schedule override for unknown source %q", name)
		}
		schedule, err := cron.ParseStandard(strings.TrimSpace(expr))
		if err != nil {
			return nil, Error.New("malformed schedule override %q: %w", pair, err)
		}
		parsed[src] = schedule
	}
	return parsed, nil
}

// scheduleSender is the queue surface the scheduler needs: enqueue with a
// deduplication id so replicas collapse to one job per window.
type scheduleSender interface {
	SendScheduled(ctx context.Context, cfg jobs.Config, dedupID string) error
}

// scheduleTenants is the control database view the scheduler reads.
type scheduleTenants interface {
	ConnectedTo(ctx context.Context, src source.Source) ([]ingestdb.TenantSource, error)
}

// scheduleBackfills reports whether a (tenant, source) has a completed
// backfill; scheduling an incremental before that would only trip the
// extractor's refusal.
type scheduleBackfills interface {
	Latest(ctx context.Context, tenantID uuid.UUID, src source.Source) (ingestdb.Backfill, error)
}

// SchedulerService evaluates the cron schedules and enqueues incremental
// sync jobs for every connected (tenant, source) whose window boundary
// has passed.
type SchedulerService struct {
	log       *zap.Logger
	tenants   scheduleTenants
	backfills scheduleBackfills
	queue     scheduleSender
	schedules map[source.Source]cron.Schedule

	Loop *sync2.Cycle

	next  map[source.Source]time.Time
	nowFn func() time.Time
}

// NewSchedulerService creates a SchedulerService.
func NewSchedulerService(log *zap.Logger, tenants scheduleTenants, backfills scheduleBackfills, queue scheduleSender, config SchedulerConfig) (*SchedulerService, error) {
	schedules, err := config.schedules()
	if err != nil {
		return nil, err
	}
	return &SchedulerService{
		log:       log,
		tenants:   tenants,
		backfills: backfills,
		queue:     queue,
		schedules: schedules,
		Loop:      sync2.NewCycle(config.Interval),
		next:      make(map[source.Source]time.Time, len(schedules)),
		nowFn:     time.Now,
	}, nil
}

// Run evaluates schedules until ctx is done. Windows start counting from
// startup; a restart never retro-fires boundaries it slept through.
func (service *SchedulerService) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := service.nowFn()
	for src, schedule := range service.schedules {
		service.next[src] = schedule.Next(now)
	}

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		service.Tick(ctx)
		return nil
	})
}

// Close stops the evaluation cycle.
func (service *SchedulerService) Close() error {
	service.Loop.Close()
	return nil
}

// Tick fires every source whose window boundary has passed. Missed
// boundaries collapse into the most recent one.
func (service *SchedulerService) Tick(ctx context.Context) {
	now := service.nowFn()
	for src, schedule := range service.schedules {
		next, ok := service.next[src]
		if !ok {
			next = schedule.Next(now)
		}
		if next.After(now) {
			service.next[src] = next
			continue
		}
		window := next
		for !next.After(now) {
			window = next
			next = schedule.Next(next)
		}
		service.next[src] = next

		if err := service.fire(ctx, src, window); err != nil {
			service.log.Error("scheduling incremental syncs failed",
				zap.String("source", string(src)), zap.Error(err))
			// Retried next window; the watermark model tolerates a
			// skipped delta run.
		}
	}
}

func (service *SchedulerService) fire(ctx context.Context, src source.Source, window time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	connected, err := service.tenants.ConnectedTo(ctx, src)
	if err != nil {
		return Error.Wrap(err)
	}

	var group errs.Group
	for _, tenant := range connected {
		backfill, err := service.backfills.Latest(ctx, tenant.TenantID, src)
		if ingestdb.ErrBackfillNotFound.Has(err) {
			// Never backfilled; an incremental would refuse to run.
			continue
		}
		if err != nil {
			group.Add(err)
			continue
		}
		if !backfill.Finished() {
			service.log.Debug("skipping incremental while backfill is running",
				zap.Stringer("tenant", tenant.TenantID),
				zap.String("source", string(src)))
			continue
		}

		cfg := jobs.IncrementalBackfill{
			TenantID:  tenant.TenantID,
			Connector: src,
		}
		dedupID := scheduleDedupID(tenant.TenantID, src, window)
		if err := service.queue.SendScheduled(ctx, cfg, dedupID); err != nil {
			group.Add(err)
			continue
		}
		mon.Meter("scheduler_enqueued").Mark(1)
	}
	return group.Err()
}

// scheduleDedupID names one (tenant, source, window) enqueue.
func scheduleDedupID(tenant uuid.UUID, src source.Source, window time.Time) string {
	return "sched_" + tenant.String() + "_" + string(src) + "_" + strconv.FormatInt(window.Unix(), 10)
}

// TestingSetNow overrides the scheduler clock.
func (service *SchedulerService) TestingSetNow(now func() time.Time) {
	service.nowFn = now
}

// Scheduler is the peer that replaces an external cron: it periodically
// enqueues incremental sync jobs for connected tenants.
//
// architecture: Peer
type Scheduler struct {
	Log *zap.Logger
	DB  *ingestdb.DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Queue   *ingestdb.Queue
	Service *SchedulerService

	Health struct {
		Listener net.Listener
		Server   *healthcheck.Server
	}
}

// NewScheduler creates the scheduler peer.
func NewScheduler(log *zap.Logger, db *ingestdb.DB, config Config) (*Scheduler, error) {
	peer := &Scheduler{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup scheduling
		// Scheduled job payloads are tiny; no payload store needed.
		peer.Queue = ingestdb.NewQueue(log.Named("queue"), db, config.Queue, nil)

		var err error
		peer.Service, err = NewSchedulerService(log.Named("scheduler"),
			db.Tenants(), db.Backfills(), peer.Queue, config.Scheduler)
		if err != nil {
			return nil, err
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "scheduler",
			Run:   peer.Service.Run,
			Close: peer.Service.Close,
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

// Run runs the scheduler until it is closed or errors.
func (peer *Scheduler) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "scheduler"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Scheduler) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

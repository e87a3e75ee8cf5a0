// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ingest assembles the ingestion plane peers: the Worker that
// drains the job queues, the Gatekeeper that holds the change-capture
// listener fleet, the Scheduler that enqueues periodic incremental syncs,
// and the API that exposes the operator surface.
package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/cdc"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/connector/attio"
	"storj.io/inlet/ingest/connector/canva"
	"storj.io/inlet/ingest/connector/figma"
	"storj.io/inlet/ingest/connector/fireflies"
	"storj.io/inlet/ingest/connector/gitlabmr"
	"storj.io/inlet/ingest/connector/linear"
	"storj.io/inlet/ingest/connector/oauth"
	"storj.io/inlet/ingest/connector/pipedrive"
	"storj.io/inlet/ingest/connector/posthog"
	"storj.io/inlet/ingest/connector/pylon"
	"storj.io/inlet/ingest/connector/salesforce"
	"storj.io/inlet/ingest/connector/teamwork"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobq/payloadstore"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/tenantdb"
	"storj.io/inlet/ingest/vault"
	"storj.io/inlet/ingest/vault/pgvault"
	"storj.io/inlet/private/healthcheck"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("ingest")
)

// RateLimitConfig tunes the shared token-bucket registry.
type RateLimitConfig struct {
	IdleExpiration  time.Duration `help:"tenant buckets idle longer than this are dropped" default:"30m"`
	CleanupInterval time.Duration `help:"how often idle buckets are swept" default:"5m"`
}

// VaultConfig configures the credentials vault and its cache.
type VaultConfig struct {
	Key       string        `help:"hex-encoded 32-byte key encrypting vault secrets at rest" default:""`
	CacheTTL  time.Duration `help:"how long resolved secrets are cached in process" default:"1h"`
	CacheSize int           `help:"how many secrets the process cache holds" default:"1000"`
}

// SweeperConfig tunes the queue maintenance chore.
type SweeperConfig struct {
	Interval         time.Duration `help:"how often exhausted messages and stale dedup entries are swept" default:"1m"`
	PayloadInterval  time.Duration `help:"how often orphaned offloaded payloads are collected" default:"1h"`
	DeadMaxRetention time.Duration `help:"dead-letter rows older than this are purged by the sweeper" default:"720h"`
}

// HTTPConfig tunes the outbound provider HTTP client shared by connectors.
type HTTPConfig struct {
	Timeout time.Duration `help:"per-request timeout against provider APIs" default:"30s"`
}

// Config is the configuration shared by every peer.
type Config struct {
	Worker    extractor.Config
	Queue     ingestdb.QueueConfig
	Payloads  payloadstore.Config
	Retry     ratelimit.RetryConfig
	RateLimit RateLimitConfig
	TenantDB  tenantdb.ManagerConfig
	Vault     VaultConfig
	HTTP      HTTPConfig
	CDC       cdc.Config
	Indexer   indexer.Config
	Index     indexer.IndexConfig
	Health    healthcheck.Config
	API       APIConfig
	Scheduler SchedulerConfig
	Sweeper   SweeperConfig
}

// NewConnectorRegistry registers every shipped connector.
func NewConnectorRegistry() (*connector.Registry, error) {
	registry := connector.NewRegistry()
	for _, desc := range []connector.Descriptor{
		attio.Descriptor(),
		canva.Descriptor(),
		figma.Descriptor(),
		fireflies.Descriptor(),
		gitlabmr.Descriptor(),
		linear.Descriptor(),
		pipedrive.Descriptor(),
		posthog.Descriptor(),
		pylon.Descriptor(),
		salesforce.Descriptor(),
		teamwork.Descriptor(),
	} {
		if err := registry.Add(desc); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return registry, nil
}

// NewExtractorRegistry registers the job handlers of every connector.
func NewExtractorRegistry() (*extractor.Registry, error) {
	registry := extractor.NewRegistry()
	for _, register := range []func(*extractor.Registry) error{
		attio.Register,
		canva.Register,
		figma.Register,
		fireflies.Register,
		gitlabmr.Register,
		linear.Register,
		pipedrive.Register,
		posthog.Register,
		pylon.Register,
		salesforce.Register,
		teamwork.Register,
	} {
		if err := register(registry); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return registry, nil
}

// plumbing is the credential and client stack shared by the peers that
// talk to providers.
type plumbing struct {
	Vault     vault.Vault
	Secrets   *vault.Cache
	Pools     *tenantdb.Manager
	RateLimit *ratelimit.Registry
	Retrier   *ratelimit.Retrier
	Refresher *oauth.Refresher
	Deps      *connector.Deps
}

// newPlumbing wires the vault, the tenant pool manager, the limiter stack
// and the connector dependency bundle on top of the control database.
func newPlumbing(log *zap.Logger, db *ingestdb.DB, config Config) (*plumbing, error) {
	store, err := pgvault.New(log.Named("vault"), db.UnderlyingTagSQL(), config.Vault.Key)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	secrets := vault.NewCache(store, config.Vault.CacheTTL, config.Vault.CacheSize)

	pools := tenantdb.NewManager(log.Named("tenantdb"), secrets, config.TenantDB)
	registry := ratelimit.NewRegistry(config.RateLimit.IdleExpiration, config.RateLimit.CleanupInterval)
	retrier := ratelimit.NewRetrier(log.Named("retry"), config.Retry)

	httpClient := &http.Client{Timeout: config.HTTP.Timeout}
	refresher := oauth.NewRefresher(log.Named("oauth"), secrets, pools, httpClient, oauth.DefaultProviders())

	return &plumbing{
		Vault:     store,
		Secrets:   secrets,
		Pools:     pools,
		RateLimit: registry,
		Retrier:   retrier,
		Refresher: refresher,
		Deps: &connector.Deps{
			Log:     log.Named("connector"),
			Vault:   secrets,
			Limiter: registry,
			Retrier: retrier,
			HTTP:    httpClient,
			Tokens:  refresher,
			Sources: db.Tenants(),
		},
	}, nil
}

// envBuilder resolves the per-tenant dependency bundle of a job.
type envBuilder struct {
	log       *zap.Logger
	backfills *ingestdb.Backfills
	pools     *tenantdb.Manager
	queue     jobq.Queue
	conn      *connector.Deps
	notifier  indexer.Notifier
	index     indexer.Index
}

// Build implements extractor.EnvBuilder.
func (builder *envBuilder) Build(ctx context.Context, tenant uuid.UUID) (_ *extractor.Env, err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := builder.pools.Get(ctx, tenant)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &extractor.Env{
		Log:       builder.log.With(zap.Stringer("tenant", tenant)),
		Tenant:    tenant,
		Artifacts: db.Artifacts(),
		State:     db.SyncState(),
		Queue:     builder.queue,
		Conn:      builder.conn,
		Indexer:   builder.notifier,
		Progress:  builder.backfills,
		Index:     builder.index,
	}, nil
}

// databaseCheck reports control-database reachability on the health
// surface.
type databaseCheck struct {
	db *ingestdb.DB
}

// Name implements healthcheck.HealthCheck.
func (check databaseCheck) Name() string { return "database" }

// Check implements healthcheck.HealthCheck.
func (check databaseCheck) Check(ctx context.Context) healthcheck.Status {
	if err := check.db.Ping(ctx); err != nil {
		return healthcheck.Status{Healthy: false, Message: err.Error()}
	}
	return healthcheck.Status{Healthy: true}
}

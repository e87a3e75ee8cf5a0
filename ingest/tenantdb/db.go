// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package tenantdb manages the per-tenant data databases.
//
// Each tenant owns a dedicated database holding its ingest artifacts and
// its config key/value table. Connection URLs live in the vault under
// /<tenant>/db-credential/<name>; the manager opens handles on first use
// and keeps them pooled for the process lifetime.
package tenantdb

import (
	"context"

	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx as a tagsql driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/private/migrate"
	"storj.io/inlet/shared/dbutil"
	"storj.io/inlet/shared/dbutil/pgutil"
	"storj.io/inlet/shared/dbutil/txutil"
	"storj.io/inlet/shared/tagsql"
)

var (
	mon = monkit.Package()

	// Error is the default error class for tenantdb.
	Error = errs.Class("tenantdb")
)

// Options configures how tenant databases are opened.
type Options struct {
	ApplicationName string
	MaxIdleConns    int
	MaxOpenConns    int
}

// DB is an open handle to one tenant's database.
type DB struct {
	log     *zap.Logger
	db      tagsql.DB
	tenant  uuid.UUID
	connstr string
}

// Open connects to a tenant database. The token refresh critical section
// needs pg_advisory_xact_lock, so only Postgres is supported.
func Open(ctx context.Context, log *zap.Logger, tenant uuid.UUID, connstr string, opts Options) (*DB, error) {
	driver, _, impl, err := dbutil.SplitConnStr(connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if impl != dbutil.Postgres {
		return nil, Error.New("unsupported database implementation for tenant %s", tenant)
	}

	if opts.ApplicationName != "" {
		connstr, err = dbutil.WithApplicationName(connstr, opts.ApplicationName)
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}

	rawdb, err := tagsql.Open(ctx, driver, connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if opts.MaxIdleConns > 0 || opts.MaxOpenConns > 0 {
		dbutil.Configure(rawdb, opts.MaxIdleConns, opts.MaxOpenConns, 0)
	}

	db := &DB{
		log:     log,
		db:      rawdb,
		tenant:  tenant,
		connstr: connstr,
	}

	log.Debug("Connected to tenant database", zap.Stringer("tenant", tenant))

	return db, nil
}

// Tenant returns the tenant the handle belongs to.
func (db *DB) Tenant() uuid.UUID { return db.tenant }

// Artifacts returns the tenant's artifact store.
func (db *DB) Artifacts() *Artifacts { return &Artifacts{db: db.db} }

// Config returns the tenant's config key/value store.
func (db *DB) Config() *Config { return &Config{db: db.db} }

// SyncState returns a typed sync state service over the config table.
func (db *DB) SyncState() *syncstate.Service { return syncstate.NewService(db.Config()) }

// Exclusive runs fn holding the named advisory lock, all in one
// transaction. Config writes made inside commit together with the lock
// release.
func (db *DB) Exclusive(ctx context.Context, name string, fn func(ctx context.Context, state *TxConfig) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	return txutil.WithTx(ctx, db.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		if err := pgutil.AcquireXactLock(ctx, tx, name); err != nil {
			return Error.Wrap(err)
		}
		return fn(ctx, &TxConfig{tx: tx})
	})
}

// UnderlyingTagSQL returns the underlying database handle.
func (db *DB) UnderlyingTagSQL() tagsql.DB { return db.db }

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close closes the handle.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// MigrateToLatest migrates the tenant database to the latest version.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	schema, err := pgutil.ParseSchemaFromConnstr(db.connstr)
	if err != nil {
		return Error.Wrap(err)
	}
	if schema != "" {
		if err := pgutil.CreateSchema(ctx, db.db, schema); err != nil {
			return Error.Wrap(err)
		}
	}
	migration := db.ProductionMigration()
	return Error.Wrap(migration.Run(ctx, db.log.Named("migrate")))
}

// CheckVersion checks the database is at the latest version.
func (db *DB) CheckVersion(ctx context.Context) error {
	migration := db.ProductionMigration()
	return Error.Wrap(migration.ValidateVersions(ctx, db.log))
}

// ProductionMigration returns the steps needed for migrating a tenant
// database.
func (db *DB) ProductionMigration() *migrate.Migration {
	return &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE ingest_artifact (
						id                BYTEA NOT NULL,
						entity            TEXT  NOT NULL,
						entity_id         TEXT  NOT NULL,
						content           JSONB NOT NULL,
						metadata          JSONB NOT NULL,
						ingest_job_id     BYTEA NOT NULL,
						source_updated_at TIMESTAMPTZ NOT NULL,

						PRIMARY KEY (id),
						UNIQUE (entity, entity_id)
					)`,
					`CREATE TABLE config (
						key   TEXT NOT NULL,
						value TEXT NOT NULL,

						PRIMARY KEY (key)
					)`,
				},
			},
		},
	}
}

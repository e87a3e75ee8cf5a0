// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ingestdb implements the control-plane database: tenants and
// their connected sources, backfill progress counters, and the persistent
// job queue.
package ingestdb

import (
	"context"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib" // registers pgx as a database/sql driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/inlet/shared/dbutil"
	"storj.io/inlet/shared/dbutil/pgutil"
	"storj.io/inlet/shared/tagsql"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the control database.
	Error = errs.Class("ingestdb")
)

// Options configures how the database handle is opened.
type Options struct {
	ApplicationName string
	MaxIdleConns    int
	MaxOpenConns    int
}

// DB is the control-plane database handle.
type DB struct {
	log     *zap.Logger
	db      tagsql.DB
	connstr string
	impl    dbutil.Implementation

	opts Options
}

// Open connects to the control database. Only Postgres is supported; the
// queue and the token-refresh locks depend on its advisory locks and
// SKIP LOCKED semantics.
func Open(ctx context.Context, log *zap.Logger, connstr string, opts Options) (*DB, error) {
	driver, _, impl, err := dbutil.SplitConnStr(connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if impl != dbutil.Postgres {
		return nil, Error.New("unsupported database implementation: %s", redactConnstr(connstr))
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
		connstr: connstr,
		impl:    impl,
		opts:    opts,
	}

	log.Debug("Connected", zap.String("db source", redactConnstr(connstr)))

	return db, nil
}

// Tenants returns the tenant directory.
func (db *DB) Tenants() *Tenants { return &Tenants{db: db.db} }

// Backfills returns the backfill progress counters.
func (db *DB) Backfills() *Backfills { return &Backfills{db: db.db} }

// UnderlyingTagSQL returns the raw database handle.
func (db *DB) UnderlyingTagSQL() tagsql.DB { return db.db }

// Ping checks whether the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close closes the connection.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// MigrateToLatest migrates the database to the latest version.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	schema, err := pgutil.ParseSchemaFromConnstr(db.connstr)
	if err != nil {
		return Error.New("error parsing schema: %+v", err)
	}
	if schema != "" {
		err = pgutil.CreateSchema(ctx, db.db, schema)
		if err != nil {
			return Error.New("error creating schema: %+v", err)
		}
	}

	migration := db.ProductionMigration()
	return migration.Run(ctx, db.log.Named("migrate"))
}

// CheckVersion checks that the database matches the latest migration.
func (db *DB) CheckVersion(ctx context.Context) error {
	migration := db.ProductionMigration()
	return migration.ValidateVersions(ctx, db.log)
}

// redactConnstr strips credentials from a connection URL for logging.
func redactConnstr(connstr string) string {
	u, err := url.Parse(connstr)
	if err != nil {
		return "(unparsable connstr)"
	}
	return u.Redacted()
}

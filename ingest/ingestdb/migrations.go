// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingestdb

import (
	"storj.io/inlet/private/migrate"
)

// ProductionMigration returns the steps needed for migrating the control
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
					`CREATE TABLE tenants (
						id         BYTEA NOT NULL,
						name       TEXT  NOT NULL,
						created_at TIMESTAMPTZ NOT NULL default now(),

						PRIMARY KEY (id)
					)`,
					`CREATE TABLE tenant_sources (
						tenant_id    BYTEA NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
						source       TEXT  NOT NULL,
						connected    BOOLEAN NOT NULL default true,
						subdomain    TEXT  NOT NULL default '',
						settings     JSONB NOT NULL default '{}',
						connected_at TIMESTAMPTZ NOT NULL default now(),

						PRIMARY KEY (tenant_id, source)
					)`,
					`CREATE INDEX tenant_sources_source_idx ON tenant_sources (source) WHERE connected`,
				},
			},
			{
				DB:          db.db,
				Description: "add backfill progress counters",
				Version:     1,
				Action: migrate.SQL{
					`CREATE TABLE backfills (
						id        BYTEA NOT NULL,
						tenant_id BYTEA NOT NULL REFERENCES tenants (id) ON DELETE CASCADE,
						source    TEXT  NOT NULL,

						total_ingest_jobs INT8 NOT NULL default 0,
						attempted         INT8 NOT NULL default 0,
						done              INT8 NOT NULL default 0,

						created_at TIMESTAMPTZ NOT NULL default now(),
						updated_at TIMESTAMPTZ NOT NULL default now(),

						PRIMARY KEY (id)
					)`,
					`CREATE INDEX backfills_tenant_idx ON backfills (tenant_id, source, created_at DESC)`,
				},
			},
			{
				DB:          db.db,
				Description: "add job queue",
				Version:     2,
				Action: migrate.SQL{
					`CREATE TABLE job_queue (
						id       BIGSERIAL NOT NULL,
						job_uid  BYTEA NOT NULL,
						queue    TEXT  NOT NULL,
						lane     TEXT  NOT NULL,
						dedup_id TEXT,

						body        BYTEA NOT NULL,
						attributes  JSONB,
						payload_key TEXT,

						inserted_at   TIMESTAMPTZ NOT NULL,
						visible_after TIMESTAMPTZ NOT NULL,
						receive_count INT4 NOT NULL default 0,
						receipt       BYTEA,

						PRIMARY KEY (id)
					)`,
					`CREATE INDEX job_queue_receive_idx ON job_queue (queue, visible_after, inserted_at, id)`,
					`CREATE INDEX job_queue_lane_idx ON job_queue (queue, lane, visible_after)`,
					`CREATE INDEX job_queue_payload_idx ON job_queue (payload_key) WHERE payload_key IS NOT NULL`,
					`CREATE TABLE job_queue_dedup (
						queue       TEXT NOT NULL,
						dedup_id    TEXT NOT NULL,
						inserted_at TIMESTAMPTZ NOT NULL,

						PRIMARY KEY (queue, dedup_id)
					)`,
				},
			},
			{
				DB:          db.db,
				Description: "add dead letter table",
				Version:     3,
				Action: migrate.SQL{
					`CREATE TABLE job_queue_dead (
						id       INT8  NOT NULL,
						job_uid  BYTEA NOT NULL,
						queue    TEXT  NOT NULL,
						lane     TEXT  NOT NULL,
						dedup_id TEXT,

						body        BYTEA NOT NULL,
						attributes  JSONB,
						payload_key TEXT,

						inserted_at   TIMESTAMPTZ NOT NULL,
						dead_since    TIMESTAMPTZ NOT NULL,
						receive_count INT4 NOT NULL,

						PRIMARY KEY (id)
					)`,
					`CREATE INDEX job_queue_dead_queue_idx ON job_queue_dead (queue, dead_since)`,
				},
			},
			{
				DB:          db.db,
				Description: "add encrypted secrets table",
				Version:     4,
				Action: migrate.SQL{
					`CREATE TABLE vault_secrets (
						path       TEXT  NOT NULL,
						nonce      BYTEA NOT NULL,
						ciphertext BYTEA NOT NULL,
						updated_at TIMESTAMPTZ NOT NULL default now(),

						PRIMARY KEY (path)
					)`,
				},
			},
		},
	}
}

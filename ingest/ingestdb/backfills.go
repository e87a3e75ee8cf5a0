// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingestdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/shared/tagsql"
)

// ErrBackfillNotFound is returned when a backfill does not exist.
var ErrBackfillNotFound = errs.Class("backfill not found")

// Backfill tracks the fan-out progress of one full backfill run.
//
// TotalIngestJobs is raised by parents before they send children, so
// Done == TotalIngestJobs only ever becomes true once the whole tree has
// run.
type Backfill struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Source   source.Source

	TotalIngestJobs int64
	Attempted       int64
	Done            int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Finished reports whether every fanned-out job of the backfill ran to
// completion.
func (b Backfill) Finished() bool {
	return b.TotalIngestJobs > 0 && b.Done >= b.TotalIngestJobs
}

// Backfills is the backfill progress store.
type Backfills struct {
	db tagsql.DB
}

var _ extractor.Progress = (*Backfills)(nil)

// Create starts tracking a new backfill run.
func (backfills *Backfills) Create(ctx context.Context, tenantID uuid.UUID, src source.Source) (_ Backfill, err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := uuid.New()
	if err != nil {
		return Backfill{}, Error.Wrap(err)
	}

	var backfill Backfill
	err = backfills.db.QueryRowContext(ctx, `
		INSERT INTO backfills (id, tenant_id, source)
		VALUES ($1, $2, $3)
		RETURNING id, tenant_id, source, total_ingest_jobs, attempted, done, created_at, updated_at
	`, id, tenantID, src).Scan(
		&backfill.ID, &backfill.TenantID, &backfill.Source,
		&backfill.TotalIngestJobs, &backfill.Attempted, &backfill.Done,
		&backfill.CreatedAt, &backfill.UpdatedAt,
	)
	return backfill, Error.Wrap(err)
}

// Get returns the backfill by id.
func (backfills *Backfills) Get(ctx context.Context, id uuid.UUID) (_ Backfill, err error) {
	defer mon.Task()(&ctx)(&err)

	var backfill Backfill
	err = backfills.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, source, total_ingest_jobs, attempted, done, created_at, updated_at
		FROM backfills WHERE id = $1
	`, id).Scan(
		&backfill.ID, &backfill.TenantID, &backfill.Source,
		&backfill.TotalIngestJobs, &backfill.Attempted, &backfill.Done,
		&backfill.CreatedAt, &backfill.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Backfill{}, ErrBackfillNotFound.New("%s", id)
	}
	return backfill, Error.Wrap(err)
}

// Latest returns the most recent backfill of a (tenant, source), or
// ErrBackfillNotFound when none ran yet.
func (backfills *Backfills) Latest(ctx context.Context, tenantID uuid.UUID, src source.Source) (_ Backfill, err error) {
	defer mon.Task()(&ctx)(&err)

	var backfill Backfill
	err = backfills.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, source, total_ingest_jobs, attempted, done, created_at, updated_at
		FROM backfills
		WHERE tenant_id = $1 AND source = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, tenantID, src).Scan(
		&backfill.ID, &backfill.TenantID, &backfill.Source,
		&backfill.TotalIngestJobs, &backfill.Attempted, &backfill.Done,
		&backfill.CreatedAt, &backfill.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Backfill{}, ErrBackfillNotFound.New("%s/%s", tenantID, src)
	}
	return backfill, Error.Wrap(err)
}

// ListByTenant returns the backfills of a tenant, newest first.
func (backfills *Backfills) ListByTenant(ctx context.Context, tenantID uuid.UUID) (_ []Backfill, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := backfills.db.QueryContext(ctx, `
		SELECT id, tenant_id, source, total_ingest_jobs, attempted, done, created_at, updated_at
		FROM backfills
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
	`, tenantID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var all []Backfill
	for rows.Next() {
		var backfill Backfill
		if err := rows.Scan(
			&backfill.ID, &backfill.TenantID, &backfill.Source,
			&backfill.TotalIngestJobs, &backfill.Attempted, &backfill.Done,
			&backfill.CreatedAt, &backfill.UpdatedAt,
		); err != nil {
			return nil, Error.Wrap(err)
		}
		all = append(all, backfill)
	}
	return all, Error.Wrap(rows.Err())
}

// AddTotal implements extractor.Progress.
func (backfills *Backfills) AddTotal(ctx context.Context, backfillID uuid.UUID, delta int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	return backfills.add(ctx, backfillID, `total_ingest_jobs = total_ingest_jobs + $2`, delta)
}

// AddAttempted implements extractor.Progress.
func (backfills *Backfills) AddAttempted(ctx context.Context, backfillID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return backfills.add(ctx, backfillID, `attempted = attempted + $2`, 1)
}

// AddDone implements extractor.Progress.
func (backfills *Backfills) AddDone(ctx context.Context, backfillID uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)
	return backfills.add(ctx, backfillID, `done = done + $2`, 1)
}

// Finished implements extractor.Progress.
func (backfills *Backfills) Finished(ctx context.Context, backfillID uuid.UUID) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	backfill, err := backfills.Get(ctx, backfillID)
	if err != nil {
		return false, err
	}
	return backfill.Finished(), nil
}

func (backfills *Backfills) add(ctx context.Context, backfillID uuid.UUID, set string, delta int64) error {
	result, err := backfills.db.ExecContext(ctx, `
		UPDATE backfills SET `+set+`, updated_at = now() WHERE id = $1
	`, backfillID, delta)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrBackfillNotFound.New("%s", backfillID)
	}
	return nil
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tenantdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/shared/tagsql"
)

// Artifacts is the tenant's ingest_artifact table.
type Artifacts struct {
	db tagsql.DB
}

var _ artifact.Store = (*Artifacts)(nil)

// UpsertBatch implements artifact.Store.
func (store *Artifacts) UpsertBatch(ctx context.Context, artifacts []artifact.Artifact) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(artifacts) == 0 {
		return nil
	}

	// Feeding the same identity twice to one upsert is an error in
	// Postgres; keep the last occurrence.
	seen := make(map[string]int, len(artifacts))
	batch := make([]artifact.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		key := a.Entity + "\x00" + a.EntityID
		if at, ok := seen[key]; ok {
			batch[at] = a
			continue
		}
		seen[key] = len(batch)
		batch = append(batch, a)
	}

	ids := make([][]byte, len(batch))
	entities := make([]string, len(batch))
	entityIDs := make([]string, len(batch))
	contents := make([]string, len(batch))
	metadatas := make([]string, len(batch))
	jobIDs := make([][]byte, len(batch))
	updatedAts := make([]time.Time, len(batch))
	for i, a := range batch {
		ids[i] = a.ID.Bytes()
		entities[i] = a.Entity
		entityIDs[i] = a.EntityID
		contents[i] = string(a.Content)
		metadata := a.Metadata
		if len(metadata) == 0 {
			metadata = json.RawMessage(`{}`)
		}
		metadatas[i] = string(metadata)
		jobIDs[i] = a.IngestJobID.Bytes()
		updatedAts[i] = a.SourceUpdatedAt
	}

	_, err = store.db.ExecContext(ctx, `
		INSERT INTO ingest_artifact (id, entity, entity_id, content, metadata, ingest_job_id, source_updated_at)
		SELECT unnest($1::BYTEA[]), unnest($2::TEXT[]), unnest($3::TEXT[]), unnest($4::TEXT[])::JSONB, unnest($5::TEXT[])::JSONB, unnest($6::BYTEA[]), unnest($7::TIMESTAMPTZ[])
		ON CONFLICT (entity, entity_id) DO UPDATE
		SET content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			ingest_job_id = EXCLUDED.ingest_job_id,
			source_updated_at = EXCLUDED.source_updated_at
	`, ids, entities, entityIDs, contents, metadatas, jobIDs, updatedAts)
	if err != nil {
		return Error.Wrap(err)
	}
	mon.Meter("artifact_upserted").Mark(len(batch))
	return nil
}

// Get implements artifact.Store.
func (store *Artifacts) Get(ctx context.Context, entity, entityID string) (_ artifact.Artifact, err error) {
	defer mon.Task()(&ctx)(&err)

	var a artifact.Artifact
	var content, metadata []byte
	err = store.db.QueryRowContext(ctx, `
		SELECT id, entity, entity_id, content, metadata, ingest_job_id, source_updated_at
		FROM ingest_artifact
		WHERE entity = $1 AND entity_id = $2
	`, entity, entityID).Scan(
		&a.ID, &a.Entity, &a.EntityID, &content, &metadata, &a.IngestJobID, &a.SourceUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return artifact.Artifact{}, artifact.ErrNotFound.New("%s %s", entity, entityID)
	}
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a.Content = content
	a.Metadata = metadata
	return a, nil
}

// ListEntityIDs implements artifact.Store.
func (store *Artifacts) ListEntityIDs(ctx context.Context, entity string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := store.db.QueryContext(ctx, `
		SELECT entity_id FROM ingest_artifact
		WHERE entity = $1
		ORDER BY entity_id
	`, entity)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var entityIDs []string
	for rows.Next() {
		var entityID string
		if err := rows.Scan(&entityID); err != nil {
			return nil, Error.Wrap(err)
		}
		entityIDs = append(entityIDs, entityID)
	}
	return entityIDs, Error.Wrap(rows.Err())
}

// Delete implements artifact.Store.
func (store *Artifacts) Delete(ctx context.Context, entity, entityID string) (deleted bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := store.db.ExecContext(ctx, `
		DELETE FROM ingest_artifact WHERE entity = $1 AND entity_id = $2
	`, entity, entityID)
	if err != nil {
		return false, Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, Error.Wrap(err)
	}
	return affected > 0, nil
}

// Count implements artifact.Store.
func (store *Artifacts) Count(ctx context.Context, entity string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = store.db.QueryRowContext(ctx, `
		SELECT count(*) FROM ingest_artifact WHERE entity = $1
	`, entity).Scan(&count)
	return count, Error.Wrap(err)
}

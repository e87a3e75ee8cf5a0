// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package artifact defines the normalized snapshot records produced by
// extractors and the store they are upserted into.
package artifact

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	// Error is the default error class for artifacts.
	Error = errs.Class("artifact")
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errs.Class("artifact not found")
)

// Artifact is an immutable snapshot of one source record.
//
// An artifact is uniquely identified by (tenant, Entity, EntityID); the
// tenant is implied by which store holds it. Mutation happens only by
// replacement through upsert.
type Artifact struct {
	ID              uuid.UUID
	Entity          string // entity kind, e.g. "teamwork_task", "salesforce_account"
	EntityID        string // "<source>_<provider_id>"
	Content         json.RawMessage
	Metadata        json.RawMessage
	IngestJobID     uuid.UUID
	SourceUpdatedAt time.Time
}

// Store is the per-tenant artifact table.
type Store interface {
	// UpsertBatch inserts the artifacts, replacing rows that share
	// (entity, entity_id).
	UpsertBatch(ctx context.Context, artifacts []Artifact) error
	// Get returns the artifact by its identity, or ErrNotFound.
	Get(ctx context.Context, entity, entityID string) (Artifact, error)
	// ListEntityIDs returns every entity_id stored for the entity kind.
	ListEntityIDs(ctx context.Context, entity string) ([]string, error)
	// Delete removes the artifact; deleted is false when it did not exist.
	Delete(ctx context.Context, entity, entityID string) (deleted bool, err error)
	// Count returns the number of artifacts for the entity kind.
	Count(ctx context.Context, entity string) (int64, error)
}

// New builds an artifact with a fresh id.
func New(entity, entityID string, content, metadata json.RawMessage, ingestJobID uuid.UUID, sourceUpdatedAt time.Time) (Artifact, error) {
	id, err := uuid.New()
	if err != nil {
		return Artifact{}, Error.Wrap(err)
	}
	if metadata == nil {
		metadata = json.RawMessage(`{}`)
	}
	return Artifact{
		ID:              id,
		Entity:          entity,
		EntityID:        entityID,
		Content:         content,
		Metadata:        metadata,
		IngestJobID:     ingestJobID,
		SourceUpdatedAt: sourceUpdatedAt,
	}, nil
}

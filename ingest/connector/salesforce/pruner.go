// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package salesforce

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/pruner"
	"storj.io/inlet/ingest/source"
)

// Pruner removes records of one object type from the artifact store and
// the document index. Document ids match entity ids, so no resolver is
// bound.
type Pruner struct {
	inner *pruner.Pruner
}

// NewPruner builds the deletion façade of one object type.
func NewPruner(log *zap.Logger, tenant uuid.UUID, artifacts artifact.Store, index indexer.Index, objectType string) *Pruner {
	return &Pruner{
		inner: pruner.New(log, tenant, artifacts, index, entityKind(objectType), nil),
	}
}

// DeleteRecord removes one record everywhere it is materialized.
func (p *Pruner) DeleteRecord(ctx context.Context, recordID string) (bool, error) {
	return p.inner.DeleteEntity(ctx, source.Salesforce.EntityID(recordID))
}

// DeleteRecords removes a batch, attempting every record before
// reporting the combined error.
func (p *Pruner) DeleteRecords(ctx context.Context, recordIDs []string) error {
	entityIDs := make([]string, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		entityIDs = append(entityIDs, source.Salesforce.EntityID(recordID))
	}
	return p.inner.DeleteEntities(ctx, entityIDs)
}

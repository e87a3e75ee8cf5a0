// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pruner removes every trace of an entity: the artifact row in
// the tenant database and the document in the downstream index. It is
// the single path for deletion cascades, whether triggered by a change
// event, a privacy flip, or stale reconciliation.
package pruner

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/indexer"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("pruner")
)

// DocIDResolver maps an entity id onto its downstream document id.
type DocIDResolver func(entityID string) string

// Pruner deletes one entity kind for one tenant. Connector packages bind
// the entity kind and the doc-id resolver and hand out ready pruners.
type Pruner struct {
	log       *zap.Logger
	tenant    uuid.UUID
	artifacts artifact.Store
	index     indexer.Index
	entity    string
	docID     DocIDResolver
}

// New creates a Pruner. A nil resolver means document ids equal entity
// ids.
func New(log *zap.Logger, tenant uuid.UUID, artifacts artifact.Store, index indexer.Index, entity string, resolver DocIDResolver) *Pruner {
	if resolver == nil {
		resolver = func(entityID string) string { return entityID }
	}
	return &Pruner{
		log:       log,
		tenant:    tenant,
		artifacts: artifacts,
		index:     index,
		entity:    entity,
		docID:     resolver,
	}
}

// DeleteEntity removes the entity from the artifact store and the index.
// It reports true only when both deletions went through; deleting what
// is already absent counts as success.
func (pruner *Pruner) DeleteEntity(ctx context.Context, entityID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	removed, err := pruner.artifacts.Delete(ctx, pruner.entity, entityID)
	if err != nil {
		return false, Error.Wrap(err)
	}

	docID := pruner.docID(entityID)
	if err := pruner.index.DeleteDocument(ctx, pruner.tenant, docID); err != nil {
		return false, Error.Wrap(err)
	}

	pruner.log.Debug("entity pruned",
		zap.String("entity", pruner.entity),
		zap.String("entity_id", entityID),
		zap.Bool("had_artifact", removed))
	mon.Counter("pruned_entities").Inc(1)
	return true, nil
}

// DeleteEntities prunes each entity, trying all of them even when some
// fail. A non-nil error means at least one entity may still be indexed,
// so callers must not advance their cursor past it.
func (pruner *Pruner) DeleteEntities(ctx context.Context, entityIDs []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	for _, entityID := range entityIDs {
		if _, err := pruner.DeleteEntity(ctx, entityID); err != nil {
			group.Add(err)
		}
	}
	return group.Err()
}

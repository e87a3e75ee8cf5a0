// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package teamwork

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/pruner"
	"storj.io/inlet/ingest/source"
)

// TaskPruner removes task artifacts and index documents when tasks are
// deleted upstream or flip to private.
type TaskPruner struct {
	inner *pruner.Pruner
}

// NewTaskPruner builds a pruner scoped to one tenant's task artifacts.
func NewTaskPruner(log *zap.Logger, tenant uuid.UUID, artifacts artifact.Store, index indexer.Index) *TaskPruner {
	return &TaskPruner{
		inner: pruner.New(log, tenant, artifacts, index, entityTask, nil),
	}
}

// DeleteTasks prunes tasks by provider id. A non-nil error means at
// least one task may still be indexed, so the caller must hold its
// watermark.
func (p *TaskPruner) DeleteTasks(ctx context.Context, taskIDs []string) error {
	entityIDs := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		entityIDs = append(entityIDs, source.TeamworkTask.EntityID(id))
	}
	return p.inner.DeleteEntities(ctx, entityIDs)
}

// DeleteDocuments prunes tasks by document id, as returned by FindStale.
func (p *TaskPruner) DeleteDocuments(ctx context.Context, docIDs []string) error {
	return p.inner.DeleteEntities(ctx, docIDs)
}

// FindStale returns the indexed documents that should no longer be
// indexed according to fetch.
func (p *TaskPruner) FindStale(ctx context.Context, fetch pruner.StateFetcher) ([]string, error) {
	return p.inner.FindStaleDocuments(ctx, fetch)
}

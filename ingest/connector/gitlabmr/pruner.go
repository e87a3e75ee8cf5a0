// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package gitlabmr

import (
	"context"

	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/pruner"
	"storj.io/inlet/ingest/source"
)

// FilePruner removes repository file artifacts and their index documents
// when the commit diff reports paths as deleted.
type FilePruner struct {
	inner *pruner.Pruner
}

// NewFilePruner builds a pruner scoped to one tenant's file artifacts.
func NewFilePruner(log *zap.Logger, tenant uuid.UUID, artifacts artifact.Store, index indexer.Index) *FilePruner {
	return &FilePruner{
		inner: pruner.New(log, tenant, artifacts, index, entityFile, nil),
	}
}

// DeleteFile prunes one repository path. It reports whether an artifact
// existed.
func (p *FilePruner) DeleteFile(ctx context.Context, projectID, path string) (bool, error) {
	return p.inner.DeleteEntity(ctx, source.GitLabMR.ScopedEntityID(projectID, path))
}

// DeleteFiles prunes several paths of one project. Any failure keeps the
// commit cursor where it was, so the next diff re-reports the paths.
func (p *FilePruner) DeleteFiles(ctx context.Context, projectID string, paths []string) error {
	entityIDs := make([]string, 0, len(paths))
	for _, path := range paths {
		entityIDs = append(entityIDs, source.GitLabMR.ScopedEntityID(projectID, path))
	}
	return p.inner.DeleteEntities(ctx, entityIDs)
}

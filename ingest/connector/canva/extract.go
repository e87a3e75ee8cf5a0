// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package canva

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/pruner"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

// Register wires the Canva extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.CanvaDesign, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.CanvaDesign, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.CanvaDesign, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// clientFor resolves the tenant's connection before building a client,
// so disconnected tenants fail terminally instead of burning retries.
func clientFor(ctx context.Context, env *extractor.Env) (*Client, error) {
	if _, err := env.Conn.Sources.Connection(ctx, env.Tenant, source.CanvaDesign); err != nil {
		return nil, err
	}
	return NewClient(env.Conn, env.Tenant)
}

// runRootBackfill lists every design and fans out refetch batches. The
// continuation cursor is persisted after each page, so a redelivered
// root resumes the listing; re-fanning an already sent page only
// duplicates idempotent upserts.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}

	prefix := syncstate.PrefixFor(source.CanvaDesign)
	cursor, resuming, err := env.State.Cursor(ctx, prefix)
	if err != nil {
		return Error.Wrap(err)
	}
	if !resuming {
		if _, err := extractor.StampBackfillStart(ctx, env, source.CanvaDesign); err != nil {
			return err
		}
	}

	for {
		designs, next, err := client.Designs(ctx, cursor, "")
		if err != nil {
			return err
		}

		ids := make([]string, 0, len(designs))
		for _, design := range designs {
			ids = append(ids, design.ID)
		}
		var children []jobs.Config
		for _, batch := range connector.Chunk(ids, DesignBatchSize) {
			children = append(children, jobs.ProcessBatch{
				TenantID:             cfg.TenantID,
				Connector:            source.CanvaDesign,
				BackfillID:           cfg.BackfillID,
				EntityIDs:            batch,
				SuppressNotification: cfg.SuppressNotification,
			})
		}
		if err := extractor.FanOut(ctx, env, cfg.BackfillID, children); err != nil {
			return err
		}

		if err := env.State.SetCursor(ctx, prefix, next); err != nil {
			return Error.Wrap(err)
		}
		if next == "" {
			return nil
		}
		cursor = next
	}
}

// runProcessBatch refetches a batch of designs fully. Ids that no longer
// resolve are pruned.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("canva jobs batch by entity ids")
	}
	if len(cfg.EntityIDs) == 0 {
		return nil
	}
	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}

	var designs []Design
	var gone []string
	for _, id := range cfg.EntityIDs {
		design, err := client.Design(ctx, id)
		if connector.ErrNotFound.Has(err) {
			// Deleted between listing and refetch.
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return err
		}
		designs = append(designs, design)
	}

	if err := upsertDesigns(ctx, jobID, env, designs, cfg.SuppressNotification); err != nil {
		return err
	}
	return pruneDesigns(ctx, env, gone)
}

// runIncremental walks the listing newest-modified first and stops at
// the first design not newer than the watermark. List items carry the
// same summaries the single-design endpoint returns, so the pass
// upserts them directly.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.CanvaDesign); err != nil {
		return err
	}
	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.CanvaDesign))
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return extractor.ErrTerminal.New("incremental sync requires a watermark")
	}
	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}

	syncStart := time.Now().UTC()
	cursor := ""
	for {
		designs, next, err := client.Designs(ctx, cursor, sortModifiedDescending)
		if err != nil {
			return err
		}
		changed, reached := splitAtWatermark(designs, watermark)
		if err := upsertDesigns(ctx, jobID, env, changed, cfg.SuppressNotification); err != nil {
			return err
		}
		if reached || next == "" {
			break
		}
		cursor = next
	}
	return extractor.AdvanceWatermark(ctx, env, source.CanvaDesign, syncStart)
}

// splitAtWatermark cuts a newest-first page at the watermark: everything
// before the cut changed since the last pass.
func splitAtWatermark(designs []Design, watermark time.Time) (changed []Design, reached bool) {
	for _, design := range designs {
		if !design.UpdatedAt.After(watermark) {
			return changed, true
		}
		changed = append(changed, design)
	}
	return changed, false
}

func upsertDesigns(ctx context.Context, jobID uuid.UUID, env *extractor.Env, designs []Design, suppress bool) error {
	artifacts := make([]artifact.Artifact, 0, len(designs))
	for _, design := range designs {
		a, err := designArtifact(jobID, design)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	return extractor.UpsertAll(ctx, env, source.CanvaDesign, artifacts, suppress)
}

func pruneDesigns(ctx context.Context, env *extractor.Env, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		entityIDs = append(entityIDs, source.CanvaDesign.EntityID(id))
	}
	designs := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityDesign, nil)
	return designs.DeleteEntities(ctx, entityIDs)
}

func designArtifact(jobID uuid.UUID, design Design) (artifact.Artifact, error) {
	metadata, err := json.Marshal(map[string]string{
		"design_id": design.ID,
		"title":     design.Title,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityDesign, source.CanvaDesign.EntityID(design.ID),
		design.Raw, metadata, jobID, design.UpdatedAt)
	return a, Error.Wrap(err)
}

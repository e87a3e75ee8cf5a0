// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pipedrive

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

// Register wires the Pipedrive extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.PipedriveDeal, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.PipedriveDeal, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.PipedriveDeal, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// runRootBackfill stamps the watermark, lists every deal id, and fans
// the refetch batches out directly.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	if _, err := extractor.StampBackfillStart(ctx, env, source.PipedriveDeal); err != nil {
		return err
	}
	ids, err := client.DealIDs(ctx)
	if err != nil {
		return err
	}

	var children []jobs.Config
	for _, batch := range connector.Chunk(ids, DealBatchSize) {
		children = append(children, jobs.ProcessBatch{
			TenantID:             cfg.TenantID,
			Connector:            source.PipedriveDeal,
			BackfillID:           cfg.BackfillID,
			EntityIDs:            batch,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runProcessBatch refetches the batched deals in full, notes included.
// Deals that vanished or moved to status deleted since the listing are
// pruned instead.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("pipedrive jobs batch by entity ids")
	}
	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	artifacts, gone, err := fetchDeals(ctx, jobID, client, cfg.EntityIDs)
	if err != nil {
		return err
	}
	if err := extractor.UpsertAll(ctx, env, source.PipedriveDeal, artifacts, cfg.SuppressNotification); err != nil {
		return err
	}
	return pruneDeals(ctx, env, gone)
}

// runIncremental asks the recents feed which deals changed since the
// watermark and refetches them inline. The feed reports deletions too,
// so pruning rides the same pass.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.PipedriveDeal); err != nil {
		return err
	}
	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.PipedriveDeal))
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return extractor.ErrTerminal.New("incremental sync requires a watermark")
	}
	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	syncStart := time.Now().UTC()
	ids, err := client.RecentDealIDs(ctx, watermark)
	if err != nil {
		return err
	}
	artifacts, gone, err := fetchDeals(ctx, jobID, client, ids)
	if err != nil {
		return err
	}
	if err := extractor.UpsertAll(ctx, env, source.PipedriveDeal, artifacts, cfg.SuppressNotification); err != nil {
		return err
	}
	if err := pruneDeals(ctx, env, gone); err != nil {
		return err
	}
	return extractor.AdvanceWatermark(ctx, env, source.PipedriveDeal, syncStart)
}

// fetchDeals resolves each id into an artifact, splitting off the ids
// that no longer resolve or resolve to a deleted deal.
func fetchDeals(ctx context.Context, jobID uuid.UUID, client *Client, ids []string) (artifacts []artifact.Artifact, gone []string, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, id := range ids {
		deal, err := client.Deal(ctx, id)
		if connector.ErrNotFound.Has(err) {
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if deal.Deleted() {
			gone = append(gone, id)
			continue
		}
		a, err := dealArtifact(ctx, client, jobID, deal)
		if err != nil {
			return nil, nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, gone, nil
}

func pruneDeals(ctx context.Context, env *extractor.Env, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		entityIDs = append(entityIDs, source.PipedriveDeal.EntityID(id))
	}
	deals := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityDeal, nil)
	return deals.DeleteEntities(ctx, entityIDs)
}

// dealArtifact bundles one deal with its notes.
func dealArtifact(ctx context.Context, client *Client, jobID uuid.UUID, deal Deal) (artifact.Artifact, error) {
	id := formatDealID(deal.ID)
	notes, err := client.DealNotes(ctx, id)
	if err != nil {
		return artifact.Artifact{}, err
	}
	content, err := json.Marshal(map[string]any{
		"deal":  deal.Raw,
		"notes": notes,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	metadata, err := json.Marshal(map[string]string{
		"deal_id": id,
		"title":   deal.Title,
		"status":  deal.Status,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityDeal, source.PipedriveDeal.EntityID(id),
		content, metadata, jobID, deal.UpdateTime)
	return a, Error.Wrap(err)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package salesforce

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
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

// Register wires the Salesforce extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.Salesforce, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.Salesforce, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
		registry.Add(source.Salesforce, jobs.KindObjectSync, extractor.Typed(runObjectSync)),
		registry.Add(source.Salesforce, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.Salesforce, jobs.KindCDCEventBatch, extractor.Typed(runCDCBatch)),
	)
}

// runRootBackfill enumerates the ids of every configured object and fans
// out one process job per ChildBatchSize ids. The watermark is stamped
// per object before enumeration, so rows mutated while the backfill runs
// fall after it and are re-read by the first object sync.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, settings, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	var children []jobs.Config
	for _, objectType := range settings.ObjectTypes() {
		if _, err := extractor.StampBackfillStart(ctx, env, source.Salesforce, scopeOf(objectType)); err != nil {
			return err
		}
		ids, err := client.AllIDs(ctx, objectType)
		if err != nil {
			return err
		}
		for _, batch := range connector.Chunk(ids, ChildBatchSize) {
			children = append(children, jobs.ProcessBatch{
				TenantID:             cfg.TenantID,
				Connector:            source.Salesforce,
				BackfillID:           cfg.BackfillID,
				ObjectBatches:        []jobs.ObjectBatch{{ObjectType: objectType, RecordIDs: batch}},
				SuppressNotification: cfg.SuppressNotification,
			})
		}
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runIncremental fans out one object sync per configured object. It runs
// only after the backfill completed; before that a delta would silently
// skip history.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.Salesforce); err != nil {
		return err
	}
	conn, err := env.Conn.Sources.Connection(ctx, env.Tenant, source.Salesforce)
	if err != nil {
		return Error.Wrap(err)
	}
	settings, err := ParseSettings(conn.Settings)
	if err != nil {
		return err
	}
	for _, objectType := range settings.ObjectTypes() {
		err := env.Queue.SendBackfillIngest(ctx, jobs.ObjectSync{
			TenantID:             cfg.TenantID,
			Connector:            source.Salesforce,
			ObjectType:           objectType,
			SuppressNotification: cfg.SuppressNotification,
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// runObjectSync pulls the rows of one object modified since the stored
// watermark and replaces their artifacts. The watermark only advances
// when every row of the pass was written.
func runObjectSync(ctx context.Context, jobID uuid.UUID, cfg jobs.ObjectSync, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	scope := scopeOf(cfg.ObjectType)
	if err := extractor.RequireIncremental(ctx, env, source.Salesforce, scope); err != nil {
		return err
	}
	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.Salesforce), scope)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return extractor.ErrTerminal.New("object sync for %s has no watermark", cfg.ObjectType)
	}

	client, _, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	syncStart := time.Now().UTC()
	ids, err := client.ModifiedIDs(ctx, cfg.ObjectType, watermark)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		records, err := client.RecordsByIDs(ctx, cfg.ObjectType, ids)
		if err != nil {
			return err
		}
		artifacts, err := recordArtifacts(jobID, cfg.ObjectType, records)
		if err != nil {
			return err
		}
		if err := extractor.UpsertAll(ctx, env, source.Salesforce, artifacts, cfg.SuppressNotification); err != nil {
			return err
		}
	}
	return extractor.AdvanceWatermark(ctx, env, source.Salesforce, syncStart, scope)
}

// runProcessBatch fetches the full rows of each id batch and upserts
// their artifacts.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, _, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	var artifacts []artifact.Artifact
	for _, batch := range cfg.ObjectBatches {
		records, err := client.RecordsByIDs(ctx, batch.ObjectType, batch.RecordIDs)
		if err != nil {
			return err
		}
		built, err := recordArtifacts(jobID, batch.ObjectType, records)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, built...)
	}
	return extractor.UpsertAll(ctx, env, source.Salesforce, artifacts, cfg.SuppressNotification)
}

// runCDCBatch applies decoded change events: deletes go through the
// pruner, everything else refetches the named records and replaces their
// artifacts. The CDC payload itself is never trusted as record content,
// since change events carry only the mutated columns.
func runCDCBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.CDCEventBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	refetch := map[string][]string{}
	deletions := map[string][]string{}
	for _, event := range cfg.Events {
		switch event.Operation {
		case jobs.OpDelete:
			deletions[event.ObjectType] = append(deletions[event.ObjectType], event.RecordID)
		case jobs.OpInsert, jobs.OpUpdate, jobs.OpUndelete:
			refetch[event.ObjectType] = append(refetch[event.ObjectType], event.RecordID)
		default:
			return extractor.ErrTerminal.New("unknown change operation %q", event.Operation)
		}
	}

	for objectType, recordIDs := range deletions {
		pruner := NewPruner(env.Log, env.Tenant, env.Artifacts, env.Index, objectType)
		if err := pruner.DeleteRecords(ctx, recordIDs); err != nil {
			return err
		}
	}

	if len(refetch) == 0 {
		return nil
	}
	client, _, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	for objectType, recordIDs := range refetch {
		records, err := client.RecordsByIDs(ctx, objectType, recordIDs)
		if err != nil {
			return err
		}
		artifacts, err := recordArtifacts(jobID, objectType, records)
		if err != nil {
			return err
		}
		if err := extractor.UpsertAll(ctx, env, source.Salesforce, artifacts, cfg.SuppressNotification); err != nil {
			return err
		}

		// Records deleted between the event and the refetch come back
		// empty; treat them like a delete event so no artifact outlives
		// its source row.
		if len(records) < len(recordIDs) {
			returned := make(map[string]bool, len(records))
			for _, record := range records {
				returned[record.ID] = true
			}
			pruner := NewPruner(env.Log, env.Tenant, env.Artifacts, env.Index, objectType)
			for _, recordID := range recordIDs {
				if returned[recordID] {
					continue
				}
				if _, err := pruner.DeleteRecord(ctx, recordID); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// recordArtifacts converts fetched rows into artifacts.
func recordArtifacts(jobID uuid.UUID, objectType string, records []Record) ([]artifact.Artifact, error) {
	artifacts := make([]artifact.Artifact, 0, len(records))
	for _, record := range records {
		content, err := json.Marshal(record.Fields)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		metadata, err := json.Marshal(map[string]string{
			"object_type": objectType,
			"record_id":   record.ID,
		})
		if err != nil {
			return nil, Error.Wrap(err)
		}
		built, err := artifact.New(entityKind(objectType), source.Salesforce.EntityID(record.ID), content, metadata, jobID, record.ModifiedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		artifacts = append(artifacts, built)
	}
	return artifacts, nil
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package attio

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/pruner"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

// Register wires the Attio extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.AttioRecord, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.AttioRecord, jobs.KindEnumerateContainer, extractor.Typed(runEnumerate)),
		registry.Add(source.AttioRecord, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.AttioRecord, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// clientFor resolves the tenant's connection before building a client,
// so disconnected tenants fail terminally instead of burning retries.
func clientFor(ctx context.Context, env *extractor.Env) (*Client, error) {
	if _, err := env.Conn.Sources.Connection(ctx, env.Tenant, source.AttioRecord); err != nil {
		return nil, err
	}
	return NewClient(env.Conn, env.Tenant)
}

// runRootBackfill fans one enumeration per workspace object.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}
	objects, err := client.Objects(ctx)
	if err != nil {
		return err
	}

	children := make([]jobs.Config, 0, len(objects))
	for _, object := range objects {
		children = append(children, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.AttioRecord,
			BackfillID:           cfg.BackfillID,
			ContainerID:          object.Slug,
			ContainerName:        object.Title,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runEnumerate stamps the object's watermark and fans out refetch
// batches over its record ids.
func runEnumerate(ctx context.Context, jobID uuid.UUID, cfg jobs.EnumerateContainer, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}
	object := cfg.ContainerID

	if _, err := extractor.StampBackfillStart(ctx, env, source.AttioRecord, object); err != nil {
		return err
	}
	ids, err := client.RecordIDs(ctx, object)
	if err != nil {
		return err
	}

	var children []jobs.Config
	for _, batch := range connector.Chunk(ids, RecordBatchSize) {
		children = append(children, jobs.ProcessBatch{
			TenantID:             cfg.TenantID,
			Connector:            source.AttioRecord,
			BackfillID:           cfg.BackfillID,
			ContainerID:          object,
			EntityIDs:            batch,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runProcessBatch refetches the batched records through the query
// endpoint. Ids the query no longer returns were deleted between the
// listing and the refetch and are pruned.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("attio jobs batch by entity ids")
	}
	if cfg.ContainerID == "" {
		return extractor.ErrTerminal.New("attio batches are scoped to an object")
	}
	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}

	records, err := client.RecordsByIDs(ctx, cfg.ContainerID, cfg.EntityIDs)
	if err != nil {
		return err
	}
	if err := upsertRecords(ctx, jobID, env, cfg.ContainerID, records, cfg.SuppressNotification); err != nil {
		return err
	}

	present := make(map[string]bool, len(records))
	for _, record := range records {
		present[record.ID] = true
	}
	var gone []string
	for _, id := range cfg.EntityIDs {
		if !present[id] {
			gone = append(gone, id)
		}
	}
	return pruneRecords(ctx, env, cfg.ContainerID, gone)
}

// runIncremental queries every object for records changed after its
// watermark. Objects created after the backfill get a fresh enumeration.
// Deletions are invisible to the updated_at query; stale reconciliation
// sweeps them.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.AttioRecord); err != nil {
		return err
	}
	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}
	objects, err := client.Objects(ctx)
	if err != nil {
		return err
	}

	var group errs.Group
	for _, object := range objects {
		group.Add(syncObject(ctx, jobID, cfg, env, client, object))
	}
	return group.Err()
}

// syncObject advances one object, moving its watermark only after every
// changed record landed.
func syncObject(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env, client *Client, object Object) (err error) {
	defer mon.Task()(&ctx)(&err)

	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.AttioRecord), object.Slug)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		// The object appeared after the backfill; enumerate it outside
		// any backfill accounting.
		env.Log.Info("enumerating new object", zap.String("object", object.Slug))
		return env.Queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.AttioRecord,
			ContainerID:          object.Slug,
			ContainerName:        object.Title,
			SuppressNotification: cfg.SuppressNotification,
		})
	}

	syncStart := time.Now().UTC()
	records, err := client.RecordsUpdatedSince(ctx, object.Slug, watermark)
	if err != nil {
		return err
	}
	if err := upsertRecords(ctx, jobID, env, object.Slug, records, cfg.SuppressNotification); err != nil {
		return err
	}
	return extractor.AdvanceWatermark(ctx, env, source.AttioRecord, syncStart, object.Slug)
}

func upsertRecords(ctx context.Context, jobID uuid.UUID, env *extractor.Env, object string, records []Record, suppress bool) error {
	artifacts := make([]artifact.Artifact, 0, len(records))
	for _, record := range records {
		a, err := recordArtifact(jobID, object, record)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	return extractor.UpsertAll(ctx, env, source.AttioRecord, artifacts, suppress)
}

func pruneRecords(ctx context.Context, env *extractor.Env, object string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		entityIDs = append(entityIDs, source.AttioRecord.ScopedEntityID(object, id))
	}
	records := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityRecord, nil)
	return records.DeleteEntities(ctx, entityIDs)
}

func recordArtifact(jobID uuid.UUID, object string, record Record) (artifact.Artifact, error) {
	metadata, err := json.Marshal(map[string]string{
		"object":    object,
		"record_id": record.ID,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	updated := record.UpdatedAt
	if updated.IsZero() {
		updated = record.CreatedAt
	}
	a, err := artifact.New(entityRecord, source.AttioRecord.ScopedEntityID(object, record.ID),
		record.Raw, metadata, jobID, updated)
	return a, Error.Wrap(err)
}

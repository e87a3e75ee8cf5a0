// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package extractor

import (
	"context"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

const (
	// UpsertBatchSize bounds one artifact upsert statement.
	UpsertBatchSize = 50

	// WatermarkOverlap is re-read on every watermark advance, absorbing
	// clock skew between provider timestamps and ours.
	WatermarkOverlap = time.Second
)

// UpsertAll writes artifacts in UpsertBatchSize chunks and, unless
// suppressed, notifies the indexer about the written entity ids.
func UpsertAll(ctx context.Context, env *Env, src source.Source, artifacts []artifact.Artifact, suppressNotification bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, batch := range connector.Chunk(artifacts, UpsertBatchSize) {
		if err := env.Artifacts.UpsertBatch(ctx, batch); err != nil {
			return Error.Wrap(err)
		}
	}
	mon.IntVal("artifacts_upserted").Observe(int64(len(artifacts)))

	if suppressNotification || len(artifacts) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		entityIDs = append(entityIDs, a.EntityID)
	}
	return indexer.NotifyBatches(ctx, env.Indexer, env.Tenant, src, entityIDs)
}

// StampBackfillStart pins SYNCED_UNTIL to now, before discovery begins.
// Changes racing the backfill fall after the watermark and are re-read by
// the first incremental pass.
func StampBackfillStart(ctx context.Context, env *Env, src source.Source, scope ...string) (time.Time, error) {
	now := time.Now().UTC()
	err := env.State.SetSyncedUntil(ctx, syncstate.PrefixFor(src), now, scope...)
	if err != nil {
		return time.Time{}, Error.Wrap(err)
	}
	return now, nil
}

// AdvanceWatermark moves SYNCED_UNTIL to syncStart minus the overlap.
// Callers invoke it only when every item of the pass succeeded; a partial
// failure keeps the old watermark so the next pass re-reads everything
// since it.
func AdvanceWatermark(ctx context.Context, env *Env, src source.Source, syncStart time.Time, scope ...string) error {
	err := env.State.SetSyncedUntil(ctx, syncstate.PrefixFor(src), syncStart.Add(-WatermarkOverlap), scope...)
	return Error.Wrap(err)
}

// RequireIncremental fails terminally when the (tenant, source) has no
// completed backfill and no watermark; running a delta sync before the
// first full sync would silently miss most of the data.
func RequireIncremental(ctx context.Context, env *Env, src source.Source, scope ...string) error {
	ok, err := env.State.CanRunIncremental(ctx, syncstate.PrefixFor(src), scope...)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		return ErrTerminal.New("incremental sync for %s requires a completed backfill", src)
	}
	return nil
}

// FanOut raises the backfill total and sends the child jobs. The total is
// raised first so done never overtakes it when a send fails midway.
func FanOut(ctx context.Context, env *Env, backfillID uuid.UUID, children []jobs.Config) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(children) == 0 {
		return nil
	}
	if !backfillID.IsZero() && env.Progress != nil {
		if err := env.Progress.AddTotal(ctx, backfillID, int64(len(children))); err != nil {
			return Error.Wrap(err)
		}
	}
	for _, child := range children {
		if err := env.Queue.SendBackfillIngest(ctx, child); err != nil {
			return Error.Wrap(err)
		}
	}
	mon.IntVal("jobs_fanned_out").Observe(int64(len(children)))
	return nil
}

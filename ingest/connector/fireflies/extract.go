// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package fireflies

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

// sliceBudget bounds the wall clock of one backfill slice. A tenant with
// years of meetings cannot drain in one queue delivery, so the walk
// hands off to a successor job before the message's visibility would
// lapse.
var sliceBudget = 30 * time.Second

// Register wires the Fireflies extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.FirefliesTranscript, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.FirefliesTranscript, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.FirefliesTranscript, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// clientFor resolves the tenant's connection before building a client,
// so disconnected tenants fail terminally instead of burning retries.
func clientFor(ctx context.Context, env *extractor.Env) (*Client, error) {
	if _, err := env.Conn.Sources.Connection(ctx, env.Tenant, source.FirefliesTranscript); err != nil {
		return nil, err
	}
	return NewClient(env.Conn, env.Tenant)
}

// resumeKey is where a sliced backfill parks the date it has walked back
// to.
func resumeKey() string {
	return syncstate.Key(syncstate.PrefixFor(source.FirefliesTranscript), "SYNCED_AFTER")
}

// runRootBackfill walks the tenant's transcripts backward from the
// present, one budgeted slice per delivery. There are no containers to
// fan out over, so the root ingests inline and chains successor jobs
// under the same backfill until the walk reaches the oldest meeting.
//
// The watermark is stamped only on the first slice. Meetings recorded
// while later slices run fall after that stamp and are picked up by the
// first incremental pass; restamping would move the handoff boundary
// past them.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}

	resume, resuming, err := env.State.Time(ctx, resumeKey())
	if err != nil {
		return Error.Wrap(err)
	}
	if !resuming {
		if _, err := extractor.StampBackfillStart(ctx, env, source.FirefliesTranscript); err != nil {
			return err
		}
	}

	oldest, exhausted, err := walkTranscripts(ctx, jobID, env, client, time.Time{}, resume, cfg.SuppressNotification)
	if err != nil {
		return err
	}
	if exhausted {
		if err := env.State.Clear(ctx, resumeKey()); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(env.State.SetBackfillComplete(ctx,
			syncstate.PrefixFor(source.FirefliesTranscript), true))
	}

	if err := env.State.SetTime(ctx, resumeKey(), oldest); err != nil {
		return Error.Wrap(err)
	}
	env.Log.Info("backfill slice spent its budget, chaining successor",
		zap.Time("resume_before", oldest))
	return env.Queue.SendBackfillIngest(ctx, jobs.RootBackfill{
		TenantID:             cfg.TenantID,
		Connector:            source.FirefliesTranscript,
		BackfillID:           cfg.BackfillID,
		SuppressNotification: cfg.SuppressNotification,
	})
}

// runProcessBatch refetches specific transcripts, typically after a
// targeted invalidation. Ids that no longer resolve are pruned.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("fireflies jobs batch by entity ids")
	}
	if len(cfg.EntityIDs) == 0 {
		return nil
	}
	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}

	var transcripts []Transcript
	var gone []string
	for _, id := range cfg.EntityIDs {
		transcript, err := client.TranscriptByID(ctx, id)
		if connector.ErrNotFound.Has(err) {
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return err
		}
		transcripts = append(transcripts, transcript)
	}

	if err := upsertTranscripts(ctx, jobID, env, transcripts, cfg.SuppressNotification); err != nil {
		return err
	}
	return pruneTranscripts(ctx, env, gone)
}

// runIncremental ingests the meetings dated after the watermark. New
// transcripts only ever appear, so a forward walk from the watermark is
// complete without enumeration.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.FirefliesTranscript); err != nil {
		return err
	}
	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.FirefliesTranscript))
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
	stopped, exhausted, err := walkTranscripts(ctx, jobID, env, client, watermark, time.Time{}, cfg.SuppressNotification)
	if err != nil {
		return err
	}
	if !exhausted {
		env.Log.Warn("incremental pass spent its budget, keeping the old watermark",
			zap.Time("stopped_before", stopped))
		return nil
	}
	return extractor.AdvanceWatermark(ctx, env, source.FirefliesTranscript, syncStart)
}

// walkTranscripts pages backward from before (zero: the present) toward
// fromDate, upserting each page as it arrives. The next page's upper
// bound is the earliest date of the current one, stepped a millisecond
// down so the boundary meeting is not refetched forever. A short page
// ends the walk; the budget ends the slice.
func walkTranscripts(ctx context.Context, jobID uuid.UUID, env *extractor.Env, client *Client, fromDate, before time.Time, suppress bool) (oldest time.Time, exhausted bool, err error) {
	defer mon.Task()(&ctx)(&err)

	deadline := time.Now().Add(sliceBudget)
	for {
		toDate := before
		if !toDate.IsZero() {
			toDate = toDate.Add(-time.Millisecond)
		}
		page, err := client.Transcripts(ctx, fromDate, toDate)
		if err != nil {
			return time.Time{}, false, err
		}
		if err := upsertTranscripts(ctx, jobID, env, page, suppress); err != nil {
			return time.Time{}, false, err
		}
		if len(page) < pageSize {
			return time.Time{}, true, nil
		}
		before = earliestDate(page)
		if !time.Now().Before(deadline) {
			return before, false, nil
		}
	}
}

func earliestDate(page []Transcript) time.Time {
	earliest := page[0].Date
	for _, transcript := range page[1:] {
		if transcript.Date.Before(earliest) {
			earliest = transcript.Date
		}
	}
	return earliest
}

func upsertTranscripts(ctx context.Context, jobID uuid.UUID, env *extractor.Env, transcripts []Transcript, suppress bool) error {
	artifacts := make([]artifact.Artifact, 0, len(transcripts))
	for _, transcript := range transcripts {
		a, err := transcriptArtifact(jobID, transcript)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	return extractor.UpsertAll(ctx, env, source.FirefliesTranscript, artifacts, suppress)
}

func pruneTranscripts(ctx context.Context, env *extractor.Env, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		entityIDs = append(entityIDs, source.FirefliesTranscript.EntityID(id))
	}
	transcripts := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityTranscript, nil)
	return transcripts.DeleteEntities(ctx, entityIDs)
}

func transcriptArtifact(jobID uuid.UUID, transcript Transcript) (artifact.Artifact, error) {
	metadata, err := json.Marshal(map[string]string{
		"transcript_id": transcript.ID,
		"title":         transcript.Title,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityTranscript, source.FirefliesTranscript.EntityID(transcript.ID),
		transcript.Raw, metadata, jobID, transcript.Date)
	return a, Error.Wrap(err)
}

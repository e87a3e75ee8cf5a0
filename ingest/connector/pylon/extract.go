// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pylon

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

// Register wires the Pylon extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.PylonIssue, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.PylonIssue, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.PylonIssue, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// resumeKey is where a sliced backfill parks the window boundary it has
// walked back to.
func resumeKey() string {
	return syncstate.Key(syncstate.PrefixFor(source.PylonIssue), "SYNCED_AFTER")
}

// runRootBackfill walks the tenant's issues backward from the present in
// listing-sized windows, one budgeted slice per delivery. There are no
// containers to fan out over, so the root ingests inline and chains
// successor jobs under the same backfill until the walk runs out of
// history.
//
// The watermark is stamped only on the first slice. Issues opened while
// later slices run fall after that stamp and are picked up by the first
// incremental pass.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	resume, resuming, err := env.State.Time(ctx, resumeKey())
	if err != nil {
		return Error.Wrap(err)
	}
	var origin time.Time
	if !resuming {
		origin, err = extractor.StampBackfillStart(ctx, env, source.PylonIssue)
		if err != nil {
			return err
		}
	} else {
		origin, _, err = env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.PylonIssue))
		if err != nil {
			return Error.Wrap(err)
		}
	}
	if origin.IsZero() {
		origin = nowFunc().UTC()
	}

	oldest, exhausted, err := walkIssues(ctx, jobID, env, client, resume, origin.Add(-backfillHistory), cfg.SuppressNotification)
	if err != nil {
		return err
	}
	if exhausted {
		if err := env.State.Clear(ctx, resumeKey()); err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(env.State.SetBackfillComplete(ctx,
			syncstate.PrefixFor(source.PylonIssue), true))
	}

	if err := env.State.SetTime(ctx, resumeKey(), oldest); err != nil {
		return Error.Wrap(err)
	}
	env.Log.Info("backfill slice spent its budget, chaining successor",
		zap.Time("resume_before", oldest))
	return env.Queue.SendBackfillIngest(ctx, jobs.RootBackfill{
		TenantID:             cfg.TenantID,
		Connector:            source.PylonIssue,
		BackfillID:           cfg.BackfillID,
		SuppressNotification: cfg.SuppressNotification,
	})
}

// runProcessBatch refetches specific issues, typically after a targeted
// invalidation. Ids that no longer resolve are pruned.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("pylon jobs batch by entity ids")
	}
	if len(cfg.EntityIDs) == 0 {
		return nil
	}
	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	var issues []Issue
	var gone []string
	for _, id := range cfg.EntityIDs {
		issue, err := client.IssueByID(ctx, id)
		if connector.ErrNotFound.Has(err) {
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return err
		}
		issues = append(issues, issue)
	}

	if err := upsertIssues(ctx, jobID, env, issues, cfg.SuppressNotification); err != nil {
		return err
	}
	return pruneIssues(ctx, env, gone)
}

// runIncremental lists the issues created since the watermark, windowed
// to the listing's cap. The listing filters on creation time, so edits
// to issues created before the watermark are invisible here; the stale
// document sweep reconciles them.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.PylonIssue); err != nil {
		return err
	}
	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.PylonIssue))
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

	syncStart := nowFunc().UTC()
	for start := watermark; start.Before(syncStart); start = start.Add(issueWindow) {
		end := start.Add(issueWindow)
		if end.After(syncStart) {
			end = syncStart
		}
		page, err := client.Issues(ctx, start, end)
		if err != nil {
			return err
		}
		if err := upsertIssues(ctx, jobID, env, page, cfg.SuppressNotification); err != nil {
			return err
		}
	}
	return extractor.AdvanceWatermark(ctx, env, source.PylonIssue, syncStart)
}

// walkIssues pages backward from before (zero: the present) one window
// at a time, upserting each window as it arrives. A run of empty windows
// or the horizon ends the walk; the budget ends the slice.
func walkIssues(ctx context.Context, jobID uuid.UUID, env *extractor.Env, client *Client, before, horizon time.Time, suppress bool) (oldest time.Time, exhausted bool, err error) {
	defer mon.Task()(&ctx)(&err)

	deadline := time.Now().Add(sliceBudget)
	windowEnd := before
	if windowEnd.IsZero() {
		windowEnd = nowFunc().UTC()
	}
	emptyRun := 0
	for {
		windowStart := windowEnd.Add(-issueWindow)
		page, err := client.Issues(ctx, windowStart, windowEnd)
		if err != nil {
			return time.Time{}, false, err
		}
		if err := upsertIssues(ctx, jobID, env, page, suppress); err != nil {
			return time.Time{}, false, err
		}
		if len(page) == 0 {
			emptyRun++
		} else {
			emptyRun = 0
		}
		if emptyRun >= emptyWindowStop || !windowStart.After(horizon) {
			return time.Time{}, true, nil
		}
		windowEnd = windowStart
		if !time.Now().Before(deadline) {
			return windowEnd, false, nil
		}
	}
}

func upsertIssues(ctx context.Context, jobID uuid.UUID, env *extractor.Env, issues []Issue, suppress bool) error {
	artifacts := make([]artifact.Artifact, 0, len(issues))
	for _, issue := range issues {
		a, err := issueArtifact(jobID, issue)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	return extractor.UpsertAll(ctx, env, source.PylonIssue, artifacts, suppress)
}

func pruneIssues(ctx context.Context, env *extractor.Env, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		entityIDs = append(entityIDs, source.PylonIssue.EntityID(id))
	}
	issues := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityIssue, nil)
	return issues.DeleteEntities(ctx, entityIDs)
}

func issueArtifact(jobID uuid.UUID, issue Issue) (artifact.Artifact, error) {
	metadata, err := json.Marshal(map[string]string{
		"issue_id": issue.ID,
		"title":    issue.Title,
		"state":    issue.State,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	updated := issue.LatestMessageTime
	if updated.IsZero() {
		updated = issue.CreatedAt
	}
	a, err := artifact.New(entityIssue, source.PylonIssue.EntityID(issue.ID),
		issue.Raw, metadata, jobID, updated)
	return a, Error.Wrap(err)
}

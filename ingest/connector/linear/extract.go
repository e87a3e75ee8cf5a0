// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package linear

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/pruner"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

// Register wires the Linear extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.LinearIssue, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.LinearIssue, jobs.KindEnumerateContainer, extractor.Typed(runEnumerate)),
		registry.Add(source.LinearIssue, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.LinearIssue, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// clientFor resolves the tenant's connection before building a client,
// so disconnected tenants fail terminally instead of burning retries.
func clientFor(ctx context.Context, env *extractor.Env) (*Client, error) {
	if _, err := env.Conn.Sources.Connection(ctx, env.Tenant, source.LinearIssue); err != nil {
		return nil, err
	}
	return NewClient(env.Conn, env.Tenant)
}

// runRootBackfill lists the workspace's teams and fans out one
// enumeration per team.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}
	teams, err := client.Teams(ctx)
	if err != nil {
		return err
	}

	children := make([]jobs.Config, 0, len(teams))
	for _, team := range teams {
		children = append(children, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.LinearIssue,
			BackfillID:           cfg.BackfillID,
			ContainerID:          team.ID,
			ContainerName:        team.Name,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runEnumerate ingests one team inline: issue pages already carry full
// bodies, so fanning out refetch batches would double the complexity
// spend for nothing.
func runEnumerate(ctx context.Context, jobID uuid.UUID, cfg jobs.EnumerateContainer, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}
	if _, err := extractor.StampBackfillStart(ctx, env, source.LinearIssue, cfg.ContainerID); err != nil {
		return err
	}
	return ingestIssues(ctx, jobID, env, client, cfg.ContainerID, time.Time{}, cfg.SuppressNotification)
}

// runProcessBatch refetches specific issues, typically after a targeted
// invalidation. Ids that no longer resolve are pruned.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("linear jobs batch by entity ids")
	}
	if len(cfg.EntityIDs) == 0 {
		return nil
	}
	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}

	issues, err := client.IssuesByIDs(ctx, cfg.EntityIDs)
	if err != nil {
		return err
	}
	active, archived := splitIssues(issues)
	archived = append(archived, missingIDs(cfg.EntityIDs, issues)...)

	if err := upsertIssues(ctx, jobID, env, active, cfg.SuppressNotification); err != nil {
		return err
	}
	return pruneIssues(ctx, env, archived)
}

// runIncremental refetches the issues updated since each team's
// watermark. Teams created after the backfill get a fresh enumeration.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.LinearIssue); err != nil {
		return err
	}
	client, err := clientFor(ctx, env)
	if err != nil {
		return err
	}
	teams, err := client.Teams(ctx)
	if err != nil {
		return err
	}

	var group errs.Group
	for _, team := range teams {
		group.Add(syncTeam(ctx, jobID, cfg, env, client, team))
	}
	return group.Err()
}

func syncTeam(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env, client *Client, team Team) (err error) {
	defer mon.Task()(&ctx)(&err)

	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.LinearIssue), team.ID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		env.Log.Info("enumerating new team", zap.String("team", team.Key))
		return env.Queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.LinearIssue,
			ContainerID:          team.ID,
			ContainerName:        team.Name,
			SuppressNotification: cfg.SuppressNotification,
		})
	}

	syncStart := time.Now().UTC()
	if err := ingestIssues(ctx, jobID, env, client, team.ID, watermark, cfg.SuppressNotification); err != nil {
		return err
	}
	return extractor.AdvanceWatermark(ctx, env, source.LinearIssue, syncStart, team.ID)
}

// ingestIssues walks one team's issues page by page, upserting active
// ones and pruning archived ones as it goes.
func ingestIssues(ctx context.Context, jobID uuid.UUID, env *extractor.Env, client *Client, teamID string, updatedAfter time.Time, suppress bool) error {
	return client.Issues(ctx, teamID, updatedAfter, func(issues []Issue) error {
		active, archived := splitIssues(issues)
		if err := upsertIssues(ctx, jobID, env, active, suppress); err != nil {
			return err
		}
		return pruneIssues(ctx, env, archived)
	})
}

func splitIssues(issues []Issue) (active []Issue, archived []string) {
	for _, issue := range issues {
		if issue.Active() {
			active = append(active, issue)
		} else {
			archived = append(archived, issue.ID)
		}
	}
	return active, archived
}

func missingIDs(requested []string, issues []Issue) []string {
	returned := make(map[string]bool, len(issues))
	for _, issue := range issues {
		returned[issue.ID] = true
	}
	var missing []string
	for _, id := range requested {
		if !returned[id] {
			missing = append(missing, id)
		}
	}
	return missing
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
	return extractor.UpsertAll(ctx, env, source.LinearIssue, artifacts, suppress)
}

func pruneIssues(ctx context.Context, env *extractor.Env, issueIDs []string) error {
	if len(issueIDs) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(issueIDs))
	for _, id := range issueIDs {
		entityIDs = append(entityIDs, source.LinearIssue.EntityID(id))
	}
	issues := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityIssue, nil)
	return issues.DeleteEntities(ctx, entityIDs)
}

func issueArtifact(jobID uuid.UUID, issue Issue) (artifact.Artifact, error) {
	metadata, err := json.Marshal(map[string]string{
		"issue_id":   issue.ID,
		"identifier": issue.Identifier,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityIssue, source.LinearIssue.EntityID(issue.ID),
		issue.Raw, metadata, jobID, issue.UpdatedAt)
	return a, Error.Wrap(err)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package posthog

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

// Register wires the PostHog extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.PosthogInsight, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.PosthogInsight, jobs.KindEnumerateContainer, extractor.Typed(runEnumerate)),
		registry.Add(source.PosthogInsight, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.PosthogInsight, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// runRootBackfill fans one enumeration per project.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	projects, err := client.Projects(ctx)
	if err != nil {
		return err
	}

	children := make([]jobs.Config, 0, len(projects))
	for _, project := range projects {
		children = append(children, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.PosthogInsight,
			BackfillID:           cfg.BackfillID,
			ContainerID:          formatProjectID(project.ID),
			ContainerName:        project.Name,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runEnumerate stamps the project's watermark and fans out refetch
// batches over its insight ids. Soft-deleted insights stay listed; they
// are skipped here and pruned when a refetch meets them.
func runEnumerate(ctx context.Context, jobID uuid.UUID, cfg jobs.EnumerateContainer, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	project := cfg.ContainerID

	if _, err := extractor.StampBackfillStart(ctx, env, source.PosthogInsight, project); err != nil {
		return err
	}
	insights, err := client.Insights(ctx, project)
	if err != nil {
		return err
	}
	var ids []string
	for _, insight := range insights {
		if insight.Deleted {
			continue
		}
		ids = append(ids, formatInsightID(insight.ID))
	}

	var children []jobs.Config
	for _, batch := range connector.Chunk(ids, InsightBatchSize) {
		children = append(children, jobs.ProcessBatch{
			TenantID:             cfg.TenantID,
			Connector:            source.PosthogInsight,
			BackfillID:           cfg.BackfillID,
			ContainerID:          project,
			EntityIDs:            batch,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runProcessBatch refetches the batched insights one by one. Ids that
// answer 404 or come back soft-deleted are pruned.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("posthog jobs batch by entity ids")
	}
	if cfg.ContainerID == "" {
		return extractor.ErrTerminal.New("posthog batches are scoped to a project")
	}
	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	project := cfg.ContainerID

	var insights []Insight
	var gone []string
	for _, id := range cfg.EntityIDs {
		insight, err := client.Insight(ctx, project, id)
		if connector.ErrNotFound.Has(err) {
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return err
		}
		if insight.Deleted {
			gone = append(gone, id)
			continue
		}
		insights = append(insights, insight)
	}

	if err := upsertInsights(ctx, jobID, env, project, insights, cfg.SuppressNotification); err != nil {
		return err
	}
	return pruneInsights(ctx, env, project, gone)
}

// runIncremental re-reads every project's insight listing. Projects
// created after the backfill get a fresh enumeration.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.PosthogInsight); err != nil {
		return err
	}
	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	projects, err := client.Projects(ctx)
	if err != nil {
		return err
	}

	var group errs.Group
	for _, project := range projects {
		group.Add(syncProject(ctx, jobID, cfg, env, client, project))
	}
	return group.Err()
}

// syncProject advances one project. The insights listing cannot filter
// on modification time, so the whole listing is read and filtered here.
// A deletion flips the deleted flag and touches last_modified_at, so it
// rides the same filter.
func syncProject(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env, client *Client, project Project) (err error) {
	defer mon.Task()(&ctx)(&err)

	id := formatProjectID(project.ID)
	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.PosthogInsight), id)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		// The project appeared after the backfill; enumerate it outside
		// any backfill accounting.
		env.Log.Info("enumerating new project", zap.String("project", id))
		return env.Queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.PosthogInsight,
			ContainerID:          id,
			ContainerName:        project.Name,
			SuppressNotification: cfg.SuppressNotification,
		})
	}

	syncStart := time.Now().UTC()
	insights, err := client.Insights(ctx, id)
	if err != nil {
		return err
	}
	var changed []Insight
	var gone []string
	for _, insight := range insights {
		if !insight.LastModified.After(watermark) {
			continue
		}
		if insight.Deleted {
			gone = append(gone, formatInsightID(insight.ID))
			continue
		}
		changed = append(changed, insight)
	}

	if err := upsertInsights(ctx, jobID, env, id, changed, cfg.SuppressNotification); err != nil {
		return err
	}
	if err := pruneInsights(ctx, env, id, gone); err != nil {
		return err
	}
	return extractor.AdvanceWatermark(ctx, env, source.PosthogInsight, syncStart, id)
}

func upsertInsights(ctx context.Context, jobID uuid.UUID, env *extractor.Env, project string, insights []Insight, suppress bool) error {
	artifacts := make([]artifact.Artifact, 0, len(insights))
	for _, insight := range insights {
		a, err := insightArtifact(jobID, project, insight)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	return extractor.UpsertAll(ctx, env, source.PosthogInsight, artifacts, suppress)
}

func pruneInsights(ctx context.Context, env *extractor.Env, project string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	entityIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		entityIDs = append(entityIDs, source.PosthogInsight.ScopedEntityID(project, id))
	}
	insights := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityInsight, nil)
	return insights.DeleteEntities(ctx, entityIDs)
}

func insightArtifact(jobID uuid.UUID, project string, insight Insight) (artifact.Artifact, error) {
	metadata, err := json.Marshal(map[string]string{
		"project_id": project,
		"insight_id": formatInsightID(insight.ID),
		"name":       insight.Title(),
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	updated := insight.LastModified
	if updated.IsZero() {
		updated = insight.CreatedAt
	}
	a, err := artifact.New(entityInsight, source.PosthogInsight.ScopedEntityID(project, formatInsightID(insight.ID)),
		insight.Raw, metadata, jobID, updated)
	return a, Error.Wrap(err)
}

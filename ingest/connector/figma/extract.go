// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package figma

import (
	"context"
	"encoding/json"
	"strings"
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

// Register wires the Figma extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.FigmaFile, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.FigmaFile, jobs.KindEnumerateContainer, extractor.Typed(runEnumerate)),
		registry.Add(source.FigmaFile, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.FigmaFile, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// runRootBackfill fans one enumeration per configured team.
func runRootBackfill(ctx context.Context, jobID uuid.UUID, cfg jobs.RootBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, settings, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	if len(settings.TeamIDs) == 0 {
		return extractor.ErrTerminal.New("figma connection configures no teams")
	}

	children := make([]jobs.Config, 0, len(settings.TeamIDs))
	for _, team := range settings.TeamIDs {
		children = append(children, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.FigmaFile,
			BackfillID:           cfg.BackfillID,
			ContainerID:          team,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runEnumerate stamps the team's watermark, buffers the team's file
// listing, and fans out refetch batches over the file keys.
func runEnumerate(ctx context.Context, jobID uuid.UUID, cfg jobs.EnumerateContainer, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, _, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	team := cfg.ContainerID

	if _, err := extractor.StampBackfillStart(ctx, env, source.FigmaFile, team); err != nil {
		return err
	}
	files, err := client.TeamFiles(ctx, team)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(files))
	for _, file := range files {
		keys = append(keys, file.Key)
	}

	var children []jobs.Config
	for _, batch := range connector.Chunk(keys, FileBatchSize) {
		children = append(children, jobs.ProcessBatch{
			TenantID:             cfg.TenantID,
			Connector:            source.FigmaFile,
			BackfillID:           cfg.BackfillID,
			ContainerID:          team,
			EntityIDs:            batch,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runProcessBatch fetches the batched files in full. Keys that answer
// 404 were deleted between the listing and the refetch and are pruned.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(cfg.ObjectBatches) > 0 || len(cfg.FileBatches) > 0 {
		return extractor.ErrTerminal.New("figma jobs batch by file keys")
	}
	if cfg.ContainerID == "" {
		return extractor.ErrTerminal.New("figma batches are scoped to a team")
	}
	client, _, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	artifacts, gone, err := fetchFiles(ctx, jobID, client, cfg.ContainerID, cfg.EntityIDs)
	if err != nil {
		return err
	}
	if err := extractor.UpsertAll(ctx, env, source.FigmaFile, artifacts, cfg.SuppressNotification); err != nil {
		return err
	}
	return pruneFiles(ctx, env, scopedIDs(cfg.ContainerID, gone))
}

// runIncremental re-reads every team's file listing. The listing is
// complete each pass, so it drives both the refetch of changed files
// and the pruning of vanished ones. Teams added to the settings after
// the backfill get a fresh enumeration.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.FigmaFile); err != nil {
		return err
	}
	client, settings, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	var group errs.Group
	for _, team := range settings.TeamIDs {
		group.Add(syncTeam(ctx, jobID, cfg, env, client, team))
	}
	return group.Err()
}

// syncTeam advances one team, moving its watermark only after every
// changed file landed and every vanished file was pruned.
func syncTeam(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env, client *Client, team string) (err error) {
	defer mon.Task()(&ctx)(&err)

	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.FigmaFile), team)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		// The team was added after the backfill; enumerate it outside
		// any backfill accounting.
		env.Log.Info("enumerating new team", zap.String("team", team))
		return env.Queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.FigmaFile,
			ContainerID:          team,
			SuppressNotification: cfg.SuppressNotification,
		})
	}

	syncStart := time.Now().UTC()
	files, err := client.TeamFiles(ctx, team)
	if err != nil {
		return err
	}
	stored, err := storedTeamFiles(ctx, env, team)
	if err != nil {
		return err
	}

	// Files moved in from another team keep their modified time, so
	// anything the store does not know under this team is fetched
	// regardless of the watermark.
	var changed []string
	listed := make(map[string]bool, len(files))
	for _, file := range files {
		scoped := source.FigmaFile.ScopedEntityID(team, file.Key)
		listed[scoped] = true
		if file.LastModified.After(watermark) || !stored[scoped] {
			changed = append(changed, file.Key)
		}
	}
	var gone []string
	for id := range stored {
		if !listed[id] {
			gone = append(gone, id)
		}
	}

	artifacts, goneKeys, err := fetchFiles(ctx, jobID, client, team, changed)
	if err != nil {
		return err
	}
	gone = append(gone, scopedIDs(team, goneKeys)...)

	if err := extractor.UpsertAll(ctx, env, source.FigmaFile, artifacts, cfg.SuppressNotification); err != nil {
		return err
	}
	if err := pruneFiles(ctx, env, gone); err != nil {
		return err
	}
	return extractor.AdvanceWatermark(ctx, env, source.FigmaFile, syncStart, team)
}

// fetchFiles pulls full documents for keys, splitting out the keys the
// API no longer knows.
func fetchFiles(ctx context.Context, jobID uuid.UUID, client *Client, team string, keys []string) (artifacts []artifact.Artifact, gone []string, err error) {
	defer mon.Task()(&ctx)(&err)

	for _, key := range keys {
		file, err := client.File(ctx, key)
		if connector.ErrNotFound.Has(err) {
			gone = append(gone, key)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		a, err := fileArtifact(jobID, team, file)
		if err != nil {
			return nil, nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, gone, nil
}

// storedTeamFiles lists the entity ids already stored under a team.
func storedTeamFiles(ctx context.Context, env *extractor.Env, team string) (map[string]bool, error) {
	all, err := env.Artifacts.ListEntityIDs(ctx, entityFile)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	prefix := source.FigmaFile.ScopedEntityID(team, "")
	stored := make(map[string]bool)
	for _, id := range all {
		if strings.HasPrefix(id, prefix) {
			stored[id] = true
		}
	}
	return stored, nil
}

func scopedIDs(team string, keys []string) []string {
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, source.FigmaFile.ScopedEntityID(team, key))
	}
	return ids
}

func pruneFiles(ctx context.Context, env *extractor.Env, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	files := pruner.New(env.Log, env.Tenant, env.Artifacts, env.Index, entityFile, nil)
	return files.DeleteEntities(ctx, entityIDs)
}

func fileArtifact(jobID uuid.UUID, team string, file File) (artifact.Artifact, error) {
	metadata, err := json.Marshal(map[string]string{
		"team_id":  team,
		"file_key": file.Key,
		"name":     file.Name,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityFile, source.FigmaFile.ScopedEntityID(team, file.Key),
		file.Raw, metadata, jobID, file.LastModified)
	return a, Error.Wrap(err)
}

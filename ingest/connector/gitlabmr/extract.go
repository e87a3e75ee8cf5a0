// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package gitlabmr

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
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

// objectMergeRequest is the object type of merge request batches.
const objectMergeRequest = "merge_request"

// Register wires the GitLab extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.GitLabMR, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.GitLabMR, jobs.KindEnumerateContainer, extractor.Typed(runEnumerate)),
		registry.Add(source.GitLabMR, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.GitLabMR, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
	)
}

// runRootBackfill lists the tenant's projects and fans out one
// enumeration per project.
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
			Connector:            source.GitLabMR,
			BackfillID:           cfg.BackfillID,
			ContainerID:          formatProjectID(project.ID),
			ContainerName:        project.PathWithNamespace,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runEnumerate walks one project: stamps the project watermark, fans out
// merge request and file batches, and records the branch head so the next
// incremental pass can diff against it. The head is recorded after the
// fan-out succeeded; commits landing in between are re-diffed, which is
// harmless.
func runEnumerate(ctx context.Context, jobID uuid.UUID, cfg jobs.EnumerateContainer, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	projectID := cfg.ContainerID

	if _, err := extractor.StampBackfillStart(ctx, env, source.GitLabMR, projectID); err != nil {
		return err
	}

	iids, err := client.MergeRequestIIDs(ctx, projectID, time.Time{})
	if err != nil {
		return err
	}
	var children []jobs.Config
	for _, batch := range connector.Chunk(iids, MergeRequestBatchSize) {
		children = append(children, jobs.ProcessBatch{
			TenantID:             cfg.TenantID,
			Connector:            source.GitLabMR,
			BackfillID:           cfg.BackfillID,
			ContainerID:          projectID,
			ObjectBatches:        []jobs.ObjectBatch{{ObjectType: objectMergeRequest, RecordIDs: batch}},
			SuppressNotification: cfg.SuppressNotification,
		})
	}

	project, err := client.Project(ctx, projectID)
	if err != nil {
		return err
	}
	head := ""
	if project.DefaultBranch != "" {
		paths, err := client.TreeBlobs(ctx, projectID)
		if err != nil {
			return err
		}
		for _, batch := range connector.Chunk(paths, FileBatchSize) {
			children = append(children, jobs.ProcessBatch{
				TenantID:             cfg.TenantID,
				Connector:            source.GitLabMR,
				BackfillID:           cfg.BackfillID,
				ContainerID:          projectID,
				FileBatches:          []jobs.FileBatch{{ContainerID: projectID, FileKeys: batch}},
				SuppressNotification: cfg.SuppressNotification,
			})
		}
		head, err = client.BranchHead(ctx, projectID, project.DefaultBranch)
		if err != nil {
			return err
		}
	}

	if err := extractor.FanOut(ctx, env, cfg.BackfillID, children); err != nil {
		return err
	}
	if head != "" {
		if err := env.State.SetSyncedCommit(ctx, syncstate.PrefixFor(source.GitLabMR), head, projectID); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// runProcessBatch fetches the batched merge requests and files in full
// and upserts them. Replays refetch already-written rows, which the
// upsert absorbs.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	var artifacts []artifact.Artifact
	for _, batch := range cfg.ObjectBatches {
		if batch.ObjectType != objectMergeRequest {
			return extractor.ErrTerminal.New("unknown object type %q", batch.ObjectType)
		}
		for _, iid := range batch.RecordIDs {
			a, err := mergeRequestArtifact(ctx, client, jobID, cfg.ContainerID, iid)
			if err != nil {
				return err
			}
			artifacts = append(artifacts, a)
		}
	}

	branches := map[string]string{}
	for _, batch := range cfg.FileBatches {
		projectID := batch.ContainerID
		if projectID == "" {
			projectID = cfg.ContainerID
		}
		branch, ok := branches[projectID]
		if !ok {
			project, err := client.Project(ctx, projectID)
			if err != nil {
				return err
			}
			branch = project.DefaultBranch
			branches[projectID] = branch
		}
		for _, path := range batch.FileKeys {
			a, err := fileArtifact(ctx, client, jobID, projectID, path, branch)
			if err != nil {
				if connector.ErrNotFound.Has(err) {
					// Deleted between enumeration and fetch; the diff walk
					// of the next incremental prunes it if we wrote it
					// earlier.
					continue
				}
				return err
			}
			artifacts = append(artifacts, a)
		}
	}

	return extractor.UpsertAll(ctx, env, source.GitLabMR, artifacts, cfg.SuppressNotification)
}

// runIncremental brings every project up to date: merge requests updated
// since the project watermark are refetched inline, and the commit diff
// between the stored head and the current one yields changed and deleted
// files. Projects created after the backfill get a fresh enumeration.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.GitLabMR); err != nil {
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

// syncProject advances one project. The watermark and the commit cursor
// move independently and only after their part fully succeeded.
func syncProject(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env, client *Client, project Project) (err error) {
	defer mon.Task()(&ctx)(&err)

	projectID := formatProjectID(project.ID)
	prefix := syncstate.PrefixFor(source.GitLabMR)

	watermark, ok, err := env.State.SyncedUntil(ctx, prefix, projectID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		// The project joined after the backfill; enumerate it outside any
		// backfill accounting.
		env.Log.Info("enumerating new project",
			zap.String("project", project.PathWithNamespace))
		return env.Queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.GitLabMR,
			ContainerID:          projectID,
			ContainerName:        project.PathWithNamespace,
			SuppressNotification: cfg.SuppressNotification,
		})
	}

	syncStart := time.Now().UTC()
	iids, err := client.MergeRequestIIDs(ctx, projectID, watermark)
	if err != nil {
		return err
	}
	var artifacts []artifact.Artifact
	for _, iid := range iids {
		a, err := mergeRequestArtifact(ctx, client, jobID, projectID, iid)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, a)
	}
	if err := extractor.UpsertAll(ctx, env, source.GitLabMR, artifacts, cfg.SuppressNotification); err != nil {
		return err
	}
	if err := syncFiles(ctx, cfg, env, client, project, projectID); err != nil {
		return err
	}
	return extractor.AdvanceWatermark(ctx, env, source.GitLabMR, syncStart, projectID)
}

// syncFiles walks the commit diff of one project: changed paths become
// file batches, deleted paths are pruned, and the commit cursor advances
// only when both succeeded.
func syncFiles(ctx context.Context, cfg jobs.IncrementalBackfill, env *extractor.Env, client *Client, project Project, projectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if project.DefaultBranch == "" {
		return nil
	}
	prefix := syncstate.PrefixFor(source.GitLabMR)
	from, ok, err := env.State.SyncedCommit(ctx, prefix, projectID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		// No file walk ran for this project yet; the next full backfill
		// establishes the cursor.
		return nil
	}
	head, err := client.BranchHead(ctx, projectID, project.DefaultBranch)
	if err != nil {
		return err
	}
	if head == from {
		return nil
	}

	comparison, err := client.Compare(ctx, projectID, from, head)
	if err != nil {
		return err
	}
	var changed, deleted []string
	for _, diff := range comparison.Diffs {
		switch {
		case diff.DeletedFile:
			deleted = append(deleted, diff.OldPath)
		case diff.RenamedFile:
			deleted = append(deleted, diff.OldPath)
			changed = append(changed, diff.NewPath)
		default:
			changed = append(changed, diff.NewPath)
		}
	}

	for _, batch := range connector.Chunk(changed, FileBatchSize) {
		err := env.Queue.SendBackfillIngest(ctx, jobs.ProcessBatch{
			TenantID:             cfg.TenantID,
			Connector:            source.GitLabMR,
			ContainerID:          projectID,
			FileBatches:          []jobs.FileBatch{{ContainerID: projectID, FileKeys: batch}},
			SuppressNotification: cfg.SuppressNotification,
		})
		if err != nil {
			return Error.Wrap(err)
		}
	}
	if len(deleted) > 0 {
		files := NewFilePruner(env.Log, env.Tenant, env.Artifacts, env.Index)
		if err := files.DeleteFiles(ctx, projectID, deleted); err != nil {
			return err
		}
	}
	return Error.Wrap(env.State.SetSyncedCommit(ctx, prefix, head, projectID))
}

// mergeRequestArtifact fetches one merge request in full, notes included.
func mergeRequestArtifact(ctx context.Context, client *Client, jobID uuid.UUID, projectID, iid string) (artifact.Artifact, error) {
	detail, err := client.MergeRequestChanges(ctx, projectID, iid)
	if err != nil {
		return artifact.Artifact{}, err
	}
	notes, err := client.MergeRequestNotes(ctx, projectID, iid)
	if err != nil {
		return artifact.Artifact{}, err
	}
	content, err := json.Marshal(map[string]any{
		"merge_request": detail.Raw,
		"notes":         notes,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	metadata, err := json.Marshal(map[string]string{
		"project_id": projectID,
		"iid":        iid,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityMergeRequest, source.GitLabMR.ScopedEntityID(projectID, iid),
		content, metadata, jobID, detail.UpdatedAt)
	return a, Error.Wrap(err)
}

// fileArtifact reads one repository file at the branch head.
func fileArtifact(ctx context.Context, client *Client, jobID uuid.UUID, projectID, path, branch string) (artifact.Artifact, error) {
	data, err := client.RawFile(ctx, projectID, path, branch)
	if err != nil {
		return artifact.Artifact{}, err
	}
	content, err := json.Marshal(map[string]string{
		"path":    path,
		"ref":     branch,
		"content": string(data),
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	metadata, err := json.Marshal(map[string]string{
		"project_id": projectID,
		"path":       path,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityFile, source.GitLabMR.ScopedEntityID(projectID, path),
		content, metadata, jobID, time.Time{})
	return a, Error.Wrap(err)
}

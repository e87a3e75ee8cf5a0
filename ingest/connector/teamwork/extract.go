// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package teamwork

import (
	"context"
	"encoding/json"
	"strconv"
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

// objectTask is the object type of task batches.
const objectTask = "task"

// Register wires the Teamwork extractors into registry.
func Register(registry *extractor.Registry) error {
	return errs.Combine(
		registry.Add(source.TeamworkTask, jobs.KindRootBackfill, extractor.Typed(runRootBackfill)),
		registry.Add(source.TeamworkTask, jobs.KindEnumerateContainer, extractor.Typed(runEnumerate)),
		registry.Add(source.TeamworkTask, jobs.KindProcessBatch, extractor.Typed(runProcessBatch)),
		registry.Add(source.TeamworkTask, jobs.KindIncrementalBackfill, extractor.Typed(runIncremental)),
		registry.Add(source.TeamworkTask, jobs.KindObjectSync, extractor.Typed(runReconcile)),
	)
}

// runRootBackfill lists the site's projects and fans out one enumeration
// per project.
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
			Connector:            source.TeamworkTask,
			BackfillID:           cfg.BackfillID,
			ContainerID:          strconv.FormatInt(project.ID, 10),
			ContainerName:        project.Name,
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runEnumerate stamps the project watermark and fans out the project's
// tasks in batches.
func runEnumerate(ctx context.Context, jobID uuid.UUID, cfg jobs.EnumerateContainer, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}
	if _, err := extractor.StampBackfillStart(ctx, env, source.TeamworkTask, cfg.ContainerID); err != nil {
		return err
	}
	ids, err := client.TaskIDs(ctx, cfg.ContainerID, time.Time{})
	if err != nil {
		return err
	}

	var children []jobs.Config
	for _, batch := range connector.Chunk(ids, TaskBatchSize) {
		children = append(children, jobs.ProcessBatch{
			TenantID:             cfg.TenantID,
			Connector:            source.TeamworkTask,
			BackfillID:           cfg.BackfillID,
			ContainerID:          cfg.ContainerID,
			ObjectBatches:        []jobs.ObjectBatch{{ObjectType: objectTask, RecordIDs: batch}},
			SuppressNotification: cfg.SuppressNotification,
		})
	}
	return extractor.FanOut(ctx, env, cfg.BackfillID, children)
}

// runProcessBatch fetches the batched tasks with relations and upserts
// the public ones. Tasks that vanished or turned private since
// enumeration are pruned, so replays converge instead of resurrecting
// them.
func runProcessBatch(ctx context.Context, jobID uuid.UUID, cfg jobs.ProcessBatch, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	var ids []string
	for _, batch := range cfg.ObjectBatches {
		if batch.ObjectType != objectTask {
			return extractor.ErrTerminal.New("unknown object type %q", batch.ObjectType)
		}
		ids = append(ids, batch.RecordIDs...)
	}

	artifacts, hidden, err := fetchTasks(ctx, client, jobID, ids)
	if err != nil {
		return err
	}
	if err := extractor.UpsertAll(ctx, env, source.TeamworkTask, artifacts, cfg.SuppressNotification); err != nil {
		return err
	}
	if len(hidden) > 0 {
		tasks := NewTaskPruner(env.Log, env.Tenant, env.Artifacts, env.Index)
		return tasks.DeleteTasks(ctx, hidden)
	}
	return nil
}

// runIncremental refetches the tasks updated since each project's
// watermark. A watermark advances only when its project's upserts and
// prunes all succeeded; a failed prune keeps a privacy flip in next
// run's window instead of leaving the document indexed.
func runIncremental(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := extractor.RequireIncremental(ctx, env, source.TeamworkTask); err != nil {
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

func syncProject(ctx context.Context, jobID uuid.UUID, cfg jobs.IncrementalBackfill, env *extractor.Env, client *Client, project Project) (err error) {
	defer mon.Task()(&ctx)(&err)

	projectID := strconv.FormatInt(project.ID, 10)
	watermark, ok, err := env.State.SyncedUntil(ctx, syncstate.PrefixFor(source.TeamworkTask), projectID)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok {
		env.Log.Info("enumerating new project", zap.String("project", project.Name))
		return env.Queue.SendBackfillIngest(ctx, jobs.EnumerateContainer{
			TenantID:             cfg.TenantID,
			Connector:            source.TeamworkTask,
			ContainerID:          projectID,
			ContainerName:        project.Name,
			SuppressNotification: cfg.SuppressNotification,
		})
	}

	syncStart := time.Now().UTC()
	ids, err := client.TaskIDs(ctx, projectID, watermark)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		artifacts, hidden, err := fetchTasks(ctx, client, jobID, ids)
		if err != nil {
			return err
		}
		if err := extractor.UpsertAll(ctx, env, source.TeamworkTask, artifacts, cfg.SuppressNotification); err != nil {
			return err
		}
		if len(hidden) > 0 {
			tasks := NewTaskPruner(env.Log, env.Tenant, env.Artifacts, env.Index)
			if err := tasks.DeleteTasks(ctx, hidden); err != nil {
				return err
			}
		}
	}
	return extractor.AdvanceWatermark(ctx, env, source.TeamworkTask, syncStart, projectID)
}

// runReconcile walks every indexed document of the tenant and prunes the
// ones whose task is gone, private, or of unreported visibility.
// Documents of other connectors are left alone.
func runReconcile(ctx context.Context, jobID uuid.UUID, cfg jobs.ObjectSync, env *extractor.Env) (err error) {
	defer mon.Task()(&ctx)(&err)

	if cfg.ObjectType != "" && cfg.ObjectType != objectTask {
		return extractor.ErrTerminal.New("unknown object type %q", cfg.ObjectType)
	}
	if err := extractor.RequireIncremental(ctx, env, source.TeamworkTask); err != nil {
		return err
	}
	client, err := clientFor(ctx, env.Conn, env.Tenant)
	if err != nil {
		return err
	}

	tasks := NewTaskPruner(env.Log, env.Tenant, env.Artifacts, env.Index)
	stale, err := tasks.FindStale(ctx, func(ctx context.Context, docIDs []string) (map[string]pruner.DocumentState, error) {
		states := make(map[string]pruner.DocumentState, len(docIDs))
		var ids []string
		for _, docID := range docIDs {
			id, ours := taskID(docID)
			if !ours {
				states[docID] = pruner.DocumentState{Visible: true, VisibilityKnown: true}
				continue
			}
			ids = append(ids, id)
		}
		fetched, err := client.Tasks(ctx, ids)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]Task, len(fetched))
		for _, task := range fetched {
			byID[strconv.FormatInt(task.ID, 10)] = task
		}
		for _, docID := range docIDs {
			id, ours := taskID(docID)
			if !ours {
				continue
			}
			if task, found := byID[id]; found {
				states[docID] = pruner.DocumentState{
					Visible:         task.Visible(),
					VisibilityKnown: task.IsPrivate != nil,
				}
			}
		}
		return states, nil
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	env.Log.Info("pruning stale documents", zap.Int("count", len(stale)))
	return tasks.DeleteDocuments(ctx, stale)
}

// fetchTasks batch-fetches tasks and splits them into indexable
// artifacts and prunable ids. Requested ids the provider no longer
// returns count as hidden.
func fetchTasks(ctx context.Context, client *Client, jobID uuid.UUID, ids []string) (artifacts []artifact.Artifact, hidden []string, err error) {
	tasks, err := client.Tasks(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	returned := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		id := strconv.FormatInt(task.ID, 10)
		returned[id] = true
		if !task.Visible() {
			hidden = append(hidden, id)
			continue
		}
		a, err := taskArtifact(jobID, task)
		if err != nil {
			return nil, nil, err
		}
		artifacts = append(artifacts, a)
	}
	for _, id := range ids {
		if !returned[id] {
			hidden = append(hidden, id)
		}
	}
	return artifacts, hidden, nil
}

func taskArtifact(jobID uuid.UUID, task Task) (artifact.Artifact, error) {
	content, err := json.Marshal(task.Raw)
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	id := strconv.FormatInt(task.ID, 10)
	metadata, err := json.Marshal(map[string]string{
		"project_id": refIDOf(task.Raw["projectId"]),
		"task_id":    id,
	})
	if err != nil {
		return artifact.Artifact{}, Error.Wrap(err)
	}
	a, err := artifact.New(entityTask, source.TeamworkTask.EntityID(id),
		content, metadata, jobID, task.UpdatedAt)
	return a, Error.Wrap(err)
}

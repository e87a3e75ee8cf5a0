// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teamwork ingests project tasks from Teamwork.
//
// Projects are the containers. Task visibility is fail-closed: only a
// task the provider explicitly marks public is indexed, and a task that
// flips to private is pruned before the project watermark advances. A
// periodic reconcile pass re-checks every indexed task against the
// provider, catching deletions and privacy flips that happened while no
// sync was looking.
package teamwork

import (
	"context"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("teamwork")

const (
	// pageSize is the listing page size.
	pageSize = 250

	// TaskBatchSize bounds the task ids of one process job and one
	// batched task fetch.
	TaskBatchSize = 100

	// includeParam sideloads the related records a task artifact embeds.
	includeParam = "projects,assignees,comments"

	// entityTask is the artifact kind.
	entityTask = "teamwork_task"
)

// hostFor maps a stored subdomain onto the site URL. A full URL is kept
// as-is, for staging sites outside teamwork.com.
func hostFor(subdomain string) string {
	if strings.Contains(subdomain, "://") {
		return subdomain
	}
	return "https://" + subdomain + ".teamwork.com"
}

// Descriptor describes the connector to the peers. The probe lists a
// single project page.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.TeamworkTask,
		Title:  "Teamwork",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := clientFor(ctx, deps, tenant)
			if err != nil {
				return err
			}
			_, err = client.Projects(ctx)
			return err
		},
	}
}

// taskID extracts the provider task id from an entity or document id.
func taskID(entityID string) (string, bool) {
	id := strings.TrimPrefix(entityID, entityTask+"_")
	return id, id != entityID && id != ""
}

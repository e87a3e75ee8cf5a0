// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package gitlabmr ingests merge requests and repository files from
// GitLab.
//
// Projects are the containers: a backfill enumerates each project's merge
// requests and repository tree, an incremental run lists merge requests
// updated since the stored watermark and walks the commit diff between
// the stored head and the current one to find changed files. Files
// deleted upstream are pruned as part of the diff walk.
package gitlabmr

import (
	"context"
	"strconv"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("gitlabmr")

const (
	// DefaultHost serves gitlab.com tenants; self-hosted instances store
	// their host in the connection subdomain.
	DefaultHost = "https://gitlab.com"

	// pageSize is the listing page size, the API maximum.
	pageSize = 100

	// MergeRequestBatchSize bounds the merge request iids of one process
	// job.
	MergeRequestBatchSize = 100

	// FileBatchSize bounds the file paths of one process job.
	FileBatchSize = 100

	// entityMergeRequest and entityFile are the artifact kinds.
	entityMergeRequest = "gitlab_mr"
	entityFile         = "gitlab_file"
)

// Descriptor describes the connector to the peers. The probe reads the
// token's own user.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.GitLabMR,
		Title:  "GitLab",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := clientFor(ctx, deps, tenant)
			if err != nil {
				return err
			}
			return client.CurrentUser(ctx)
		},
	}
}

// formatProjectID renders a numeric project id the way container ids and
// sync-state scopes store it.
func formatProjectID(id int64) string { return strconv.FormatInt(id, 10) }

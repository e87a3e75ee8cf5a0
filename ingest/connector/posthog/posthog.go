// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package posthog ingests saved insights from PostHog projects.
//
// Projects are the containers: enumeration lists a project's insights
// and fans out refetch batches over their ids, refetch jobs pull
// insights one by one. The insights listing cannot filter on
// modification time, so the incremental pass re-reads it per project
// and picks the changed ones here. Soft-deleted insights are pruned
// wherever they surface.
package posthog

import (
	"context"
	"strconv"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("posthog")

const (
	// DefaultHost serves the US cloud. EU cloud and self-hosted
	// deployments store their host on the connection.
	DefaultHost = "https://app.posthog.com"

	// pageSize is the listing page size.
	pageSize = 100

	// InsightBatchSize is how many insights one process job refetches.
	InsightBatchSize = 100

	// entityInsight is the artifact kind.
	entityInsight = "posthog_insight"
)

// apiBase resolves the API root for a connection's host.
func apiBase(host string) string {
	if host == "" {
		return DefaultHost
	}
	return strings.TrimSuffix(host, "/")
}

func formatProjectID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func formatInsightID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Descriptor describes the connector to the peers. The probe reads the
// token's own user.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.PosthogInsight,
		Title:  "PostHog",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			conn, err := deps.Sources.Connection(ctx, tenant, source.PosthogInsight)
			if err != nil {
				return err
			}
			client, err := NewClient(deps, tenant, conn.Subdomain)
			if err != nil {
				return err
			}
			return client.Me(ctx)
		},
	}
}

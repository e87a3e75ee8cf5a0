// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pipedrive ingests deals from the Pipedrive CRM.
//
// Deals are flat, so the root backfill pages through deal ids and fans
// refetch batches out directly. Each refetch pulls the deal with its
// notes. The incremental asks the recents feed which deals changed
// since the watermark; deals that went to status deleted are pruned.
package pipedrive

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
var Error = errs.Class("pipedrive")

const (
	// DefaultHost serves token-authenticated tenants without a company
	// api_domain.
	DefaultHost = "https://api.pipedrive.com"

	// pageSize is the item count requested per listing page.
	pageSize = 100

	// DealBatchSize is how many deals one process job refetches.
	DealBatchSize = 100

	// timeLayout is how Pipedrive formats timestamps, UTC without a zone
	// marker.
	timeLayout = "2006-01-02 15:04:05"

	// entityDeal is the artifact kind.
	entityDeal = "pipedrive_deal"
)

// apiBase resolves the tenant's API root. The OAuth handshake hands out
// a per-company api_domain, which the connection stores; requests go
// under /api/v1 on it. Without one the shared host serves /v1 directly.
func apiBase(apiDomain string) string {
	if apiDomain == "" {
		return DefaultHost + "/v1"
	}
	return strings.TrimSuffix(apiDomain, "/") + "/api/v1"
}

func formatDealID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Descriptor describes the connector to the peers. The probe reads the
// token's own user.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.PipedriveDeal,
		Title:  "Pipedrive",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			conn, err := deps.Sources.Connection(ctx, tenant, source.PipedriveDeal)
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

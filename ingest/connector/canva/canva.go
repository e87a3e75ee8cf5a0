// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package canva ingests designs from the Canva Connect API.
//
// Designs are flat, with no container level, so the root backfill lists
// design ids page by page and fans refetch batches out directly. The
// continuation cursor is persisted after every page, letting a
// redelivered root resume the listing instead of restarting it. Canva
// rotates the refresh token on every renewal; the oauth token source
// deals with that, the client only ever asks for a current access token.
package canva

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("canva")

const (
	// apiURL is the Connect API host.
	apiURL = "https://api.canva.com"

	// restPath roots every Connect API path.
	restPath = "/rest"

	// DesignBatchSize is how many designs one process job refetches.
	DesignBatchSize = 50

	// sortModifiedDescending orders a listing newest-modified first.
	sortModifiedDescending = "modified_descending"

	// entityDesign is the artifact kind.
	entityDesign = "canva_design"
)

// Descriptor describes the connector to the peers. The probe reads the
// token's own user.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.CanvaDesign,
		Title:  "Canva",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := NewClient(deps, tenant)
			if err != nil {
				return err
			}
			return client.Me(ctx)
		},
	}
}

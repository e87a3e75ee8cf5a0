// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package attio ingests records from Attio workspaces.
//
// The workspace's objects (people, companies, custom objects) act as
// containers: the root fans one enumeration per object, and refetch jobs
// go through the same query endpoint the listing uses, filtered by
// record id. Incrementals filter each object on updated_at instead of
// rescanning the full table.
package attio

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
var Error = errs.Class("attio")

const (
	apiURL = "https://api.attio.com/v2"

	// pageSize is the record count requested per query page.
	pageSize = 500

	// RecordBatchSize is how many records one process job refetches.
	RecordBatchSize = 200

	// filterBytesLimit bounds the serialized id filter of one query.
	filterBytesLimit = 8 * 1024

	// entityRecord is the artifact kind.
	entityRecord = "attio_record"
)

// Descriptor describes the connector to the peers. The probe reads the
// token's own workspace introspection.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.AttioRecord,
		Title:  "Attio",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := NewClient(deps, tenant)
			if err != nil {
				return err
			}
			return client.Self(ctx)
		},
	}
}

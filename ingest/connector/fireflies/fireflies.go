// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package fireflies ingests meeting transcripts from Fireflies.ai over
// GraphQL.
//
// The vendor has no containers to enumerate and no updated-at filter,
// only the meeting date, so both sync directions walk dates. The full
// backfill walks backward from the present in budgeted slices, chaining
// successor jobs until it reaches the oldest meeting; the incremental
// walks forward from the watermark. Transcripts are immutable once the
// meeting ends, so the date walks lose nothing.
package fireflies

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
var Error = errs.Class("fireflies")

const (
	// apiURL is the GraphQL endpoint host.
	apiURL = "https://api.fireflies.ai"

	// graphqlPath is the single path all queries post to.
	graphqlPath = "/graphql"

	// pageSize is the largest page the transcripts query accepts.
	pageSize = 50

	// entityTranscript is the artifact kind.
	entityTranscript = "fireflies_transcript"
)

// Descriptor describes the connector to the peers. The probe lists the
// key's workspace users.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.FirefliesTranscript,
		Title:  "Fireflies",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := NewClient(deps, tenant)
			if err != nil {
				return err
			}
			return client.Users(ctx)
		},
	}
}

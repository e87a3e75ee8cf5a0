// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pylon ingests support issues from Pylon.
//
// The issues listing caps its time filter at thirty days, so discovery
// walks fixed windows backward from the present, one budgeted slice per
// queue delivery, and chains a successor job when the budget runs out.
// Refetch jobs pull issues by id. The listing filters on creation time,
// so the incremental pass windows forward from the watermark; edits to
// issues created before it are invisible here and are reconciled by the
// stale document sweep.
package pylon

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("pylon")

const (
	apiURL = "https://api.usepylon.com"

	// pageLimit is the cursor page size of the issues listing.
	pageLimit = 100

	// issueWindow is the widest time filter the issues listing accepts.
	issueWindow = 30 * 24 * time.Hour

	// emptyWindowStop ends the backward walk after this many consecutive
	// windows without issues. A tenant can go quiet for a season without
	// being cut off.
	emptyWindowStop = 4

	// backfillHistory bounds the backward walk for tenants whose issue
	// stream never goes quiet long enough to end it early. The counter of
	// empty windows restarts with each slice, so the bound is what
	// guarantees termination across slices.
	backfillHistory = 3 * 365 * 24 * time.Hour

	// entityIssue is the artifact kind.
	entityIssue = "pylon_issue"
)

// sliceBudget bounds the wall clock of one backfill slice. A tenant with
// years of issues cannot drain in one queue delivery, so the walk hands
// off to a successor job before the message's visibility would lapse.
var sliceBudget = 30 * time.Second

// nowFunc stands in for time.Now so the window boundaries can be pinned
// in tests.
var nowFunc = time.Now

// Descriptor describes the connector to the peers. The probe reads the
// token's own account.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.PylonIssue,
		Title:  "Pylon",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := NewClient(deps, tenant)
			if err != nil {
				return err
			}
			return client.Me(ctx)
		},
	}
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
)

// Forward enqueues one ingest job per logical change event. Events are
// grouped by record so changes to the same record are applied in order,
// and deduplicated on the commit number so a replayed stream does not
// enqueue the same change twice.
func Forward(ctx context.Context, queue jobq.Queue, tenant uuid.UUID, events []jobs.CDCEvent) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, event := range events {
		body, err := jobs.Marshal(jobs.CDCEventBatch{
			TenantID:  tenant,
			Connector: source.Salesforce,
			Events:    []jobs.CDCEvent{event},
		})
		if err != nil {
			return Error.Wrap(err)
		}

		err = queue.SendIngestWebhook(ctx, body, nil,
			tenant, source.Salesforce,
			jobq.Lane(tenant, event.RecordID),
			jobq.CDCDedupID(tenant, event.ObjectType, event.RecordID, event.CommitNumber))
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

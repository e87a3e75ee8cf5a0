// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package jobq defines the adapter contract for the persistent ingest
// queue.
//
// The queue provides at-least-once delivery with visibility timeouts,
// FIFO ordering inside a lane, and deduplication by message id within a
// short window. Oversized bodies are transparently offloaded to an object
// store and replaced with a pointer.
package jobq

import (
	"context"
	"strconv"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
)

var (
	// Error is the default error class for the queue.
	Error = errs.Class("jobq")
	// ErrEmpty is returned from Receive when no message is visible.
	ErrEmpty = errs.Class("queue empty")
	// ErrStaleHandle is returned when a handle no longer matches the
	// current delivery, for example after the visibility lapsed and the
	// message was redelivered elsewhere.
	ErrStaleHandle = errs.Class("stale queue handle")
)

// Queue names.
const (
	// QueueIngest carries backfill and incremental jobs.
	QueueIngest = "ingest"
	// QueueWebhook carries webhook and CDC fan-in.
	QueueWebhook = "webhook"
)

// Message is one received queue message.
type Message struct {
	// JobID is assigned at send and stable across redeliveries; artifacts
	// record it as their ingest provenance.
	JobID        uuid.UUID
	Body         []byte
	Attributes   map[string]string
	Lane         string
	DedupID      string
	ReceiveCount int
}

// Handle identifies one specific delivery of a message for delete and
// change-visibility operations.
type Handle struct {
	ID      int64
	Receipt uuid.UUID
}

// Queue is the adapter API spoken by everything that touches the queue.
type Queue interface {
	// SendBackfillIngest serializes the job configuration and sends it on
	// the ingest queue, with the lane derived from the tenant.
	SendBackfillIngest(ctx context.Context, cfg jobs.Config) error

	// SendIngestWebhook sends a webhook-style body on the webhook queue.
	SendIngestWebhook(ctx context.Context, body []byte, headers map[string]string, tenant uuid.UUID, src source.Source, groupID, dedupID string) error

	// Receive returns the next visible message of the named queue, or
	// ErrEmpty. The message stays invisible for the configured visibility
	// timeout.
	Receive(ctx context.Context, queue string) (Message, Handle, error)

	// Delete acknowledges a delivery and removes the message.
	Delete(ctx context.Context, handle Handle) error

	// ChangeVisibility postpones redelivery of an in-flight message.
	ChangeVisibility(ctx context.Context, handle Handle, timeout time.Duration) error
}

// Lane derives the deterministic FIFO lane for a tenant and an optional
// ordering key. Same-key messages of a tenant share a lane and therefore
// keep their order.
func Lane(tenant uuid.UUID, key string) string {
	if key == "" {
		return tenant.String()
	}
	return tenant.String() + "/" + key
}

// CDCDedupID builds the deduplication id of a CDC event batch. Multiple
// listener replicas subscribe to the same channels for availability during
// deploys; the queue collapses their duplicate sends by this id.
func CDCDedupID(tenant uuid.UUID, object, record string, commit int64) string {
	return "sf_cdc_" + tenant.String() + "_" + object + "_" + record + "_" + strconv.FormatInt(commit, 10)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package jobs defines the job configurations that travel through the
// ingest queue.
//
// Every queue message body is a JSON object with a "source" discriminator
// naming the job kind, alongside the fields of that kind. Decoding is
// strict about the discriminator and required ids, permissive about extra
// fields.
package jobs

import (
	"encoding/json"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/source"
)

// Error is the default error class for job payloads.
var Error = errs.Class("jobs")

// Kind discriminates the job configuration union.
type Kind string

// All job kinds.
const (
	KindRootBackfill        Kind = "root-backfill"
	KindEnumerateContainer  Kind = "enumerate-container"
	KindProcessBatch        Kind = "process-batch"
	KindIncrementalBackfill Kind = "incremental-backfill"
	KindObjectSync          Kind = "object-sync"
	KindCDCEventBatch       Kind = "cdc-event-batch"
)

// Config is one immutable job configuration.
type Config interface {
	Kind() Kind
	Tenant() uuid.UUID
	Source() source.Source
}

// RootBackfill discovers the top-level containers of a tenant and fans out
// enumerate jobs. It is the entry job of a full backfill.
type RootBackfill struct {
	TenantID             uuid.UUID     `json:"tenant_id"`
	Connector            source.Source `json:"connector"`
	BackfillID           uuid.UUID     `json:"backfill_id"`
	SuppressNotification bool          `json:"suppress_notification,omitempty"`
}

// Kind implements Config.
func (RootBackfill) Kind() Kind { return KindRootBackfill }

// Tenant implements Config.
func (j RootBackfill) Tenant() uuid.UUID { return j.TenantID }

// Source implements Config.
func (j RootBackfill) Source() source.Source { return j.Connector }

// EnumerateContainer lists all entities of one container and fans out
// process jobs in batches.
type EnumerateContainer struct {
	TenantID             uuid.UUID     `json:"tenant_id"`
	Connector            source.Source `json:"connector"`
	BackfillID           uuid.UUID     `json:"backfill_id"`
	ContainerID          string        `json:"container_id"`
	ContainerName        string        `json:"container_name,omitempty"`
	SuppressNotification bool          `json:"suppress_notification,omitempty"`
}

// Kind implements Config.
func (EnumerateContainer) Kind() Kind { return KindEnumerateContainer }

// Tenant implements Config.
func (j EnumerateContainer) Tenant() uuid.UUID { return j.TenantID }

// Source implements Config.
func (j EnumerateContainer) Source() source.Source { return j.Connector }

// ObjectBatch is a batch of record ids of a single provider object type.
type ObjectBatch struct {
	ObjectType string   `json:"object_type"`
	RecordIDs  []string `json:"record_ids"`
}

// FileBatch is a batch of file keys scoped to one container.
type FileBatch struct {
	ContainerID string   `json:"container_id"`
	FileKeys    []string `json:"file_keys"`
}

// ProcessBatch fetches a batch of entities fully and upserts artifacts.
type ProcessBatch struct {
	TenantID             uuid.UUID     `json:"tenant_id"`
	Connector            source.Source `json:"connector"`
	BackfillID           uuid.UUID     `json:"backfill_id"`
	ContainerID          string        `json:"container_id,omitempty"`
	EntityIDs            []string      `json:"entity_ids,omitempty"`
	ObjectBatches        []ObjectBatch `json:"object_batches,omitempty"`
	FileBatches          []FileBatch   `json:"file_batches,omitempty"`
	SuppressNotification bool          `json:"suppress_notification,omitempty"`
}

// Kind implements Config.
func (ProcessBatch) Kind() Kind { return KindProcessBatch }

// Tenant implements Config.
func (j ProcessBatch) Tenant() uuid.UUID { return j.TenantID }

// Source implements Config.
func (j ProcessBatch) Source() source.Source { return j.Connector }

// IncrementalBackfill runs a delta sync from the stored watermark. It
// refuses to run when no backfill has completed for the (tenant, source).
type IncrementalBackfill struct {
	TenantID             uuid.UUID     `json:"tenant_id"`
	Connector            source.Source `json:"connector"`
	SuppressNotification bool          `json:"suppress_notification,omitempty"`
}

// Kind implements Config.
func (IncrementalBackfill) Kind() Kind { return KindIncrementalBackfill }

// Tenant implements Config.
func (j IncrementalBackfill) Tenant() uuid.UUID { return j.TenantID }

// Source implements Config.
func (j IncrementalBackfill) Source() source.Source { return j.Connector }

// ObjectSync runs a delta sync for one provider object type.
type ObjectSync struct {
	TenantID             uuid.UUID     `json:"tenant_id"`
	Connector            source.Source `json:"connector"`
	ObjectType           string        `json:"object_type"`
	SuppressNotification bool          `json:"suppress_notification,omitempty"`
}

// Kind implements Config.
func (ObjectSync) Kind() Kind { return KindObjectSync }

// Tenant implements Config.
func (j ObjectSync) Tenant() uuid.UUID { return j.TenantID }

// Source implements Config.
func (j ObjectSync) Source() source.Source { return j.Connector }

// ChangeOperation is the mutation type of a CDC event.
type ChangeOperation string

// All change operations.
const (
	OpInsert   ChangeOperation = "INSERT"
	OpUpdate   ChangeOperation = "UPDATE"
	OpDelete   ChangeOperation = "DELETE"
	OpUndelete ChangeOperation = "UNDELETE"
)

// CDCEvent is one logical change event for a single record.
type CDCEvent struct {
	RecordID     string          `json:"record_id"`
	ObjectType   string          `json:"object_type"`
	Operation    ChangeOperation `json:"operation_type"`
	CommitNumber int64           `json:"commit_number"`
	ChangeHeader json.RawMessage `json:"change_header,omitempty"`
	Payload      json.RawMessage `json:"decoded_payload,omitempty"`
}

// CDCEventBatch carries decoded change events from a listener to the
// CDC extractor.
type CDCEventBatch struct {
	TenantID             uuid.UUID     `json:"tenant_id"`
	Connector            source.Source `json:"connector"`
	Events               []CDCEvent    `json:"events"`
	SuppressNotification bool          `json:"suppress_notification,omitempty"`
}

// Kind implements Config.
func (CDCEventBatch) Kind() Kind { return KindCDCEventBatch }

// Tenant implements Config.
func (j CDCEventBatch) Tenant() uuid.UUID { return j.TenantID }

// Source implements Config.
func (j CDCEventBatch) Source() source.Source { return j.Connector }

// Marshal serializes a job configuration with its kind discriminator.
func Marshal(cfg Config) ([]byte, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, Error.Wrap(err)
	}
	fields["source"], err = json.Marshal(cfg.Kind())
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return json.Marshal(fields)
}

// Unmarshal decodes a queue message body into the job configuration named
// by its discriminator.
func Unmarshal(data []byte) (Config, error) {
	var envelope struct {
		Kind Kind `json:"source"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, Error.New("undecodable job payload: %w", err)
	}

	var cfg Config
	var err error
	switch envelope.Kind {
	case KindRootBackfill:
		cfg, err = decodeInto[RootBackfill](data)
	case KindEnumerateContainer:
		cfg, err = decodeInto[EnumerateContainer](data)
	case KindProcessBatch:
		cfg, err = decodeInto[ProcessBatch](data)
	case KindIncrementalBackfill:
		cfg, err = decodeInto[IncrementalBackfill](data)
	case KindObjectSync:
		cfg, err = decodeInto[ObjectSync](data)
	case KindCDCEventBatch:
		cfg, err = decodeInto[CDCEventBatch](data)
	default:
		return nil, Error.New("unknown job kind %q", envelope.Kind)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Tenant().IsZero() {
		return nil, Error.New("job of kind %q is missing tenant_id", envelope.Kind)
	}
	if !cfg.Source().Valid() {
		return nil, Error.New("job of kind %q has unknown connector %q", envelope.Kind, cfg.Source())
	}
	return cfg, nil
}

func decodeInto[T Config](data []byte) (Config, error) {
	var cfg T
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, Error.Wrap(err)
	}
	return cfg, nil
}

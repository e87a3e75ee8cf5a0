// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/hamba/avro/v2"

	"storj.io/inlet/ingest/cdc/eventbus"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/shared/lrucache"
)

// schemaCacheSize bounds the per-listener schema cache. Schemas are
// immutable under their id, so entries never expire.
const schemaCacheSize = 100

// SchemaFetcher loads the payload schema stored under a schema id.
type SchemaFetcher interface {
	GetSchema(ctx context.Context, schemaID string) (eventbus.SchemaInfo, error)
}

// Decoder turns binary bus events into logical change events. It caches
// parsed schemas by id and fetches them on miss.
type Decoder struct {
	schemas *lrucache.ExpiringLRUOf[avro.Schema]
}

// NewDecoder creates a Decoder with an empty schema cache.
func NewDecoder() *Decoder {
	return &Decoder{
		schemas: lrucache.NewOf[avro.Schema](lrucache.Options{
			Capacity: schemaCacheSize,
			Name:     "cdc_schemas",
		}),
	}
}

// Decode decodes one bus event into logical change events, one per record
// id. Most events carry exactly one.
func (decoder *Decoder) Decode(ctx context.Context, schemas SchemaFetcher, event eventbus.ProducerEvent) (_ []jobs.CDCEvent, err error) {
	defer mon.Task()(&ctx)(&err)

	schema, err := decoder.schemas.Get(ctx, event.SchemaID, func() (avro.Schema, error) {
		info, err := schemas.GetSchema(ctx, event.SchemaID)
		if err != nil {
			return nil, err
		}
		parsed, err := avro.Parse(info.SchemaJSON)
		if err != nil {
			return nil, Error.New("unparseable schema %s: %w", event.SchemaID, err)
		}
		return parsed, nil
	})
	if err != nil {
		return nil, err
	}

	var record map[string]any
	if err := avro.Unmarshal(schema, event.Payload, &record); err != nil {
		return nil, Error.New("undecodable event %s: %w", event.ID, err)
	}

	header, ok := record["ChangeEventHeader"].(map[string]any)
	if !ok {
		return nil, Error.New("event %s carries no change header", event.ID)
	}
	delete(record, "ChangeEventHeader")

	objectType, _ := header["entityName"].(string)
	changeType, _ := header["changeType"].(string)
	operation, known := operationFor(changeType)
	if !known {
		return nil, Error.New("event %s has unsupported change type %q", event.ID, changeType)
	}

	recordIDs := stringsOf(header["recordIds"])
	if len(recordIDs) == 0 {
		return nil, Error.New("event %s names no records", event.ID)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	payloadJSON, err := json.Marshal(record)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	events := make([]jobs.CDCEvent, 0, len(recordIDs))
	for _, recordID := range recordIDs {
		events = append(events, jobs.CDCEvent{
			RecordID:     recordID,
			ObjectType:   objectType,
			Operation:    operation,
			CommitNumber: commitNumberOf(header),
			ChangeHeader: headerJSON,
			Payload:      payloadJSON,
		})
	}
	return events, nil
}

// operationFor maps the provider's change type onto the job operation.
// Gap events replay missed changes and carry the same semantics as their
// base type.
func operationFor(changeType string) (jobs.ChangeOperation, bool) {
	switch strings.TrimPrefix(changeType, "GAP_") {
	case "CREATE":
		return jobs.OpInsert, true
	case "UPDATE":
		return jobs.OpUpdate, true
	case "DELETE":
		return jobs.OpDelete, true
	case "UNDELETE":
		return jobs.OpUndelete, true
	default:
		return "", false
	}
}

func commitNumberOf(header map[string]any) int64 {
	switch value := header["commitNumber"].(type) {
	case int64:
		return value
	case float64:
		return int64(value)
	default:
		return 0
	}
}

func stringsOf(value any) []string {
	switch list := value.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, entry := range list {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

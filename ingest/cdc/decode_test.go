// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/inlet/ingest/cdc/eventbus"
	"storj.io/inlet/ingest/jobs"
)

const accountSchemaJSON = `{
	"type": "record",
	"name": "AccountChangeEvent",
	"namespace": "com.example.eventbus",
	"fields": [
		{"name": "ChangeEventHeader", "type": {
			"type": "record",
			"name": "ChangeEventHeader",
			"fields": [
				{"name": "entityName", "type": "string"},
				{"name": "changeType", "type": "string"},
				{"name": "commitNumber", "type": "long"},
				{"name": "recordIds", "type": {"type": "array", "items": "string"}}
			]
		}},
		{"name": "Name", "type": "string"}
	]
}`

type testChangeHeader struct {
	EntityName   string   `avro:"entityName"`
	ChangeType   string   `avro:"changeType"`
	CommitNumber int64    `avro:"commitNumber"`
	RecordIDs    []string `avro:"recordIds"`
}

type testAccountChange struct {
	Header testChangeHeader `avro:"ChangeEventHeader"`
	Name   string           `avro:"Name"`
}

func encodeChange(t *testing.T, change testAccountChange) []byte {
	schema, err := avro.Parse(accountSchemaJSON)
	require.NoError(t, err)
	data, err := avro.Marshal(schema, change)
	require.NoError(t, err)
	return data
}

type fakeSchemas struct {
	mu      sync.Mutex
	schemas map[string]string
	fetches int
}

func (f *fakeSchemas) GetSchema(ctx context.Context, schemaID string) (eventbus.SchemaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	schemaJSON, ok := f.schemas[schemaID]
	if !ok {
		return eventbus.SchemaInfo{}, Error.New("unknown schema %s", schemaID)
	}
	return eventbus.SchemaInfo{SchemaID: schemaID, SchemaJSON: schemaJSON}, nil
}

func (f *fakeSchemas) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func TestDecode(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	schemas := &fakeSchemas{schemas: map[string]string{"S1": accountSchemaJSON}}
	decoder := NewDecoder()

	payload := encodeChange(t, testAccountChange{
		Header: testChangeHeader{
			EntityName:   "Account",
			ChangeType:   "UPDATE",
			CommitNumber: 42,
			RecordIDs:    []string{"001xx0000001"},
		},
		Name: "Acme",
	})

	events, err := decoder.Decode(ctx, schemas, eventbus.ProducerEvent{
		ID:       "e1",
		SchemaID: "S1",
		Payload:  payload,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)

	event := events[0]
	require.Equal(t, "001xx0000001", event.RecordID)
	require.Equal(t, "Account", event.ObjectType)
	require.Equal(t, jobs.OpUpdate, event.Operation)
	require.Equal(t, int64(42), event.CommitNumber)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(event.Payload, &decoded))
	require.Equal(t, "Acme", decoded["Name"])
	require.NotContains(t, decoded, "ChangeEventHeader")

	var header map[string]any
	require.NoError(t, json.Unmarshal(event.ChangeHeader, &header))
	require.Equal(t, "Account", header["entityName"])

	// Gap events reuse the schema from cache and map onto the base
	// operation.
	payload = encodeChange(t, testAccountChange{
		Header: testChangeHeader{
			EntityName:   "Account",
			ChangeType:   "GAP_CREATE",
			CommitNumber: 43,
			RecordIDs:    []string{"001xx0000002"},
		},
		Name: "Initech",
	})
	events, err = decoder.Decode(ctx, schemas, eventbus.ProducerEvent{
		ID:       "e2",
		SchemaID: "S1",
		Payload:  payload,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, jobs.OpInsert, events[0].Operation)
	require.Equal(t, 1, schemas.fetchCount())
}

func TestDecodeMultipleRecords(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	schemas := &fakeSchemas{schemas: map[string]string{"S1": accountSchemaJSON}}
	decoder := NewDecoder()

	payload := encodeChange(t, testAccountChange{
		Header: testChangeHeader{
			EntityName:   "Account",
			ChangeType:   "DELETE",
			CommitNumber: 9,
			RecordIDs:    []string{"001xx0000001", "001xx0000002"},
		},
	})

	events, err := decoder.Decode(ctx, schemas, eventbus.ProducerEvent{
		ID:       "e1",
		SchemaID: "S1",
		Payload:  payload,
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "001xx0000001", events[0].RecordID)
	require.Equal(t, "001xx0000002", events[1].RecordID)
	for _, event := range events {
		require.Equal(t, jobs.OpDelete, event.Operation)
		require.Equal(t, int64(9), event.CommitNumber)
	}
}

func TestDecodeRejectsUnsupportedChangeType(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	schemas := &fakeSchemas{schemas: map[string]string{"S1": accountSchemaJSON}}
	decoder := NewDecoder()

	payload := encodeChange(t, testAccountChange{
		Header: testChangeHeader{
			EntityName:   "Account",
			ChangeType:   "OVERFLOW",
			CommitNumber: 1,
			RecordIDs:    []string{"001xx0000001"},
		},
	})

	_, err := decoder.Decode(ctx, schemas, eventbus.ProducerEvent{
		ID:       "e1",
		SchemaID: "S1",
		Payload:  payload,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported change type")
}

func TestDecodeRejectsGarbage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	schemas := &fakeSchemas{schemas: map[string]string{"S1": accountSchemaJSON}}
	decoder := NewDecoder()

	_, err := decoder.Decode(ctx, schemas, eventbus.ProducerEvent{
		ID:       "e1",
		SchemaID: "S1",
		Payload:  []byte("not avro"),
	})
	require.Error(t, err)
}

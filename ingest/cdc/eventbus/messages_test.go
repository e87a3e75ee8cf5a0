// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFetchRequestWire(t *testing.T) {
	data := FetchRequest{
		TopicName:    "/data/AccountChangeEvent",
		ReplayPreset: ReplayCustom,
		ReplayID:     []byte{1, 2, 3},
		NumRequested: 10,
	}.Marshal()

	fields := map[protowire.Number]any{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		require.Positive(t, n)
		data = data[n:]
		switch typ {
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			require.Positive(t, n)
			fields[num] = append([]byte(nil), raw...)
			data = data[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			require.Positive(t, n)
			fields[num] = v
			data = data[n:]
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
	}

	require.Equal(t, []byte("/data/AccountChangeEvent"), fields[protowire.Number(1)])
	require.Equal(t, uint64(ReplayCustom), fields[protowire.Number(2)])
	require.Equal(t, []byte{1, 2, 3}, fields[protowire.Number(3)])
	require.Equal(t, uint64(10), fields[protowire.Number(4)])
}

func TestFetchResponseWire(t *testing.T) {
	var producer []byte
	producer = protowire.AppendTag(producer, 1, protowire.BytesType)
	producer = protowire.AppendString(producer, "e1")
	producer = protowire.AppendTag(producer, 2, protowire.BytesType)
	producer = protowire.AppendString(producer, "S1")
	producer = protowire.AppendTag(producer, 3, protowire.BytesType)
	producer = protowire.AppendBytes(producer, []byte{0xde, 0xad})

	var consumer []byte
	consumer = protowire.AppendTag(consumer, 1, protowire.BytesType)
	consumer = protowire.AppendBytes(consumer, producer)
	consumer = protowire.AppendTag(consumer, 2, protowire.BytesType)
	consumer = protowire.AppendBytes(consumer, []byte{9})

	var data []byte
	data = protowire.AppendTag(data, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, consumer)
	data = protowire.AppendTag(data, 2, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte{9})
	data = protowire.AppendTag(data, 3, protowire.BytesType)
	data = protowire.AppendString(data, "rpc-1")
	data = protowire.AppendTag(data, 4, protowire.VarintType)
	data = protowire.AppendVarint(data, 3)
	// Unknown fields must be skipped, not rejected.
	data = protowire.AppendTag(data, 99, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)

	resp, err := UnmarshalFetchResponse(data)
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)
	require.Equal(t, "e1", resp.Events[0].Event.ID)
	require.Equal(t, "S1", resp.Events[0].Event.SchemaID)
	require.Equal(t, []byte{0xde, 0xad}, resp.Events[0].Event.Payload)
	require.Equal(t, []byte{9}, resp.Events[0].ReplayID)
	require.Equal(t, []byte{9}, resp.LatestReplayID)
	require.Equal(t, "rpc-1", resp.RPCID)
	require.Equal(t, int32(3), resp.PendingNumRequested)
}

func TestTopicAndSchemaWire(t *testing.T) {
	var topic []byte
	topic = protowire.AppendTag(topic, 1, protowire.BytesType)
	topic = protowire.AppendString(topic, "/data/AccountChangeEvent")
	topic = protowire.AppendTag(topic, 2, protowire.BytesType)
	topic = protowire.AppendString(topic, "tenant-guid")
	topic = protowire.AppendTag(topic, 4, protowire.VarintType)
	topic = protowire.AppendVarint(topic, 1)
	topic = protowire.AppendTag(topic, 5, protowire.BytesType)
	topic = protowire.AppendString(topic, "S1")

	info, err := UnmarshalTopicInfo(topic)
	require.NoError(t, err)
	require.Equal(t, "/data/AccountChangeEvent", info.TopicName)
	require.Equal(t, "tenant-guid", info.TenantGUID)
	require.False(t, info.CanPublish)
	require.True(t, info.CanSubscribe)
	require.Equal(t, "S1", info.SchemaID)

	var schema []byte
	schema = protowire.AppendTag(schema, 1, protowire.BytesType)
	schema = protowire.AppendString(schema, `{"type":"record"}`)
	schema = protowire.AppendTag(schema, 2, protowire.BytesType)
	schema = protowire.AppendString(schema, "S1")

	parsed, err := UnmarshalSchemaInfo(schema)
	require.NoError(t, err)
	require.Equal(t, `{"type":"record"}`, parsed.SchemaJSON)
	require.Equal(t, "S1", parsed.SchemaID)
}

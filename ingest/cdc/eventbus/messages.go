// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package eventbus

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ReplayPreset selects where a subscription starts on the bus.
type ReplayPreset int32

// All replay presets.
const (
	ReplayLatest   ReplayPreset = 0
	ReplayEarliest ReplayPreset = 1
	ReplayCustom   ReplayPreset = 2
)

// FetchRequest asks the bus for more events on a subscribed channel.
type FetchRequest struct {
	TopicName    string
	ReplayPreset ReplayPreset
	ReplayID     []byte
	NumRequested int32
}

// Marshal encodes the request in protobuf wire format.
func (r FetchRequest) Marshal() []byte {
	var buf []byte
	if r.TopicName != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, r.TopicName)
	}
	if r.ReplayPreset != ReplayLatest {
		buf = protowire.AppendTag(buf, 2, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.ReplayPreset))
	}
	if len(r.ReplayID) > 0 {
		buf = protowire.AppendTag(buf, 3, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.ReplayID)
	}
	if r.NumRequested != 0 {
		buf = protowire.AppendTag(buf, 4, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(r.NumRequested))
	}
	return buf
}

// ProducerEvent is one event as published on the bus. The payload is a
// binary record described by the schema under SchemaID.
type ProducerEvent struct {
	ID       string
	SchemaID string
	Payload  []byte
}

// ConsumerEvent is one delivered event with its replay position.
type ConsumerEvent struct {
	Event    ProducerEvent
	ReplayID []byte
}

// FetchResponse is one batch of delivered events. Responses with no
// events serve as server keepalives and replay-id advances.
type FetchResponse struct {
	Events              []ConsumerEvent
	LatestReplayID      []byte
	RPCID               string
	PendingNumRequested int32
}

// UnmarshalFetchResponse decodes a FetchResponse from protobuf wire
// format. Unknown fields are skipped.
func UnmarshalFetchResponse(data []byte) (resp FetchResponse, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return resp, Error.Wrap(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return resp, Error.Wrap(protowire.ParseError(n))
			}
			event, err := unmarshalConsumerEvent(raw)
			if err != nil {
				return resp, err
			}
			resp.Events = append(resp.Events, event)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return resp, Error.Wrap(protowire.ParseError(n))
			}
			resp.LatestReplayID = append([]byte(nil), raw...)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return resp, Error.Wrap(protowire.ParseError(n))
			}
			resp.RPCID = string(raw)
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return resp, Error.Wrap(protowire.ParseError(n))
			}
			resp.PendingNumRequested = int32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return resp, Error.Wrap(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return resp, nil
}

func unmarshalConsumerEvent(data []byte) (event ConsumerEvent, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return event, Error.Wrap(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return event, Error.Wrap(protowire.ParseError(n))
			}
			event.Event, err = unmarshalProducerEvent(raw)
			if err != nil {
				return event, err
			}
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return event, Error.Wrap(protowire.ParseError(n))
			}
			event.ReplayID = append([]byte(nil), raw...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return event, Error.Wrap(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return event, nil
}

func unmarshalProducerEvent(data []byte) (event ProducerEvent, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return event, Error.Wrap(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return event, Error.Wrap(protowire.ParseError(n))
			}
			event.ID = string(raw)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return event, Error.Wrap(protowire.ParseError(n))
			}
			event.SchemaID = string(raw)
			data = data[n:]
		case num == 3 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return event, Error.Wrap(protowire.ParseError(n))
			}
			event.Payload = append([]byte(nil), raw...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return event, Error.Wrap(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return event, nil
}

// TopicRequest identifies a channel to describe.
type TopicRequest struct {
	TopicName string
}

// Marshal encodes the request in protobuf wire format.
func (r TopicRequest) Marshal() []byte {
	var buf []byte
	if r.TopicName != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, r.TopicName)
	}
	return buf
}

// TopicInfo describes a channel and what the caller may do with it.
type TopicInfo struct {
	TopicName    string
	TenantGUID   string
	CanPublish   bool
	CanSubscribe bool
	SchemaID     string
}

// UnmarshalTopicInfo decodes a TopicInfo from protobuf wire format.
func UnmarshalTopicInfo(data []byte) (info TopicInfo, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return info, Error.Wrap(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			info.TopicName = string(raw)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			info.TenantGUID = string(raw)
			data = data[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			info.CanPublish = v != 0
			data = data[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			info.CanSubscribe = v != 0
			data = data[n:]
		case num == 5 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			info.SchemaID = string(raw)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return info, nil
}

// SchemaRequest identifies a payload schema to fetch.
type SchemaRequest struct {
	SchemaID string
}

// Marshal encodes the request in protobuf wire format.
func (r SchemaRequest) Marshal() []byte {
	var buf []byte
	if r.SchemaID != "" {
		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendString(buf, r.SchemaID)
	}
	return buf
}

// SchemaInfo carries a payload schema.
type SchemaInfo struct {
	SchemaJSON string
	SchemaID   string
}

// UnmarshalSchemaInfo decodes a SchemaInfo from protobuf wire format.
func UnmarshalSchemaInfo(data []byte) (info SchemaInfo, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return info, Error.Wrap(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			info.SchemaJSON = string(raw)
			data = data[n:]
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			info.SchemaID = string(raw)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return info, Error.Wrap(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return info, nil
}

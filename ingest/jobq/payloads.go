// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package jobq

import (
	"context"
	"encoding/json"

	"storj.io/common/memory"
)

// DefaultMaxInlineSize is the queue's message size limit. Bodies over this
// size are offloaded and replaced by a pointer.
const DefaultMaxInlineSize = 256 * memory.KiB

// PayloadStore holds queue bodies too large for the queue itself.
type PayloadStore interface {
	// Put stores a payload under the key.
	Put(ctx context.Context, key string, body []byte) error
	// Get returns the payload stored under the key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the payload. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// payloadPointer is the body stored in place of an offloaded payload.
type payloadPointer struct {
	PayloadKey string `json:"ingest_payload_pointer"`
}

// PointerBody builds the replacement body referencing an offloaded payload.
func PointerBody(key string) []byte {
	body, err := json.Marshal(payloadPointer{PayloadKey: key})
	if err != nil {
		// a struct of one string field cannot fail to marshal
		panic(err)
	}
	return body
}

// PointerKey extracts the payload key from a pointer body; ok is false for
// ordinary bodies.
func PointerKey(body []byte) (key string, ok bool) {
	var pointer payloadPointer
	if err := json.Unmarshal(body, &pointer); err != nil {
		return "", false
	}
	return pointer.PayloadKey, pointer.PayloadKey != ""
}

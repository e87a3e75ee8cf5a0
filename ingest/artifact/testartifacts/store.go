// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testartifacts implements an in-memory artifact store for tests.
package testartifacts

import (
	"context"
	"sort"
	"sync"

	"storj.io/inlet/ingest/artifact"
)

type key struct {
	entity   string
	entityID string
}

// Store is an in-memory artifact.Store.
type Store struct {
	mu   sync.Mutex
	rows map[key]artifact.Artifact
}

// New creates an empty store.
func New() *Store {
	return &Store{rows: make(map[key]artifact.Artifact)}
}

// UpsertBatch implements artifact.Store.
func (store *Store) UpsertBatch(ctx context.Context, artifacts []artifact.Artifact) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, a := range artifacts {
		store.rows[key{entity: a.Entity, entityID: a.EntityID}] = a
	}
	return nil
}

// Get implements artifact.Store.
func (store *Store) Get(ctx context.Context, entity, entityID string) (artifact.Artifact, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	a, ok := store.rows[key{entity: entity, entityID: entityID}]
	if !ok {
		return artifact.Artifact{}, artifact.ErrNotFound.New("%s/%s", entity, entityID)
	}
	return a, nil
}

// ListEntityIDs implements artifact.Store.
func (store *Store) ListEntityIDs(ctx context.Context, entity string) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var ids []string
	for k := range store.rows {
		if k.entity == entity {
			ids = append(ids, k.entityID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements artifact.Store.
func (store *Store) Delete(ctx context.Context, entity, entityID string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	k := key{entity: entity, entityID: entityID}
	_, ok := store.rows[k]
	delete(store.rows, k)
	return ok, nil
}

// Count implements artifact.Store.
func (store *Store) Count(ctx context.Context, entity string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var n int64
	for k := range store.rows {
		if k.entity == entity {
			n++
		}
	}
	return n, nil
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package connector holds the shared plumbing of provider clients: the
// base HTTP and GraphQL layers, the error taxonomy, credential injection
// and the registry the peers use to look connectors up.
package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/vault"
)

// TokenSource yields a current access token for one tenant connection,
// refreshing behind the scenes when the stored token is about to expire.
type TokenSource interface {
	AccessToken(ctx context.Context, tenant uuid.UUID, src source.Source) (string, error)
}

// Connection is a tenant's stored provider connection: the instance host
// or subdomain plus the provider-side settings blob.
type Connection struct {
	Subdomain string
	Settings  json.RawMessage
}

// Connections resolves the connection record of a (tenant, source).
type Connections interface {
	Connection(ctx context.Context, tenant uuid.UUID, src source.Source) (Connection, error)
}

// Deps bundles what every connector needs to build its clients.
type Deps struct {
	Log     *zap.Logger
	Vault   *vault.Cache
	Limiter *ratelimit.Registry
	Retrier *ratelimit.Retrier
	HTTP    *http.Client
	Tokens  TokenSource
	Sources Connections
}

// AcquireFunc binds the shared limiter registry to one tenant connection.
func (deps *Deps) AcquireFunc(tenant uuid.UUID, src source.Source) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return deps.Limiter.Acquire(ctx, tenant, src)
	}
}

// TokenAuth builds an AuthFunc resolving tokens through the token source.
func (deps *Deps) TokenAuth(tenant uuid.UUID, src source.Source) AuthFunc {
	return TokenAuth(func(ctx context.Context) (string, error) {
		return deps.Tokens.AccessToken(ctx, tenant, src)
	})
}

// Descriptor describes one connector to the peers.
type Descriptor struct {
	Source source.Source
	Title  string
	// Probe performs a minimal authenticated call verifying the tenant's
	// connection; nil when the provider has no cheap endpoint for it.
	Probe func(ctx context.Context, deps *Deps, tenant uuid.UUID) error
}

// Registry maps sources to their descriptors. It is populated during
// wire-up and read-only afterwards.
type Registry struct {
	descriptors map[source.Source]Descriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: map[source.Source]Descriptor{}}
}

// Add registers a descriptor, rejecting duplicates.
func (registry *Registry) Add(desc Descriptor) error {
	if !desc.Source.Valid() {
		return Error.New("unknown source %q", desc.Source)
	}
	if _, exists := registry.descriptors[desc.Source]; exists {
		return Error.New("connector %q registered twice", desc.Source)
	}
	registry.descriptors[desc.Source] = desc
	return nil
}

// Lookup finds the descriptor of src.
func (registry *Registry) Lookup(src source.Source) (Descriptor, bool) {
	desc, ok := registry.descriptors[src]
	return desc, ok
}

// All returns every registered descriptor, ordered by source name.
func (registry *Registry) All() []Descriptor {
	all := make([]Descriptor, 0, len(registry.descriptors))
	for _, desc := range registry.descriptors {
		all = append(all, desc)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].Source < all[k].Source })
	return all
}

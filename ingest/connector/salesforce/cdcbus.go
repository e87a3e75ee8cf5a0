// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package salesforce

import (
	"context"

	"storj.io/inlet/ingest/cdc"
	"storj.io/inlet/ingest/cdc/eventbus"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/source"
)

// DefaultBusAddress is the production Pub/Sub API endpoint.
const DefaultBusAddress = "api.pubsub.salesforce.com:7443"

// EventBus dials the change-event stream of tenants. It implements
// cdc.Connector.
type EventBus struct {
	deps *connector.Deps
}

// NewEventBus creates an EventBus resolving credentials through deps.
func NewEventBus(deps *connector.Deps) *EventBus {
	return &EventBus{deps: deps}
}

var _ cdc.Connector = (*EventBus)(nil)

// Dial implements cdc.Connector. The bus authenticates every call with
// the tenant's current access token, instance URL and org id.
func (bus *EventBus) Dial(ctx context.Context, tenant ingestdb.TenantSource) (cdc.Bus, error) {
	settings, err := ParseSettings(tenant.Settings)
	if err != nil {
		return nil, err
	}
	if settings.OrgID == "" {
		return nil, Error.New("connection of %s has no org id", tenant.TenantID)
	}
	token, err := bus.deps.Tokens.AccessToken(ctx, tenant.TenantID, source.Salesforce)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	address := settings.BusAddress
	if address == "" {
		address = DefaultBusAddress
	}
	client, err := eventbus.Dial(ctx, address, eventbus.Credentials{
		AccessToken: token,
		InstanceURL: tenant.Subdomain,
		OrgID:       settings.OrgID,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return client, nil
}

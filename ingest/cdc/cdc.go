// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cdc runs the change-data-capture listener fleet.
//
// One listener per connected tenant holds long-lived subscriptions on the
// provider's change event bus, decodes the binary events, and forwards
// them onto the webhook queue where the regular extractor pipeline picks
// them up. Delivery is at least once: multiple replicas subscribe to the
// same channels and rely on queue deduplication.
package cdc

import (
	"context"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/inlet/ingest/cdc/eventbus"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/source"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("cdc")
)

// Config configures the listener fleet.
type Config struct {
	Objects           string        `help:"comma-separated provider object types to capture changes for" default:"Account,Contact,Lead,Opportunity,Case"`
	BatchSize         int           `help:"events requested from the bus per fetch" default:"10"`
	ReconcileInterval time.Duration `help:"how often the fleet is matched against connected tenants" default:"1m"`
	KeepaliveInterval time.Duration `help:"idle time after which a keepalive fetch keeps the stream open" default:"90s"`
	MinBackoff        time.Duration `help:"first reconnect delay after a broken connection" default:"1s"`
	MaxBackoff        time.Duration `help:"reconnect delay ceiling" default:"1m"`
	ReprobeInterval   time.Duration `help:"wait before probing again when no channel has change capture enabled" default:"5m"`
}

// channels returns the bus channel names of the configured object types.
func (config Config) channels() []string {
	var names []string
	for _, object := range strings.Split(config.Objects, ",") {
		object = strings.TrimSpace(object)
		if object != "" {
			names = append(names, "/data/"+object+"ChangeEvent")
		}
	}
	return names
}

// Bus is one tenant's connection to the change event bus.
type Bus interface {
	SchemaFetcher

	// GetTopic describes a channel; connector.ErrNotFound means change
	// capture is not enabled for it.
	GetTopic(ctx context.Context, topicName string) (eventbus.TopicInfo, error)

	// Subscribe opens the bidirectional fetch stream.
	Subscribe(ctx context.Context) (eventbus.Stream, error)

	// Close tears the connection down, ending open streams.
	Close() error
}

// Connector binds the fleet to the streaming provider: it resolves a
// tenant's credentials and opens the transport.
type Connector interface {
	Dial(ctx context.Context, tenant ingestdb.TenantSource) (Bus, error)
}

// Tenants is the control database view the manager reconciles against.
type Tenants interface {
	ConnectedTo(ctx context.Context, src source.Source) ([]ingestdb.TenantSource, error)
}

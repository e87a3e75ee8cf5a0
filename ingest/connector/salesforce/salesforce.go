// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package salesforce ingests CRM records over the REST API and change
// events over the Pub/Sub gRPC bus.
//
// Records are pulled object by object: a full backfill enumerates the ids
// of every configured object and fans out fixed-size process batches, an
// object sync pulls ids modified since the stored watermark, and change
// events arrive as decoded CDC batches that either refetch or prune the
// record they name. All record fetches go through SOQL, so one code path
// serves every object type.
package salesforce

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("salesforce")

const (
	// apiVersion pins the REST API version every path is built against.
	apiVersion = "v62.0"

	// ChildBatchSize bounds the record ids of one process job.
	ChildBatchSize = 400

	// soqlInLimit bounds the serialized WHERE Id IN (...) list of one
	// query, staying under the 4 kB SOQL statement ceiling with room for
	// the rest of the statement.
	soqlInLimit = 3600

	// fieldsAllLimit is the row ceiling Salesforce enforces on
	// FIELDS(ALL) queries.
	fieldsAllLimit = 200
)

// DefaultObjects are the CRM objects ingested when the tenant's settings
// do not name their own set.
var DefaultObjects = []string{"Account", "Contact", "Lead", "Opportunity", "Case"}

// Settings is the provider-side settings blob of a tenant connection.
type Settings struct {
	// OrgID is the Salesforce organization id, used as tenant id on the
	// event bus.
	OrgID string `json:"org_id"`
	// Objects overrides DefaultObjects when non-empty.
	Objects []string `json:"objects,omitempty"`
	// BusAddress overrides the default Pub/Sub endpoint, for sandboxes.
	BusAddress string `json:"bus_address,omitempty"`
}

// ParseSettings decodes a connection's settings blob. An empty blob is a
// valid connection with defaults.
func ParseSettings(raw json.RawMessage) (Settings, error) {
	var settings Settings
	if len(raw) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, Error.New("unreadable connection settings: %w", err)
	}
	return settings, nil
}

// ObjectTypes returns the object set of the connection.
func (settings Settings) ObjectTypes() []string {
	if len(settings.Objects) > 0 {
		return settings.Objects
	}
	return DefaultObjects
}

// entityKind names the artifact kind of one object type, e.g.
// "salesforce_account".
func entityKind(objectType string) string {
	return string(source.Salesforce) + "_" + strings.ToLower(objectType)
}

// scopeOf is the sync-state scope of one object type.
func scopeOf(objectType string) string {
	return strings.ToUpper(objectType)
}

// Descriptor describes the connector to the peers. The probe reads the
// org's API limits, the cheapest authenticated call the REST API has.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.Salesforce,
		Title:  "Salesforce",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, _, err := clientFor(ctx, deps, tenant)
			if err != nil {
				return err
			}
			return client.Limits(ctx)
		},
	}
}

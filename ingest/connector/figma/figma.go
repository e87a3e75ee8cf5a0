// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package figma ingests design files from Figma teams.
//
// Figma has no endpoint listing the teams a token can reach, so the
// teams come from the connection settings. Each team is a container:
// enumeration walks its projects and buffers the full file listing,
// refetch jobs pull files by key. The incremental re-reads the listing,
// refetches what changed, and prunes what vanished, since the listing
// is complete every time.
package figma

import (
	"context"
	"encoding/json"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("figma")

const (
	apiURL = "https://api.figma.com"

	// FileBatchSize is how many files one process job refetches. File
	// documents are large, so batches stay small.
	FileBatchSize = 50

	// entityFile is the artifact kind.
	entityFile = "figma_file"
)

// Settings is the provider-side settings blob of a tenant connection.
type Settings struct {
	// TeamIDs names the teams to ingest.
	TeamIDs []string `json:"team_ids"`
}

// ParseSettings decodes a connection's settings blob.
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

// Descriptor describes the connector to the peers. The probe reads the
// token's own user.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.FigmaFile,
		Title:  "Figma",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := NewClient(deps, tenant)
			if err != nil {
				return err
			}
			return client.Me(ctx)
		},
	}
}

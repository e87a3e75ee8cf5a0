// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingestdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/shared/dbutil/pgutil/pgerrcode"
	"storj.io/inlet/shared/dbutil/txutil"
	"storj.io/inlet/shared/tagsql"
)

// ErrTenantNotFound is returned when a tenant does not exist.
var ErrTenantNotFound = errs.Class("tenant not found")

// Tenant is one customer of the ingest plane.
type Tenant struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// TenantSource is a connector enabled for a tenant. Subdomain carries the
// vendor-side account locator for self-hosted and per-account API hosts.
type TenantSource struct {
	TenantID    uuid.UUID
	Source      source.Source
	Connected   bool
	Subdomain   string
	Settings    json.RawMessage
	ConnectedAt time.Time
}

// Tenants is the tenant directory.
type Tenants struct {
	db tagsql.DB
}

var _ connector.Connections = (*Tenants)(nil)

// Create registers a new tenant.
func (tenants *Tenants) Create(ctx context.Context, name string) (_ Tenant, err error) {
	defer mon.Task()(&ctx)(&err)

	id, err := uuid.New()
	if err != nil {
		return Tenant{}, Error.Wrap(err)
	}

	var tenant Tenant
	err = tenants.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name)
		VALUES ($1, $2)
		RETURNING id, name, created_at
	`, id, name).Scan(&tenant.ID, &tenant.Name, &tenant.CreatedAt)
	return tenant, Error.Wrap(err)
}

// Get returns the tenant by id.
func (tenants *Tenants) Get(ctx context.Context, id uuid.UUID) (_ Tenant, err error) {
	defer mon.Task()(&ctx)(&err)

	var tenant Tenant
	err = tenants.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM tenants WHERE id = $1
	`, id).Scan(&tenant.ID, &tenant.Name, &tenant.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrTenantNotFound.New("%s", id)
	}
	return tenant, Error.Wrap(err)
}

// List returns every tenant, oldest first.
func (tenants *Tenants) List(ctx context.Context) (_ []Tenant, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := tenants.db.QueryContext(ctx, `
		SELECT id, name, created_at FROM tenants ORDER BY created_at, id
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var all []Tenant
	for rows.Next() {
		var tenant Tenant
		if err := rows.Scan(&tenant.ID, &tenant.Name, &tenant.CreatedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		all = append(all, tenant)
	}
	return all, Error.Wrap(rows.Err())
}

// Delete removes a tenant and all of its control-plane state. Connected
// sources and backfills cascade through foreign keys; queued messages of
// the tenant's lanes are dropped explicitly.
func (tenants *Tenants) Delete(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	return txutil.WithTx(ctx, tenants.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return ErrTenantNotFound.New("%s", id)
		}

		// Lanes are either the bare tenant id or "<tenant>/<key>".
		lane := id.String()
		_, err = tx.ExecContext(ctx, `
			DELETE FROM job_queue WHERE lane = $1 OR lane LIKE $2
		`, lane, lane+"/%")
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM job_queue_dead WHERE lane = $1 OR lane LIKE $2
		`, lane, lane+"/%")
		return Error.Wrap(err)
	})
}

// ConnectSource enables a connector for a tenant, replacing any previous
// connection settings.
func (tenants *Tenants) ConnectSource(ctx context.Context, tenantID uuid.UUID, src source.Source, subdomain string, settings json.RawMessage) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !src.Valid() {
		return Error.New("unknown source %q", src)
	}

	var settingsParam sql.NullString
	if len(settings) > 0 {
		settingsParam = sql.NullString{String: string(settings), Valid: true}
	}

	_, err = tenants.db.ExecContext(ctx, `
		INSERT INTO tenant_sources (tenant_id, source, connected, subdomain, settings)
		VALUES ($1, $2, true, $3, COALESCE($4::jsonb, '{}'::jsonb))
		ON CONFLICT (tenant_id, source) DO UPDATE
		SET connected = true,
			subdomain = EXCLUDED.subdomain,
			settings = EXCLUDED.settings,
			connected_at = now()
	`, tenantID, src, subdomain, settingsParam)
	if pgerrcode.IsConstraintViolation(err) {
		return ErrTenantNotFound.New("%s", tenantID)
	}
	return Error.Wrap(err)
}

// DisconnectSource disables a connector for a tenant. The row is kept so
// reconnecting restores the subdomain and settings.
func (tenants *Tenants) DisconnectSource(ctx context.Context, tenantID uuid.UUID, src source.Source) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = tenants.db.ExecContext(ctx, `
		UPDATE tenant_sources SET connected = false
		WHERE tenant_id = $1 AND source = $2
	`, tenantID, src)
	return Error.Wrap(err)
}

// ConnectedTo returns every tenant connection of a source. The scheduler
// and the listener manager poll this to learn which tenants to serve.
func (tenants *Tenants) ConnectedTo(ctx context.Context, src source.Source) (_ []TenantSource, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := tenants.db.QueryContext(ctx, `
		SELECT tenant_id, source, connected, subdomain, settings, connected_at
		FROM tenant_sources
		WHERE source = $1 AND connected
		ORDER BY tenant_id
	`, src)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	return scanTenantSources(rows)
}

// SourcesOf returns every connection of a tenant, including disconnected
// ones.
func (tenants *Tenants) SourcesOf(ctx context.Context, tenantID uuid.UUID) (_ []TenantSource, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := tenants.db.QueryContext(ctx, `
		SELECT tenant_id, source, connected, subdomain, settings, connected_at
		FROM tenant_sources
		WHERE tenant_id = $1
		ORDER BY source
	`, tenantID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	return scanTenantSources(rows)
}

// GetSource returns one tenant connection, or ErrTenantNotFound.
func (tenants *Tenants) GetSource(ctx context.Context, tenantID uuid.UUID, src source.Source) (_ TenantSource, err error) {
	defer mon.Task()(&ctx)(&err)

	var ts TenantSource
	var settings []byte
	err = tenants.db.QueryRowContext(ctx, `
		SELECT tenant_id, source, connected, subdomain, settings, connected_at
		FROM tenant_sources
		WHERE tenant_id = $1 AND source = $2
	`, tenantID, src).Scan(&ts.TenantID, &ts.Source, &ts.Connected, &ts.Subdomain, &settings, &ts.ConnectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantSource{}, ErrTenantNotFound.New("%s has no %s connection", tenantID, src)
	}
	ts.Settings = settings
	return ts, Error.Wrap(err)
}

// Connection implements connector.Connections: it resolves the connection
// record clients are built from, failing for tenants that disconnected
// the source.
func (tenants *Tenants) Connection(ctx context.Context, tenantID uuid.UUID, src source.Source) (connector.Connection, error) {
	ts, err := tenants.GetSource(ctx, tenantID, src)
	if err != nil {
		return connector.Connection{}, err
	}
	if !ts.Connected {
		return connector.Connection{}, ErrTenantNotFound.New("%s disconnected %s", tenantID, src)
	}
	return connector.Connection{Subdomain: ts.Subdomain, Settings: ts.Settings}, nil
}

func scanTenantSources(rows tagsql.Rows) ([]TenantSource, error) {
	var all []TenantSource
	for rows.Next() {
		var ts TenantSource
		var settings []byte
		if err := rows.Scan(&ts.TenantID, &ts.Source, &ts.Connected, &ts.Subdomain, &settings, &ts.ConnectedAt); err != nil {
			return nil, Error.Wrap(err)
		}
		ts.Settings = settings
		all = append(all, ts)
	}
	return all, Error.Wrap(rows.Err())
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tenantdb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector/oauth"
	"storj.io/inlet/ingest/tenantdb"
	"storj.io/inlet/ingest/vault"
	"storj.io/inlet/ingest/vault/testvault"
	"storj.io/inlet/shared/dbutil/pgutil"
	"storj.io/inlet/shared/dbutil/pgutil/pgtest"
)

func TestManager(t *testing.T) {
	t.Parallel()

	connstr := pgtest.PickPostgres(t)

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	secrets := testvault.New()
	cache := vault.NewCache(secrets, time.Hour, 16)

	tenantA := testrand.UUID()
	tenantB := testrand.UUID()
	schemaA := "inlet_test_" + pgutil.CreateRandomTestingSchemaName(8)
	schemaB := "inlet_test_" + pgutil.CreateRandomTestingSchemaName(8)

	for _, entry := range []struct {
		tenant uuid.UUID
		schema string
	}{
		{tenantA, schemaA},
		{tenantB, schemaB},
	} {
		tenantConnstr, err := pgutil.ConnstrWithSchema(connstr, entry.schema)
		require.NoError(t, err)
		require.NoError(t, secrets.PutSecret(ctx, vault.DBCredentialPath(entry.tenant, "ingest"), tenantConnstr))
	}

	manager := tenantdb.NewManager(zaptest.NewLogger(t), cache, tenantdb.ManagerConfig{
		CredentialName:  "ingest",
		ApplicationName: "inlet-test",
		Migrate:         true,
	})
	defer func() {
		for _, entry := range []struct {
			tenant uuid.UUID
			schema string
		}{
			{tenantA, schemaA},
			{tenantB, schemaB},
		} {
			db, err := manager.Get(ctx, entry.tenant)
			if err != nil {
				t.Error(err)
				continue
			}
			if err := pgutil.DropSchema(ctx, db.UnderlyingTagSQL(), entry.schema); err != nil {
				t.Error(err)
			}
		}
		if err := manager.Close(); err != nil {
			t.Error(err)
		}
	}()

	dbA, err := manager.Get(ctx, tenantA)
	require.NoError(t, err)
	require.Equal(t, tenantA, dbA.Tenant())

	// The handle is pooled.
	again, err := manager.Get(ctx, tenantA)
	require.NoError(t, err)
	require.Same(t, dbA, again)

	// First use migrated the schema; the stores are usable right away.
	require.NoError(t, dbA.Config().Set(ctx, "SALESFORCE_BACKFILL_COMPLETE", "true"))

	// Tenants are isolated.
	dbB, err := manager.Get(ctx, tenantB)
	require.NoError(t, err)
	require.NotSame(t, dbA, dbB)
	_, ok, err := dbB.Config().Get(ctx, "SALESFORCE_BACKFILL_COMPLETE")
	require.NoError(t, err)
	require.False(t, ok)

	// Tenants without a stored credential cannot be opened.
	_, err = manager.Get(ctx, testrand.UUID())
	require.True(t, vault.ErrNotFound.Has(err))

	// The manager doubles as the token refresh store.
	var store oauth.Store = manager
	_, found, err := store.Value(ctx, tenantB, "CANVA_TOKEN_EXPIRES_AT")
	require.NoError(t, err)
	require.False(t, found)

	lockName := tenantB.String() + ":canva_design:token_refresh"
	err = store.Exclusive(ctx, tenantB, lockName, func(ctx context.Context, state oauth.State) error {
		return state.SetValue(ctx, "CANVA_TOKEN_EXPIRES_AT", "2026-08-24T20:00:00Z")
	})
	require.NoError(t, err)

	value, found, err := store.Value(ctx, tenantB, "CANVA_TOKEN_EXPIRES_AT")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "2026-08-24T20:00:00Z", value)

	// Removing closes the pooled handle; the next use reopens.
	require.NoError(t, manager.Remove(ctx, tenantA))
	reopened, err := manager.Get(ctx, tenantA)
	require.NoError(t, err)
	require.NotSame(t, dbA, reopened)
	value, ok, err = reopened.Config().Get(ctx, "SALESFORCE_BACKFILL_COMPLETE")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "true", value)
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pgvault_test

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/ingestdb/testdb"
	"storj.io/inlet/ingest/vault"
	"storj.io/inlet/ingest/vault/pgvault"
)

func TestVaultKeyValidation(t *testing.T) {
	log := zaptest.NewLogger(t)

	_, err := pgvault.New(log, nil, "")
	require.Error(t, err)

	_, err = pgvault.New(log, nil, "zz")
	require.Error(t, err)

	_, err = pgvault.New(log, nil, hex.EncodeToString(testrand.BytesInt(16)))
	require.Error(t, err)
}

func TestVaultRoundtrip(t *testing.T) {
	testdb.Run(t, func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB) {
		log := zaptest.NewLogger(t)
		key := hex.EncodeToString(testrand.BytesInt(32))

		v, err := pgvault.New(log, db.UnderlyingTagSQL(), key)
		require.NoError(t, err)

		tenant := testrand.UUID()
		path := vault.APIKeyPath(tenant, "TEAMWORK_TASK_API_KEY")

		_, err = v.GetSecret(ctx, path)
		require.True(t, vault.ErrNotFound.Has(err))

		require.NoError(t, v.PutSecret(ctx, path, "tw-secret-1"))
		got, err := v.GetSecret(ctx, path)
		require.NoError(t, err)
		require.Equal(t, "tw-secret-1", got)

		// Replacement rotates the nonce and the value.
		require.NoError(t, v.PutSecret(ctx, path, "tw-secret-2"))
		got, err = v.GetSecret(ctx, path)
		require.NoError(t, err)
		require.Equal(t, "tw-secret-2", got)

		// A different master key must not decrypt the stored secret.
		other, err := pgvault.New(log, db.UnderlyingTagSQL(), hex.EncodeToString(testrand.BytesInt(32)))
		require.NoError(t, err)
		_, err = other.GetSecret(ctx, path)
		require.Error(t, err)

		require.NoError(t, v.DeleteSecret(ctx, path))
		_, err = v.GetSecret(ctx, path)
		require.True(t, vault.ErrNotFound.Has(err))

		// Deleting a missing path is not an error.
		require.NoError(t, v.DeleteSecret(ctx, path))
	})
}

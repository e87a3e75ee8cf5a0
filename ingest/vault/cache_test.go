// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/vault"
	"storj.io/inlet/ingest/vault/testvault"
)

func TestCacheReadThrough(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tenant := testrand.UUID()
	path := vault.APIKeyPath(tenant, "LINEAR_API_KEY")

	backing := testvault.New()
	require.NoError(t, backing.PutSecret(ctx, path, "lin_api_1"))

	cache := vault.NewCache(backing, 0, 0)

	value, err := cache.GetSecret(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "lin_api_1", value)

	// a write behind the cache's back stays invisible until expiry.
	require.NoError(t, backing.PutSecret(ctx, path, "lin_api_2"))
	value, err = cache.GetSecret(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "lin_api_1", value)
}

func TestCacheInvalidatesOnWrite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tenant := testrand.UUID()
	path := vault.APIKeyPath(tenant, "CANVA_REFRESH_TOKEN")

	backing := testvault.New()
	require.NoError(t, backing.PutSecret(ctx, path, "RT1"))

	cache := vault.NewCache(backing, 0, 0)

	value, err := cache.GetSecret(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "RT1", value)

	require.NoError(t, cache.PutSecret(ctx, path, "RT2"))

	value, err = cache.GetSecret(ctx, path)
	require.NoError(t, err)
	require.Equal(t, "RT2", value)
}

func TestRedacted(t *testing.T) {
	require.Equal(t, "", vault.Redacted(""))
	require.Equal(t, "********", vault.Redacted("super-secret-token"))
	require.Equal(t, "********", vault.Redacted("x"))
}

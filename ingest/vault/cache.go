// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault

import (
	"context"
	"time"

	"storj.io/inlet/shared/lrucache"
)

// DefaultCacheExpiration bounds how stale a cached secret may get.
const DefaultCacheExpiration = time.Hour

// Cache wraps a Vault with TTL caching on reads and write-through
// invalidation, so rotated tokens are visible immediately in this process.
type Cache struct {
	vault Vault
	cache *lrucache.ExpiringLRUOf[string]
}

// NewCache wraps the vault with a read cache. A non-positive expiration
// falls back to the default.
func NewCache(vault Vault, expiration time.Duration, capacity int) *Cache {
	if expiration <= 0 {
		expiration = DefaultCacheExpiration
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &Cache{
		vault: vault,
		cache: lrucache.NewOf[string](lrucache.Options{
			Expiration: expiration,
			Capacity:   capacity,
			Name:       "vault-secrets",
		}),
	}
}

// GetSecret implements Vault.
func (c *Cache) GetSecret(ctx context.Context, path string) (string, error) {
	return c.cache.Get(ctx, path, func() (string, error) {
		return c.vault.GetSecret(ctx, path)
	})
}

// PutSecret implements Vault.
func (c *Cache) PutSecret(ctx context.Context, path, value string) error {
	if err := c.vault.PutSecret(ctx, path, value); err != nil {
		return err
	}
	c.cache.Delete(ctx, path)
	return nil
}

// DeleteSecret implements Vault.
func (c *Cache) DeleteSecret(ctx context.Context, path string) error {
	if err := c.vault.DeleteSecret(ctx, path); err != nil {
		return err
	}
	c.cache.Delete(ctx, path)
	return nil
}

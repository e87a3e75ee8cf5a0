// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tenantdb

import (
	"context"
	"database/sql"
	"errors"

	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/shared/tagsql"
)

// Config is the tenant's config key/value table.
type Config struct {
	db tagsql.DB
}

var _ syncstate.Store = (*Config)(nil)

// Get implements syncstate.Store.
func (config *Config) Get(ctx context.Context, key string) (_ string, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var value string
	err = config.db.QueryRowContext(ctx, `
		SELECT value FROM config WHERE key = $1
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	return value, true, nil
}

// Set implements syncstate.Store.
func (config *Config) Set(ctx context.Context, key, value string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = config.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return Error.Wrap(err)
}

// Delete implements syncstate.Store.
func (config *Config) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = config.db.ExecContext(ctx, `DELETE FROM config WHERE key = $1`, key)
	return Error.Wrap(err)
}

// TxConfig is the config table inside an exclusive transaction.
type TxConfig struct {
	tx tagsql.Tx
}

// Value returns the config value for key; found is false when absent.
func (config *TxConfig) Value(ctx context.Context, key string) (_ string, found bool, err error) {
	var value string
	err = config.tx.QueryRowContext(ctx, `
		SELECT value FROM config WHERE key = $1
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	return value, true, nil
}

// SetValue stores the config value. It becomes visible at commit.
func (config *TxConfig) SetValue(ctx context.Context, key, value string) (err error) {
	_, err = config.tx.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return Error.Wrap(err)
}

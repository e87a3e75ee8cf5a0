// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgutil contains PostgreSQL-specific helpers.
package pgutil

import (
	"context"
	"encoding/hex"
	"hash/fnv"
	"net/url"
	"strings"

	"github.com/zeebo/errs"

	"storj.io/common/testrand"
	"storj.io/inlet/shared/tagsql"
)

// Error is the default error class for pgutil.
var Error = errs.Class("pgutil")

// QuoteIdentifier quotes an identifier for use in an interpolated SQL string.
func QuoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// ConnstrWithSchema adds search_path argument to the connection string.
func ConnstrWithSchema(connstr, schema string) (string, error) {
	u, err := url.Parse(connstr)
	if err != nil {
		return "", Error.Wrap(err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseSchemaFromConnstr returns the search_path schema of a connection
// string, or an empty string when it carries none.
func ParseSchemaFromConnstr(connstr string) (string, error) {
	u, err := url.Parse(connstr)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return u.Query().Get("search_path"), nil
}

// CreateRandomTestingSchemaName creates a random schema name string.
func CreateRandomTestingSchemaName(n int) string {
	data := testrand.BytesInt(n)
	return hex.EncodeToString(data)
}

// CreateSchema creates a schema if it doesn't exist.
func CreateSchema(ctx context.Context, db tagsql.DB, schema string) error {
	_, err := db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+QuoteIdentifier(schema))
	return Error.Wrap(err)
}

// DropSchema drops the named schema and everything in it.
func DropSchema(ctx context.Context, db tagsql.DB, schema string) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+QuoteIdentifier(schema)+` CASCADE`)
	return Error.Wrap(err)
}

// AdvisoryLockKey hashes a textual lock name into the bigint key space that
// pg_advisory_xact_lock expects. The hash must stay stable across releases,
// since concurrent workers of different versions share the same locks.
func AdvisoryLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// AcquireXactLock takes a transaction-scoped advisory lock on the named
// resource. The lock is released when the transaction commits or rolls back.
func AcquireXactLock(ctx context.Context, tx tagsql.Tx, name string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, AdvisoryLockKey(name))
	return Error.Wrap(err)
}

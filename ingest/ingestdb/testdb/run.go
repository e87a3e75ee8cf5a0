// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testdb runs control-database tests against a real Postgres.
//
// This package should be referenced only in test files!
package testdb

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/shared/dbutil/pgutil"
	"storj.io/inlet/shared/dbutil/pgutil/pgtest"
)

// Run opens a control database on a unique schema, migrates it to the
// latest version, and runs the test. The schema is dropped afterwards.
func Run(t *testing.T, test func(ctx *testcontext.Context, t *testing.T, db *ingestdb.DB)) {
	t.Parallel()

	connstr := pgtest.PickPostgres(t)

	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	schema := "inlet_test_" + pgutil.CreateRandomTestingSchemaName(8)
	connstr, err := pgutil.ConnstrWithSchema(connstr, schema)
	if err != nil {
		t.Fatal(err)
	}

	db, err := ingestdb.Open(ctx, zaptest.NewLogger(t), connstr, ingestdb.Options{
		ApplicationName: "inlet-test",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgutil.DropSchema(ctx, db.UnderlyingTagSQL(), schema); err != nil {
			t.Error(err)
		}
		if err := db.Close(); err != nil {
			t.Fatal(err)
		}
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		t.Fatal(err)
	}

	test(ctx, t, db)
}

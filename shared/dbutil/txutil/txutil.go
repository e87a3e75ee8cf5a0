// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package txutil provides safe transaction-encapsulation functions.
package txutil

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pgxerrcode "github.com/jackc/pgerrcode"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/inlet/shared/dbutil/pgutil/pgerrcode"
	"storj.io/inlet/shared/tagsql"
)

var mon = monkit.Package()

// WithTx starts a transaction on the given database and invokes fn. If fn
// returns without error the transaction is committed, otherwise rolled back.
// Serialization failures restart the transaction, with capped backoff.
func WithTx(ctx context.Context, db tagsql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx tagsql.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	for i := 0; ; i++ {
		err = withTxOnce(ctx, db, opts, fn)
		if !NeedsRetry(err) {
			return err
		}
		// a contended transaction that cannot settle inside a minute is a bug
		// somewhere else; surface it rather than spinning.
		if time.Since(start) > time.Minute {
			return errs.Wrap(err)
		}
		mon.Event("transaction_retry")
		if !sleep(ctx, time.Duration(i+1)*50*time.Millisecond) {
			return errs.Combine(err, ctx.Err())
		}
	}
}

func withTxOnce(ctx context.Context, db tagsql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx tagsql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, ignoreDone(tx.Rollback()))
			return
		}
		err = errs.Wrap(tx.Commit())
	}()

	return fn(ctx, tx)
}

// NeedsRetry reports whether the error is a transient transaction failure
// that should be restarted from the top.
func NeedsRetry(err error) bool {
	switch pgerrcode.FromError(err) {
	case pgxerrcode.SerializationFailure, pgxerrcode.DeadlockDetected:
		return true
	}
	return false
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

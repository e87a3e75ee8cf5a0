// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dbutil contains helpers for database connection handling.
package dbutil

import (
	"net/url"
	"strings"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default error class for dbutil.
var Error = errs.Class("dbutil")

// Implementation type of valid DBs.
type Implementation int

const (
	// Unknown is an unknown db type.
	Unknown Implementation = iota
	// Postgres is a Postgres db type.
	Postgres
)

// SplitConnStr returns the driver and DSN portions of a URL, along with the
// db implementation.
func SplitConnStr(s string) (driver string, source string, implementation Implementation, err error) {
	parts := strings.SplitN(s, "://", 2)
	if len(parts) != 2 {
		return "", "", Unknown, Error.New("could not parse DB URL %q", s)
	}

	switch parts[0] {
	case "postgres", "postgresql":
		return "pgx", s, Postgres, nil
	default:
		return "", "", Unknown, Error.New("unsupported database scheme %q", parts[0])
	}
}

// ConfigurePool configures the connection pool on the database handle.
type dbConn interface {
	SetMaxIdleConns(int)
	SetMaxOpenConns(int)
}

// Configure sets pool limits on the database handle.
func Configure(db dbConn, maxIdle, maxOpen int, _ time.Duration) {
	db.SetMaxIdleConns(maxIdle)
	db.SetMaxOpenConns(maxOpen)
}

// WithApplicationName returns the connection string with the application_name
// parameter set, so sessions are attributable in pg_stat_activity.
func WithApplicationName(connstr, application string) (string, error) {
	u, err := url.Parse(connstr)
	if err != nil {
		return "", Error.Wrap(err)
	}
	q := u.Query()
	if q.Get("application_name") == "" {
		q.Set("application_name", application)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

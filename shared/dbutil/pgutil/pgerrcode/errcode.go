// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgerrcode extracts PostgreSQL error codes from wrapped errors.
package pgerrcode

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// FromError returns the five-character SQLSTATE code of the underlying
// PostgreSQL error, or the empty string when the error did not originate
// from the database.
func FromError(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsConstraintViolation reports whether the error belongs to the integrity
// constraint violation class (SQLSTATE 23xxx).
func IsConstraintViolation(err error) bool {
	code := FromError(err)
	return len(code) == 5 && code[:2] == "23"
}

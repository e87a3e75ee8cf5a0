// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class of the package.
	Error = errs.Class("connector")

	// ErrAuthFailed marks rejected credentials. It is terminal: retrying
	// without operator action cannot succeed.
	ErrAuthFailed = errs.Class("auth failed")

	// ErrNotFound marks a missing remote object. Get-style operations
	// translate it into a zero value with found=false.
	ErrNotFound = errs.Class("not found")
)

// APIError is any provider response that fits no other bucket: the status
// and a body snippet, kept short enough to log.
type APIError struct {
	Status int
	Body   string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// AsAPIError extracts an APIError from err.
func AsAPIError(err error) (_ *APIError, ok bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil, false
	}
	return apiErr, true
}

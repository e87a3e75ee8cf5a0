// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError reports a provider throttle. Clients return it for
// HTTP 429, GraphQL rate-limit markers, and for timeouts and 5xx that they
// decided to treat as transient.
type RateLimitedError struct {
	// RetryAfter is the server-supplied wait hint; zero when the server
	// gave none.
	RetryAfter time.Duration
	// Err is the underlying cause, when one exists.
	Err error
}

// Error implements error.
func (e *RateLimitedError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RateLimitedError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err carries a RateLimitedError.
func IsRateLimited(err error) bool {
	var rateLimited *RateLimitedError
	return errors.As(err, &rateLimited)
}

// RetryAfter extracts the server-supplied wait hint; ok is false when err
// is not a rate limit at all.
func RetryAfter(err error) (_ time.Duration, ok bool) {
	var rateLimited *RateLimitedError
	if !errors.As(err, &rateLimited) {
		return 0, false
	}
	return rateLimited.RetryAfter, true
}

// ExtendVisibility is control flow, not a failure: it tells the worker
// harness to extend the queue visibility of the current message by Timeout
// and yield, instead of sleeping through a long provider wait.
type ExtendVisibility struct {
	Timeout time.Duration
}

// Error implements error.
func (e *ExtendVisibility) Error() string {
	return fmt.Sprintf("extend visibility by %s", e.Timeout)
}

// ExtendVisibilityTimeout extracts the requested visibility timeout; ok is
// false when err is not an extend-visibility signal.
func ExtendVisibilityTimeout(err error) (_ time.Duration, ok bool) {
	var extend *ExtendVisibility
	if !errors.As(err, &extend) {
		return 0, false
	}
	return extend.Timeout, true
}

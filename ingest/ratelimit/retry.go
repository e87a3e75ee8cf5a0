// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"
)

// RetryConfig tunes how rate-limited operations are retried.
type RetryConfig struct {
	MaxRetries       int           `help:"how many times a rate-limited operation is retried before giving up" default:"5"`
	BaseDelay        time.Duration `help:"first retry delay, doubled on every further attempt" default:"1s"`
	MaxInlineWait    time.Duration `help:"longest delay a worker sleeps through in place; longer waits are converted to a visibility extension" default:"30s"`
	VisibilityMargin time.Duration `help:"slack added on top of the provider wait when extending message visibility" default:"5s"`
}

// Retrier runs operations against rate-limited providers. Short waits are
// slept through inline; waits longer than MaxInlineWait abort the attempt
// with ExtendVisibility so the queue message comes back after the provider
// window has passed and the worker slot is freed meanwhile.
type Retrier struct {
	log    *zap.Logger
	config RetryConfig
}

// NewRetrier creates a Retrier.
func NewRetrier(log *zap.Logger, config RetryConfig) *Retrier {
	return &Retrier{log: log, config: config}
}

// Do runs op, retrying while it returns RateLimitedError. Every other error
// is returned as-is. When the next wait would exceed MaxInlineWait, Do
// returns ExtendVisibility without calling op again and without consuming a
// retry, so the message is redelivered once the wait has passed with its
// attempts intact. After MaxRetries retries the last RateLimitedError is
// returned.
func (retrier *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	attempt := 0
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRateLimited(err) {
			return err
		}

		delay := retrier.delayFor(err, attempt)
		if delay > retrier.config.MaxInlineWait {
			mon.Event("retry_extend_visibility")
			retrier.log.Debug("provider wait exceeds inline budget, extending visibility",
				zap.Duration("delay", delay), zap.Int("attempt", attempt))
			return &ExtendVisibility{Timeout: delay + retrier.config.VisibilityMargin}
		}

		attempt++
		if attempt > retrier.config.MaxRetries {
			mon.Event("retry_exhausted")
			return err
		}

		mon.Event("retry_rate_limited")
		retrier.log.Debug("rate limited, retrying",
			zap.Duration("delay", delay), zap.Int("attempt", attempt))
		if !sync2.Sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

// delayFor picks the server hint when present, otherwise exponential
// backoff from BaseDelay.
func (retrier *Retrier) delayFor(err error, attempt int) time.Duration {
	if hint, ok := RetryAfter(err); ok && hint > 0 {
		return hint
	}
	// Shifts beyond 16 only happen with misconfigured MaxRetries; clamp to
	// keep the duration sane.
	if attempt > 16 {
		attempt = 16
	}
	return retrier.config.BaseDelay << uint(attempt)
}

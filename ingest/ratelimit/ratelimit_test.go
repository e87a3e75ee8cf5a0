// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/inlet/ingest/source"
)

func TestRegistryBurst(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := NewRegistry(time.Hour, time.Hour)
	defer registry.Close()

	tenant := testrand.UUID()

	// The gitlab bucket banks 5 tokens; the burst drains without waiting.
	for i := 0; i < 5; i++ {
		require.NoError(t, registry.Acquire(ctx, tenant, source.GitLabMR))
	}

	// The sixth token needs a 200ms refill, which exceeds the deadline, so
	// Wait fails upfront instead of blocking.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.Error(t, registry.Acquire(short, tenant, source.GitLabMR))

	// A different tenant has its own bucket.
	require.NoError(t, registry.Acquire(ctx, testrand.UUID(), source.GitLabMR))
}

func TestRegistryClasses(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := NewRegistry(time.Hour, time.Hour)
	defer registry.Close()

	tenant := testrand.UUID()

	// Heavy and default classes meter independently.
	for i := 0; i < 2; i++ {
		require.NoError(t, registry.AcquireClass(ctx, tenant, source.LinearIssue, ClassHeavy))
	}
	require.NoError(t, registry.Acquire(ctx, tenant, source.LinearIssue))
}

func TestRegistryCleanup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := NewRegistry(time.Minute, time.Hour)
	defer registry.Close()

	require.NoError(t, registry.Acquire(ctx, testrand.UUID(), source.PylonIssue))
	require.Len(t, registry.buckets, 1)

	registry.cleanUp(time.Now().Add(30 * time.Second))
	require.Len(t, registry.buckets, 1)

	registry.cleanUp(time.Now().Add(2 * time.Minute))
	require.Len(t, registry.buckets, 0)
}

func TestRetrierSuccessAfterRetries(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := NewRetrier(zaptest.NewLogger(t), RetryConfig{
		MaxRetries:       5,
		BaseDelay:        time.Millisecond,
		MaxInlineWait:    30 * time.Second,
		VisibilityMargin: 5 * time.Second,
	})

	calls := 0
	err := retrier.Do(ctx, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetrierExtendVisibility(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := NewRetrier(zaptest.NewLogger(t), RetryConfig{
		MaxRetries:       5,
		BaseDelay:        time.Second,
		MaxInlineWait:    30 * time.Second,
		VisibilityMargin: 5 * time.Second,
	})

	// A server wait beyond the inline budget converts to a visibility
	// extension after a single call, with the margin added on top.
	calls := 0
	err := retrier.Do(ctx, func(ctx context.Context) error {
		calls++
		return &RateLimitedError{RetryAfter: 40 * time.Second}
	})
	require.Equal(t, 1, calls)

	timeout, ok := ExtendVisibilityTimeout(err)
	require.True(t, ok)
	require.Equal(t, 45*time.Second, timeout)
	require.False(t, IsRateLimited(err))
}

func TestRetrierExhaustion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := NewRetrier(zaptest.NewLogger(t), RetryConfig{
		MaxRetries:       3,
		BaseDelay:        time.Millisecond,
		MaxInlineWait:    30 * time.Second,
		VisibilityMargin: 5 * time.Second,
	})

	calls := 0
	err := retrier.Do(ctx, func(ctx context.Context) error {
		calls++
		return &RateLimitedError{RetryAfter: time.Millisecond}
	})
	require.True(t, IsRateLimited(err))
	require.Equal(t, 4, calls)
}

func TestRetrierPassthrough(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	retrier := NewRetrier(zaptest.NewLogger(t), RetryConfig{
		MaxRetries:       5,
		BaseDelay:        time.Millisecond,
		MaxInlineWait:    30 * time.Second,
		VisibilityMargin: 5 * time.Second,
	})

	boom := errors.New("boom")
	calls := 0
	err := retrier.Do(ctx, func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestRetrierBackoff(t *testing.T) {
	retrier := NewRetrier(zaptest.NewLogger(t), RetryConfig{
		MaxRetries:    5,
		BaseDelay:     time.Second,
		MaxInlineWait: 30 * time.Second,
	})

	noHint := &RateLimitedError{}
	require.Equal(t, time.Second, retrier.delayFor(noHint, 0))
	require.Equal(t, 2*time.Second, retrier.delayFor(noHint, 1))
	require.Equal(t, 8*time.Second, retrier.delayFor(noHint, 3))

	hinted := &RateLimitedError{RetryAfter: 7 * time.Second}
	require.Equal(t, 7*time.Second, retrier.delayFor(hinted, 3))
}

func TestLeakyBucketWait(t *testing.T) {
	require.Equal(t, time.Duration(0), LeakyBucketWait(100, 200, 10))
	require.Equal(t, 10*time.Second, LeakyBucketWait(100, 0, 10))
	require.Equal(t, time.Second, LeakyBucketWait(1, 0.5, 100))
	require.Equal(t, 5*time.Minute, LeakyBucketWait(1000, 0, 0.001))
	require.Equal(t, 5*time.Minute, LeakyBucketWait(100, 0, 0))
}

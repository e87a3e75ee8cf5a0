// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ratelimit paces outbound provider calls per tenant and retries
// rate-limited operations without losing queue messages.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"golang.org/x/time/rate"

	"storj.io/common/sync2"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Limiter classes for sources that meter different call shapes separately.
const (
	ClassDefault = "default"
	ClassHeavy   = "heavy"
)

// Policy describes a token bucket: one token every Interval, at most Burst
// tokens banked.
type Policy struct {
	Interval time.Duration
	Burst    int
}

// PolicyFor returns the provider bucket for one tenant connection. Values
// sit under the documented provider ceilings so that interactive use of the
// same account keeps working while a backfill runs.
func PolicyFor(src source.Source, class string) Policy {
	switch src {
	case source.GitLabMR:
		// gitlab.com throttles at 10 rps per token; stay at half.
		return Policy{Interval: 200 * time.Millisecond, Burst: 5}
	case source.FirefliesTranscript:
		// 60 requests per minute.
		return Policy{Interval: time.Second, Burst: 5}
	case source.PylonIssue:
		// 100 requests per minute.
		return Policy{Interval: 600 * time.Millisecond, Burst: 10}
	case source.LinearIssue:
		// Complexity budget is enforced by the client via LeakyBucketWait;
		// this bucket only caps request frequency. Heavy queries burn
		// hundreds of complexity points each, so they get a slower bucket.
		if class == ClassHeavy {
			return Policy{Interval: 5 * time.Second, Burst: 2}
		}
		return Policy{Interval: time.Second, Burst: 5}
	case source.Salesforce:
		// Daily API quota, not a rolling window; keep a gentle ceiling.
		return Policy{Interval: 250 * time.Millisecond, Burst: 10}
	case source.PipedriveDeal:
		return Policy{Interval: 250 * time.Millisecond, Burst: 10}
	case source.AttioRecord:
		return Policy{Interval: 250 * time.Millisecond, Burst: 10}
	case source.CanvaDesign:
		return Policy{Interval: 500 * time.Millisecond, Burst: 5}
	case source.FigmaFile:
		return Policy{Interval: 500 * time.Millisecond, Burst: 5}
	case source.PosthogInsight:
		return Policy{Interval: 250 * time.Millisecond, Burst: 10}
	case source.TeamworkTask:
		return Policy{Interval: 500 * time.Millisecond, Burst: 5}
	default:
		return Policy{Interval: time.Second, Burst: 1}
	}
}

// bucket pairs a limiter with its last use, so idle tenants can be dropped.
type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Registry hands out one token bucket per tenant, source and class. Buckets
// are created on first use and expire after sitting idle.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	idleExpiration time.Duration
	loop           *sync2.Cycle
}

// NewRegistry creates a Registry that drops buckets idle longer than
// idleExpiration, sweeping every cleanupInterval.
func NewRegistry(idleExpiration, cleanupInterval time.Duration) *Registry {
	return &Registry{
		buckets:        map[string]*bucket{},
		idleExpiration: idleExpiration,
		loop:           sync2.NewCycle(cleanupInterval),
	}
}

// Acquire blocks until the tenant's bucket for src has a token, or ctx is
// done.
func (registry *Registry) Acquire(ctx context.Context, tenant uuid.UUID, src source.Source) (err error) {
	return registry.AcquireClass(ctx, tenant, src, ClassDefault)
}

// AcquireClass blocks on the named limiter class of the tenant's source
// bucket.
func (registry *Registry) AcquireClass(ctx context.Context, tenant uuid.UUID, src source.Source, class string) (err error) {
	defer mon.Task()(&ctx)(&err)

	key := tenant.String() + "/" + string(src) + "/" + class

	registry.mu.Lock()
	entry, found := registry.buckets[key]
	if !found {
		policy := PolicyFor(src, class)
		entry = &bucket{
			limiter: rate.NewLimiter(rate.Every(policy.Interval), policy.Burst),
		}
		registry.buckets[key] = entry
	}
	entry.lastUsed = time.Now()
	registry.mu.Unlock()

	// Wait must run outside the mutex: it can block for whole intervals.
	return entry.limiter.Wait(ctx)
}

// Run sweeps idle buckets until ctx is done.
func (registry *Registry) Run(ctx context.Context) error {
	return registry.loop.Run(ctx, func(ctx context.Context) error {
		registry.cleanUp(time.Now())
		return nil
	})
}

func (registry *Registry) cleanUp(now time.Time) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	for key, entry := range registry.buckets {
		if now.Sub(entry.lastUsed) > registry.idleExpiration {
			delete(registry.buckets, key)
		}
	}
}

// Close stops the sweep loop.
func (registry *Registry) Close() {
	registry.loop.Close()
}

// LeakyBucketWait computes how long to pause before spending cost points
// out of a replenishing budget with remaining points left and refillPerSec
// points added per second. The result is clamped to [1s, 5m] whenever a
// pause is needed at all.
func LeakyBucketWait(cost, remaining, refillPerSec float64) time.Duration {
	if remaining >= cost {
		return 0
	}
	if refillPerSec <= 0 {
		return 5 * time.Minute
	}
	wait := time.Duration((cost - remaining) / refillPerSec * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	if wait > 5*time.Minute {
		wait = 5 * time.Minute
	}
	return wait
}

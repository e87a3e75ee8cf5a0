// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector

import (
	"context"

	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/private/healthcheck"
)

// Check adapts a connector probe into a healthcheck.HealthCheck. A
// rate-limited probe still reports healthy: throttling proves the
// connection works.
type Check struct {
	name  string
	probe func(ctx context.Context) error
}

// NewCheck creates a named health check around probe.
func NewCheck(name string, probe func(ctx context.Context) error) *Check {
	return &Check{name: name, probe: probe}
}

// Name implements healthcheck.HealthCheck.
func (check *Check) Name() string { return check.name }

// Check implements healthcheck.HealthCheck.
func (check *Check) Check(ctx context.Context) healthcheck.Status {
	err := check.probe(ctx)
	switch {
	case err == nil:
		return healthcheck.Status{Healthy: true}
	case ratelimit.IsRateLimited(err):
		return healthcheck.Status{Healthy: true, Message: "rate limited"}
	case ErrAuthFailed.Has(err):
		return healthcheck.Status{Healthy: false, Message: "credentials rejected"}
	default:
		return healthcheck.Status{Healthy: false, Message: err.Error()}
	}
}

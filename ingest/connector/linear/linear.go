// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package linear ingests issues from Linear over GraphQL.
//
// Teams are the containers. Issue pages arrive with full bodies, so the
// backfill ingests them inline during enumeration instead of fanning out
// refetch batches. Archived issues are pruned, not upserted.
//
// Linear throttles by query complexity. Requests that list full issues
// run against a separate, slower limiter class, and a RATELIMITED
// response is converted into an accurate pause using the leaky-bucket
// parameters the API attaches to the error.
package linear

import (
	"context"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

var mon = monkit.Package()

// Error is the default error class of the package.
var Error = errs.Class("linear")

const (
	// apiURL is the GraphQL endpoint host.
	apiURL = "https://api.linear.app"

	// graphqlPath is the single path all queries post to.
	graphqlPath = "/graphql"

	// pageSize is the issues-per-page of listing queries.
	pageSize = 50

	// entityIssue is the artifact kind.
	entityIssue = "linear_issue"
)

// Descriptor describes the connector to the peers. The probe reads the
// token's own viewer.
func Descriptor() connector.Descriptor {
	return connector.Descriptor{
		Source: source.LinearIssue,
		Title:  "Linear",
		Probe: func(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) error {
			client, err := NewClient(deps, tenant)
			if err != nil {
				return err
			}
			return client.Viewer(ctx)
		},
	}
}

// keyAuth sends the personal API key bare in the Authorization header,
// the scheme Linear uses for non-OAuth keys.
func keyAuth(deps *connector.Deps, tenant uuid.UUID) connector.AuthFunc {
	return func(ctx context.Context, req *http.Request) error {
		key, err := deps.Tokens.AccessToken(ctx, tenant, source.LinearIssue)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", key)
		return nil
	}
}

// classifyErrors converts Linear's RATELIMITED marker into a pause. The
// shared classifier handles everything else.
func classifyErrors(queryErrors []connector.QueryError) error {
	first := queryErrors[0]
	if first.Code() != "RATELIMITED" {
		return nil
	}
	wait := first.RetryAfter()
	if wait == 0 {
		wait = bucketWait(first.Extensions)
	}
	return &ratelimit.RateLimitedError{RetryAfter: wait, Err: errs.New("%s", first.Message)}
}

// bucketWait derives the pause from the leaky-bucket parameters under
// extensions.meta.rateLimitResult: how long until the budget, refilling
// at limit/duration points per second, covers the rejected cost.
func bucketWait(extensions map[string]any) time.Duration {
	meta, _ := extensions["meta"].(map[string]any)
	result, _ := meta["rateLimitResult"].(map[string]any)
	num := func(key string) float64 {
		value, _ := result[key].(float64)
		return value
	}
	refill := 0.0
	if duration := num("duration"); duration > 0 {
		refill = num("limit") / duration
	}
	cost := num("cost")
	if cost == 0 {
		cost = 1
	}
	return ratelimit.LeakyBucketWait(cost, num("remaining"), refill)
}

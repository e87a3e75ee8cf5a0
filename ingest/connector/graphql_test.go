// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/private/httpmock"
)

func TestGraphQLExecute(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, transport := newTestClient(t, "https://api.example.com", connector.ClientOptions{})
	gql := connector.NewGraphQLClient(client, "/graphql", nil)

	transport.AddResponse("https://api.example.com/graphql", httpmock.Response{
		StatusCode: 200,
		Body:       `{"data":{"viewer":{"id":"u1"}}}`,
	})

	var out struct {
		Viewer struct {
			ID string `json:"id"`
		} `json:"viewer"`
	}
	require.NoError(t, gql.Execute(ctx, `query { viewer { id } }`, nil, &out))
	require.Equal(t, "u1", out.Viewer.ID)

	requests := transport.Requests()
	require.Len(t, requests, 1)
	require.Contains(t, requests[0].Body, "viewer")
}

func TestGraphQLRateLimitedWith200(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, transport := newTestClient(t, "https://api.example.com", connector.ClientOptions{})
	gql := connector.NewGraphQLClient(client, "/graphql", nil)

	transport.AddResponse("https://api.example.com/graphql", httpmock.Response{
		StatusCode: 200,
		Body:       `{"errors":[{"message":"rate limit exceeded","extensions":{"code":"RATELIMITED","retryAfter":1500}}]}`,
	})

	err := gql.Execute(ctx, `query { viewer { id } }`, nil, nil)
	require.True(t, ratelimit.IsRateLimited(err))
	hint, _ := ratelimit.RetryAfter(err)
	require.Equal(t, 1500*time.Millisecond, hint)
}

func TestClassifyQueryErrors(t *testing.T) {
	err := connector.ClassifyQueryErrors([]connector.QueryError{
		{Message: "Too many requests", Extensions: map[string]any{"code": "too_many_requests"}},
	})
	require.True(t, ratelimit.IsRateLimited(err))

	err = connector.ClassifyQueryErrors([]connector.QueryError{
		{Message: "Transcript not found", Extensions: map[string]any{"code": "object_not_found"}},
	})
	require.True(t, connector.ErrNotFound.Has(err))

	err = connector.ClassifyQueryErrors([]connector.QueryError{
		{Message: "authentication required", Extensions: map[string]any{"code": "UNAUTHENTICATED"}},
	})
	require.True(t, connector.ErrAuthFailed.Has(err))

	err = connector.ClassifyQueryErrors([]connector.QueryError{
		{Message: "field does not exist"},
		{Message: "syntax error"},
	})
	apiErr, ok := connector.AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, 200, apiErr.Status)
	require.Contains(t, apiErr.Body, "syntax error")
}

func TestGraphQLCustomClassifier(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, transport := newTestClient(t, "https://api.example.com", connector.ClientOptions{})
	gql := connector.NewGraphQLClient(client, "/graphql", func(errors []connector.QueryError) error {
		if cost, ok := errors[0].Number("requestedQueryCost"); ok {
			available, _ := errors[0].Number("currentlyAvailable")
			restore, _ := errors[0].Number("restoreRate")
			return &ratelimit.RateLimitedError{RetryAfter: ratelimit.LeakyBucketWait(cost, available, restore)}
		}
		return nil
	})

	transport.AddResponse("https://api.example.com/graphql", httpmock.Response{
		StatusCode: 200,
		Body: `{"errors":[{"message":"complexity budget exhausted","extensions":{
			"code":"RATELIMITED","requestedQueryCost":500,"currentlyAvailable":100,"restoreRate":20}}]}`,
	})

	err := gql.Execute(ctx, `query { issues { nodes { id } } }`, nil, nil)
	require.True(t, ratelimit.IsRateLimited(err))
	hint, _ := ratelimit.RetryAfter(err)
	require.Equal(t, 20*time.Second, hint)
}

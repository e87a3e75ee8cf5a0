// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/private/httpmock"
)

func newTestClient(t *testing.T, baseURL string, opts connector.ClientOptions) (*connector.HTTPClient, *httpmock.Transport) {
	httpClient, transport := httpmock.NewClient()
	client, err := connector.NewHTTPClient(zaptest.NewLogger(t), httpClient, baseURL, opts)
	require.NoError(t, err)
	return client, transport
}

func TestHTTPClientJSON(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, transport := newTestClient(t, "https://api.example.com", connector.ClientOptions{
		Auth: connector.BearerAuth("tok-123"),
	})
	transport.AddResponse("https://api.example.com/v2/things?page=1", httpmock.Response{
		StatusCode: 200,
		Body:       `{"items":[{"id":"a"},{"id":"b"}]}`,
	})

	var out struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	query := url.Values{"page": {"1"}}
	require.NoError(t, client.GetJSON(ctx, "/v2/things", query, &out))
	require.Len(t, out.Items, 2)
	require.Equal(t, "b", out.Items[1].ID)

	requests := transport.Requests()
	require.Len(t, requests, 1)
	require.Equal(t, "Bearer tok-123", requests[0].Headers.Get("Authorization"))
}

func TestHTTPClientTaxonomy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, transport := newTestClient(t, "https://api.example.com", connector.ClientOptions{})

	transport.AddResponse("https://api.example.com/throttled", httpmock.Response{
		StatusCode: 429,
		Headers:    map[string]string{"Retry-After": "40"},
	})
	err := client.GetJSON(ctx, "/throttled", nil, nil)
	require.True(t, ratelimit.IsRateLimited(err))
	hint, ok := ratelimit.RetryAfter(err)
	require.True(t, ok)
	require.Equal(t, 40*time.Second, hint)

	transport.AddResponse("https://api.example.com/denied", httpmock.Response{StatusCode: 401, Body: "bad token"})
	err = client.GetJSON(ctx, "/denied", nil, nil)
	require.True(t, connector.ErrAuthFailed.Has(err))

	// The mock answers unscripted URLs with 404.
	err = client.GetJSON(ctx, "/missing", nil, nil)
	require.True(t, connector.ErrNotFound.Has(err))

	transport.AddResponse("https://api.example.com/broken", httpmock.Response{StatusCode: 502, Body: "bad gateway"})
	err = client.GetJSON(ctx, "/broken", nil, nil)
	require.True(t, ratelimit.IsRateLimited(err))
	hint, _ = ratelimit.RetryAfter(err)
	require.GreaterOrEqual(t, hint, 10*time.Second)
	require.LessOrEqual(t, hint, 35*time.Second)

	transport.AddResponse("https://api.example.com/teapot", httpmock.Response{StatusCode: 418, Body: "short and stout"})
	err = client.GetJSON(ctx, "/teapot", nil, nil)
	apiErr, ok := connector.AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, 418, apiErr.Status)
	require.Contains(t, apiErr.Body, "stout")
}

func TestHTTPClientLongWaitStopsCalling(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, transport := newTestClient(t, "https://api.example.com", connector.ClientOptions{})
	transport.AddResponse("https://api.example.com/busy", httpmock.Response{
		StatusCode: 429,
		Headers:    map[string]string{"Retry-After": "40"},
	})
	// If the retrier were to call again, the mock would answer 404 and the
	// error type would change.
	transport.AddResponse("https://api.example.com/busy", httpmock.Response{StatusCode: 200, Body: "{}"})

	retrier := ratelimit.NewRetrier(zaptest.NewLogger(t), ratelimit.RetryConfig{
		MaxRetries:       5,
		BaseDelay:        time.Second,
		MaxInlineWait:    30 * time.Second,
		VisibilityMargin: 5 * time.Second,
	})

	err := retrier.Do(ctx, func(ctx context.Context) error {
		return client.GetJSON(ctx, "/busy", nil, nil)
	})
	timeout, ok := ratelimit.ExtendVisibilityTimeout(err)
	require.True(t, ok)
	require.Equal(t, 45*time.Second, timeout)
	require.Len(t, transport.Requests(), 1)
}

func TestHTTPClientRetryThenSuccess(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, transport := newTestClient(t, "https://api.example.com", connector.ClientOptions{})
	transport.AddResponse("https://api.example.com/flaky", httpmock.Response{
		StatusCode: 429,
		Headers:    map[string]string{"Retry-After": "0"},
	})
	transport.AddResponse("https://api.example.com/flaky", httpmock.Response{StatusCode: 200, Body: `{"ok":true}`})

	retrier := ratelimit.NewRetrier(zaptest.NewLogger(t), ratelimit.RetryConfig{
		MaxRetries:       5,
		BaseDelay:        time.Millisecond,
		MaxInlineWait:    30 * time.Second,
		VisibilityMargin: 5 * time.Second,
	})

	var out struct {
		OK bool `json:"ok"`
	}
	err := retrier.Do(ctx, func(ctx context.Context) error {
		return client.GetJSON(ctx, "/flaky", nil, &out)
	})
	require.NoError(t, err)
	require.True(t, out.OK)
	require.Len(t, transport.Requests(), 2)
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 40*time.Second, connector.ParseRetryAfter("40"))
	require.Equal(t, time.Duration(0), connector.ParseRetryAfter(""))
	require.Equal(t, time.Duration(0), connector.ParseRetryAfter("soon"))
	require.Equal(t, time.Duration(0), connector.ParseRetryAfter("-5"))

	date := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	parsed := connector.ParseRetryAfter(date)
	require.Greater(t, parsed, 80*time.Second)
	require.LessOrEqual(t, parsed, 90*time.Second)
}

func TestRedactPath(t *testing.T) {
	require.Equal(t,
		"https://gitlab.example.com/api/v4/projects/…/merge_requests",
		connector.RedactPath("https://gitlab.example.com/api/v4/projects/42137/merge_requests?page=3&private_token=hush"))

	require.Equal(t,
		"https://api.figma.com/v1/files/…",
		connector.RedactPath("https://api.figma.com/v1/files/Xq9LmP2v8RtK0aW4cY6bN3dZ"))

	require.Equal(t,
		"https://api.linear.app/graphql",
		connector.RedactPath("https://api.linear.app/graphql"))

	require.Equal(t,
		"https://example.com/records/…",
		connector.RedactPath("https://example.com/records/a%20b"))
}

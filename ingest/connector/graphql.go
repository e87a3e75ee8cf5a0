// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"storj.io/inlet/ingest/ratelimit"
)

// QueryError is one entry of a GraphQL errors array.
type QueryError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions"`
}

// Code returns the machine-readable error code, when the provider sent one.
func (e *QueryError) Code() string {
	if code, ok := e.Extensions["code"].(string); ok {
		return code
	}
	return ""
}

// RetryAfter extracts a retry hint from the error extensions. Providers
// encode it in milliseconds under retryAfter or retryAfterMs.
func (e *QueryError) RetryAfter() time.Duration {
	for _, key := range []string{"retryAfter", "retryAfterMs"} {
		if ms, ok := e.Extensions[key].(float64); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

// Number extracts a numeric extension field.
func (e *QueryError) Number(key string) (_ float64, ok bool) {
	value, ok := e.Extensions[key].(float64)
	return value, ok
}

// ClassifyFunc turns a GraphQL errors array into a typed error. Returning
// nil falls back to the default classification.
type ClassifyFunc func(errors []QueryError) error

// GraphQLClient runs GraphQL queries over an HTTPClient and inspects the
// errors array before handing data back, since GraphQL providers signal
// throttling with HTTP 200.
type GraphQLClient struct {
	http     *HTTPClient
	path     string
	classify ClassifyFunc
}

// NewGraphQLClient creates a GraphQLClient posting to path on client, with
// an optional provider-specific error classifier.
func NewGraphQLClient(client *HTTPClient, path string, classify ClassifyFunc) *GraphQLClient {
	return &GraphQLClient{http: client, path: path, classify: classify}
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []QueryError    `json:"errors"`
}

// Execute runs one query and decodes the data object into out. A nil out
// discards the data.
func (client *GraphQLClient) Execute(ctx context.Context, query string, variables map[string]any, out any) (err error) {
	defer mon.Task()(&ctx)(&err)

	var resp graphqlResponse
	err = client.http.PostJSON(ctx, client.path, graphqlRequest{Query: query, Variables: variables}, &resp)
	if err != nil {
		return err
	}

	if len(resp.Errors) > 0 {
		if client.classify != nil {
			if err := client.classify(resp.Errors); err != nil {
				return err
			}
		}
		return ClassifyQueryErrors(resp.Errors)
	}

	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return Error.New("decoding graphql data: %w", err)
	}
	return nil
}

// ClassifyQueryErrors maps a GraphQL errors array into the shared
// taxonomy. The first error decides; providers do not mix throttle errors
// with others in one response.
func ClassifyQueryErrors(errors []QueryError) error {
	first := errors[0]
	code := first.Code()
	message := strings.ToLower(first.Message)

	switch {
	case code == "RATELIMITED" || code == "too_many_requests" ||
		strings.Contains(message, "too many requests") ||
		strings.Contains(message, "rate limit"):
		return &ratelimit.RateLimitedError{RetryAfter: first.RetryAfter()}
	case code == "object_not_found" || strings.Contains(message, "not found"):
		return ErrNotFound.New("%s", first.Message)
	case code == "UNAUTHENTICATED" || code == "FORBIDDEN" ||
		strings.Contains(message, "authentication") ||
		strings.Contains(message, "unauthorized"):
		return ErrAuthFailed.New("%s", first.Message)
	default:
		var messages []string
		for _, entry := range errors {
			messages = append(messages, entry.Message)
		}
		return &APIError{Status: 200, Body: strings.Join(messages, "; ")}
	}
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/inlet/ingest/ratelimit"
)

var mon = monkit.Package()

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body is kept for logs.
const maxErrorBody = 8 * 1024

// AuthFunc injects credentials into an outgoing request.
type AuthFunc func(ctx context.Context, req *http.Request) error

// BearerAuth authorizes with a static bearer token.
func BearerAuth(token string) AuthFunc {
	return func(ctx context.Context, req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// HeaderAuth authorizes with a static header, for providers that use
// api-key style headers instead of Authorization.
func HeaderAuth(key, value string) AuthFunc {
	return func(ctx context.Context, req *http.Request) error {
		req.Header.Set(key, value)
		return nil
	}
}

// BasicAuth authorizes with HTTP basic credentials.
func BasicAuth(user, pass string) AuthFunc {
	return func(ctx context.Context, req *http.Request) error {
		req.SetBasicAuth(user, pass)
		return nil
	}
}

// TokenAuth authorizes each request with a freshly resolved access token,
// so long jobs pick up refreshed tokens without rebuilding the client.
func TokenAuth(tokens func(ctx context.Context) (string, error)) AuthFunc {
	return func(ctx context.Context, req *http.Request) error {
		token, err := tokens(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// HTTPClient is the base layer shared by all provider clients: resolves
// paths against one base URL, paces requests through the rate limiter,
// injects credentials, and maps responses into the shared error taxonomy.
type HTTPClient struct {
	log     *zap.Logger
	http    *http.Client
	baseURL *url.URL
	auth    AuthFunc
	acquire func(ctx context.Context) error
}

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	// Auth injects credentials; nil sends unauthenticated requests.
	Auth AuthFunc
	// Acquire blocks until the tenant's rate bucket has a token; nil skips
	// pacing.
	Acquire func(ctx context.Context) error
}

// NewHTTPClient creates an HTTPClient rooted at baseURL.
func NewHTTPClient(log *zap.Logger, httpClient *http.Client, baseURL string, opts ClientOptions) (*HTTPClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPClient{
		log:     log,
		http:    httpClient,
		baseURL: parsed,
		auth:    opts.Auth,
		acquire: opts.Acquire,
	}, nil
}

// BaseURL returns the root this client resolves paths against.
func (client *HTTPClient) BaseURL() *url.URL {
	clone := *client.baseURL
	return &clone
}

// Do sends one request and returns the raw response. Non-2xx statuses and
// transport failures are already mapped into the error taxonomy; on error
// the response is fully consumed and closed.
func (client *HTTPClient) Do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (_ *http.Response, err error) {
	defer mon.Task()(&ctx)(&err)

	target := client.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	if client.acquire != nil {
		if err := client.acquire(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if client.auth != nil {
		if err := client.auth(ctx, req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := client.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Connection failures and read timeouts share the rate-limit
		// backoff path.
		mon.Event("connector_transport_error")
		return nil, &ratelimit.RateLimitedError{RetryAfter: TransientWait(), Err: err}
	}

	client.log.Debug("request",
		zap.String("method", method),
		zap.String("url", RedactPath(target.String())),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return nil, ClassifyStatus(resp.StatusCode, resp.Header, string(snippet))
}

// JSON sends a request with an optional JSON body and decodes a JSON
// response into out. A nil out discards the response body.
func (client *HTTPClient) JSON(ctx context.Context, method, path string, query url.Values, reqBody, out any) (err error) {
	defer mon.Task()(&ctx)(&err)

	var body io.Reader
	contentType := ""
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return Error.Wrap(err)
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	resp, err := client.Do(ctx, method, path, query, body, contentType)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Error.New("decoding %s response: %w", RedactPath(path), err)
	}
	return nil
}

// GetJSON fetches path and decodes the response into out.
func (client *HTTPClient) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return client.JSON(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON posts reqBody to path and decodes the response into out.
func (client *HTTPClient) PostJSON(ctx context.Context, path string, reqBody, out any) error {
	return client.JSON(ctx, http.MethodPost, path, nil, reqBody, out)
}

// ClassifyStatus maps a non-2xx response into the error taxonomy.
func ClassifyStatus(status int, header http.Header, body string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &ratelimit.RateLimitedError{RetryAfter: ParseRetryAfter(header.Get("Retry-After"))}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthFailed.New("status %d: %s", status, body)
	case status == http.StatusNotFound:
		return ErrNotFound.New("status %d", status)
	case status >= 500:
		retryAfter := ParseRetryAfter(header.Get("Retry-After"))
		if retryAfter == 0 {
			retryAfter = TransientWait()
		}
		return &ratelimit.RateLimitedError{RetryAfter: retryAfter, Err: &APIError{Status: status, Body: body}}
	default:
		return &APIError{Status: status, Body: body}
	}
}

// ParseRetryAfter reads a Retry-After header, either delta-seconds or an
// HTTP date. Unparseable values yield zero.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

// TransientWait picks a pause in [10s, 35s] for errors with no server
// hint, spreading retries from a worker fleet.
func TransientWait() time.Duration {
	return time.Duration(10+rand.IntN(26)) * time.Second
}

// RedactPath strips identifying parts from a URL before logging: query
// values are dropped and path segments that look like record ids or file
// keys are replaced. Short all-letter segments, the static API vocabulary,
// stay readable.
func RedactPath(rawurl string) string {
	parsed, err := url.Parse(rawurl)
	if err != nil {
		return "<unparseable url>"
	}
	segments := strings.Split(parsed.EscapedPath(), "/")
	for i, segment := range segments {
		if redactSegment(segment) {
			segments[i] = "…"
		}
	}
	// Assembled by hand: url.URL.String would percent-encode the
	// replacement character.
	path := strings.Join(segments, "/")
	if parsed.Scheme == "" {
		return path
	}
	return parsed.Scheme + "://" + parsed.Host + path
}

func redactSegment(segment string) bool {
	if segment == "" || isVersionSegment(segment) {
		return false
	}
	if len(segment) > 24 || strings.Contains(segment, "%") {
		return true
	}
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

// isVersionSegment keeps API version markers like v4 readable.
func isVersionSegment(segment string) bool {
	if len(segment) < 2 || len(segment) > 4 || segment[0] != 'v' {
		return false
	}
	for _, r := range segment[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package httpmock provides a RoundTripper with scripted responses for
// client tests.
package httpmock

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// Response represents a mocked HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// Request records one request the transport has served.
type Request struct {
	Method  string
	URL     string
	Body    string
	Headers http.Header
}

// Transport is a custom HTTP transport for handling mocked responses.
type Transport struct {
	mutex     sync.Mutex
	responses map[string][]Response
	requests  []Request
}

// NewTransport creates a new instance of Transport.
func NewTransport() *Transport {
	return &Transport{
		responses: make(map[string][]Response),
	}
}

// AddResponse registers a response for a given URL.
// Multiple responses for the same URL will be returned in sequence.
func (t *Transport) AddResponse(url string, response Response) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.responses[url] = append(t.responses[url], response)
}

// Requests returns a copy of all requests served so far, in order.
func (t *Transport) Requests() []Request {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]Request(nil), t.requests...)
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var body string
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
		body = string(data)
	}
	t.requests = append(t.requests, Request{
		Method:  req.Method,
		URL:     req.URL.String(),
		Body:    body,
		Headers: req.Header.Clone(),
	})

	if responses, ok := t.responses[req.URL.String()]; ok && len(responses) > 0 {
		response := responses[0]
		t.responses[req.URL.String()] = responses[1:]

		headers := make(http.Header)
		for key, value := range response.Headers {
			headers.Set(key, value)
		}

		return &http.Response{
			StatusCode: response.StatusCode,
			Header:     headers,
			Body:       io.NopCloser(strings.NewReader(response.Body)),
			Request:    req,
		}, nil
	}

	return &http.Response{
		StatusCode: http.StatusNotFound,
		Body:       io.NopCloser(strings.NewReader("Not Found")),
		Request:    req,
	}, nil
}

// NewClient creates an *http.Client configured to use the Transport.
func NewClient() (*http.Client, *Transport) {
	transport := NewTransport()
	client := &http.Client{Transport: transport}
	return client, transport
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package fireflies

import (
	"context"
	"encoding/json"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// Transcript is one meeting transcript with full body. Raw holds the
// provider node verbatim; Date is the meeting time, which the provider
// encodes as epoch milliseconds.
type Transcript struct {
	ID    string
	Title string
	Date  time.Time
	Raw   json.RawMessage
}

const transcriptsQuery = `query Transcripts($fromDate: DateTime, $toDate: DateTime, $limit: Int) {
	transcripts(fromDate: $fromDate, toDate: $toDate, limit: $limit) {
		id title date duration transcript_url
		organizer_email participants
		meeting_attendees { displayName email }
		summary { overview action_items keywords }
		sentences { index speaker_name text start_time end_time }
	}
}`

const transcriptQuery = `query Transcript($id: String!) {
	transcript(id: $id) {
		id title date duration transcript_url
		organizer_email participants
		meeting_attendees { displayName email }
		summary { overview action_items keywords }
		sentences { index speaker_name text start_time end_time }
	}
}`

const usersQuery = `query { users { user_id } }`

// Client runs Fireflies GraphQL queries for one tenant.
type Client struct {
	gql     *connector.GraphQLClient
	retrier *ratelimit.Retrier
}

// NewClient builds a client for the tenant.
func NewClient(deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("fireflies"), deps.HTTP, apiURL, connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.FirefliesTranscript),
		Acquire: deps.AcquireFunc(tenant, source.FirefliesTranscript),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{
		gql:     connector.NewGraphQLClient(httpClient, graphqlPath, nil),
		retrier: deps.Retrier,
	}, nil
}

// Users verifies the key by listing the workspace's users.
func (client *Client) Users(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		return client.gql.Execute(ctx, usersQuery, nil, nil)
	})
}

// Transcripts lists one page of transcripts, newest first. A non-zero
// fromDate bounds the page from below, a non-zero toDate from above.
func (client *Client) Transcripts(ctx context.Context, fromDate, toDate time.Time) (_ []Transcript, err error) {
	defer mon.Task()(&ctx)(&err)

	variables := map[string]any{"limit": pageSize}
	if !fromDate.IsZero() {
		variables["fromDate"] = fromDate.UTC().Format(time.RFC3339Nano)
	}
	if !toDate.IsZero() {
		variables["toDate"] = toDate.UTC().Format(time.RFC3339Nano)
	}

	var out struct {
		Transcripts []json.RawMessage `json:"transcripts"`
	}
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		out.Transcripts = nil
		return client.gql.Execute(ctx, transcriptsQuery, variables, &out)
	})
	if err != nil {
		return nil, err
	}
	return parseTranscripts(out.Transcripts)
}

// TranscriptByID fetches one transcript fully.
func (client *Client) TranscriptByID(ctx context.Context, id string) (_ Transcript, err error) {
	defer mon.Task()(&ctx)(&err)

	var out struct {
		Transcript json.RawMessage `json:"transcript"`
	}
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		out.Transcript = nil
		return client.gql.Execute(ctx, transcriptQuery, map[string]any{"id": id}, &out)
	})
	if err != nil {
		return Transcript{}, err
	}
	transcripts, err := parseTranscripts([]json.RawMessage{out.Transcript})
	if err != nil {
		return Transcript{}, err
	}
	if len(transcripts) == 0 {
		return Transcript{}, connector.ErrNotFound.New("transcript %s", id)
	}
	return transcripts[0], nil
}

func parseTranscripts(nodes []json.RawMessage) ([]Transcript, error) {
	transcripts := make([]Transcript, 0, len(nodes))
	for _, raw := range nodes {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var fields struct {
			ID    string  `json:"id"`
			Title string  `json:"title"`
			Date  float64 `json:"date"`
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, Error.New("decoding transcript: %w", err)
		}
		if fields.ID == "" {
			continue
		}
		transcripts = append(transcripts, Transcript{
			ID:    fields.ID,
			Title: fields.Title,
			Date:  time.UnixMilli(int64(fields.Date)).UTC(),
			Raw:   raw,
		})
	}
	return transcripts, nil
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pipedrive

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
)

// envelope is the wrapper every Pipedrive response carries. Failures can
// arrive as success=false on a 200.
type envelope struct {
	Success        bool            `json:"success"`
	Data           json.RawMessage `json:"data"`
	ErrorMessage   string          `json:"error"`
	AdditionalData struct {
		Pagination struct {
			MoreItemsInCollection bool `json:"more_items_in_collection"`
		} `json:"pagination"`
	} `json:"additional_data"`
}

// Deal is one Pipedrive deal. Raw holds the provider response verbatim
// for the artifact content.
type Deal struct {
	ID         int64
	Title      string
	Status     string
	UpdateTime time.Time

	Raw json.RawMessage
}

// Deleted reports whether the deal moved to status deleted. Such deals
// stay readable through the API for a while but must not stay indexed.
func (deal Deal) Deleted() bool { return deal.Status == "deleted" }

// dealFields is the wire shape of the deal fields the connector reads.
// Timestamps come as UTC strings without a zone marker.
type dealFields struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	UpdateTime string `json:"update_time"`
}

// Client calls the Pipedrive REST API v1 for one tenant.
type Client struct {
	http    *connector.HTTPClient
	retrier *ratelimit.Retrier
}

// NewClient builds a client for the tenant. The apiDomain argument is
// the per-company host the OAuth handshake handed out; empty falls back
// to the shared token-authenticated host.
func NewClient(deps *connector.Deps, tenant uuid.UUID, apiDomain string) (*Client, error) {
	httpClient, err := connector.NewHTTPClient(deps.Log.Named("pipedrive"), deps.HTTP, apiBase(apiDomain), connector.ClientOptions{
		Auth:    deps.TokenAuth(tenant, source.PipedriveDeal),
		Acquire: deps.AcquireFunc(tenant, source.PipedriveDeal),
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Client{http: httpClient, retrier: deps.Retrier}, nil
}

// clientFor resolves the tenant's connection and builds a client for it.
func clientFor(ctx context.Context, deps *connector.Deps, tenant uuid.UUID) (*Client, error) {
	conn, err := deps.Sources.Connection(ctx, tenant, source.PipedriveDeal)
	if err != nil {
		return nil, err
	}
	return NewClient(deps, tenant, conn.Subdomain)
}

// Me verifies the token by reading its own user.
func (client *Client) Me(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return client.retrier.Do(ctx, func(ctx context.Context) error {
		_, _, err := client.get(ctx, "/users/me", nil)
		return err
	})
}

// DealIDs lists the ids of every non-deleted deal, any status.
func (client *Client) DealIDs(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var ids []string
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]dealFields, bool, error) {
		query := url.Values{
			"status": {"all_not_deleted"},
			"start":  {strconv.Itoa((page - 1) * pageSize)},
			"limit":  {strconv.Itoa(pageSize)},
		}
		var items []dealFields
		var more bool
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items = nil
			data, m, err := client.get(ctx, "/deals", query)
			if err != nil {
				return err
			}
			more = m
			return decodeData(data, &items)
		})
		return items, more, err
	}, func(items []dealFields) error {
		for _, deal := range items {
			ids = append(ids, formatDealID(deal.ID))
		}
		return nil
	})
	return ids, err
}

// Deal fetches one deal by id.
func (client *Client) Deal(ctx context.Context, id string) (_ Deal, err error) {
	defer mon.Task()(&ctx)(&err)

	var deal Deal
	err = client.retrier.Do(ctx, func(ctx context.Context) error {
		data, _, err := client.get(ctx, "/deals/"+url.PathEscape(id), nil)
		if err != nil {
			return err
		}
		if len(data) == 0 || string(data) == "null" {
			return connector.ErrNotFound.New("deal %s", id)
		}
		deal, err = parseDeal(data)
		return err
	})
	return deal, err
}

// DealNotes lists the notes attached to a deal, oldest first.
func (client *Client) DealNotes(ctx context.Context, id string) (_ []json.RawMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	var notes []json.RawMessage
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]json.RawMessage, bool, error) {
		query := url.Values{
			"deal_id": {id},
			"start":   {strconv.Itoa((page - 1) * pageSize)},
			"limit":   {strconv.Itoa(pageSize)},
		}
		var items []json.RawMessage
		var more bool
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items = nil
			data, m, err := client.get(ctx, "/notes", query)
			if err != nil {
				return err
			}
			more = m
			return decodeData(data, &items)
		})
		return items, more, err
	}, func(items []json.RawMessage) error {
		notes = append(notes, items...)
		return nil
	})
	return connector.NonNil(notes), err
}

// RecentDealIDs lists the ids of deals the recents feed saw change since
// the given time, deletions included.
func (client *Client) RecentDealIDs(ctx context.Context, since time.Time) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	type recentItem struct {
		Item string `json:"item"`
		ID   int64  `json:"id"`
	}

	var ids []string
	seen := map[int64]bool{}
	err = connector.ForEachPage(ctx, func(ctx context.Context, page int) ([]recentItem, bool, error) {
		query := url.Values{
			"since_timestamp": {since.UTC().Format(timeLayout)},
			"items":           {"deal"},
			"start":           {strconv.Itoa((page - 1) * pageSize)},
			"limit":           {strconv.Itoa(pageSize)},
		}
		var items []recentItem
		var more bool
		err := client.retrier.Do(ctx, func(ctx context.Context) error {
			items = nil
			data, m, err := client.get(ctx, "/recents", query)
			if err != nil {
				return err
			}
			more = m
			return decodeData(data, &items)
		})
		return items, more, err
	}, func(items []recentItem) error {
		for _, item := range items {
			if item.Item != "deal" || seen[item.ID] {
				continue
			}
			seen[item.ID] = true
			ids = append(ids, formatDealID(item.ID))
		}
		return nil
	})
	return ids, err
}

// get fetches path and unpacks the response envelope, returning its data
// payload and pagination flag.
func (client *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, bool, error) {
	var out envelope
	if err := client.http.GetJSON(ctx, path, query, &out); err != nil {
		return nil, false, err
	}
	if !out.Success {
		return nil, false, Error.New("request %s failed: %s", path, out.ErrorMessage)
	}
	return out.Data, out.AdditionalData.Pagination.MoreItemsInCollection, nil
}

// decodeData decodes an envelope payload, treating JSON null as empty.
func decodeData(data json.RawMessage, target any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return Error.Wrap(json.Unmarshal(data, target))
}

func parseDeal(raw json.RawMessage) (Deal, error) {
	var fields dealFields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Deal{}, Error.New("decoding deal: %w", err)
	}
	deal := Deal{
		ID:     fields.ID,
		Title:  fields.Title,
		Status: fields.Status,
		Raw:    raw,
	}
	if fields.UpdateTime != "" {
		updated, err := time.ParseInLocation(timeLayout, fields.UpdateTime, time.UTC)
		if err != nil {
			return Deal{}, Error.New("decoding deal %d update time: %w", fields.ID, err)
		}
		deal.UpdateTime = updated
	}
	return deal, nil
}

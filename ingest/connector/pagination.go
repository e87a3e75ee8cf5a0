// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector

import (
	"context"
)

// maxPages is a hard stop against providers that keep reporting more
// pages; no supported listing legitimately reaches it.
const maxPages = 100000

// FetchPageFunc returns one numbered page (1-based) and whether another
// page may follow.
type FetchPageFunc[T any] func(ctx context.Context, page int) (items []T, more bool, err error)

// ForEachPage walks numbered pages, calling visit for each non-empty page.
// Iteration stops on the first empty page even when the provider claims
// more, since several providers keep reporting a next page past the end.
func ForEachPage[T any](ctx context.Context, fetch FetchPageFunc[T], visit func(items []T) error) error {
	for page := 1; page <= maxPages; page++ {
		items, more, err := fetch(ctx, page)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		if err := visit(items); err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return Error.New("pagination did not terminate")
}

// FetchCursorFunc returns the page at cursor and the cursor of the next
// page; an empty next cursor ends iteration. The first call receives an
// empty cursor.
type FetchCursorFunc[T any] func(ctx context.Context, cursor string) (items []T, next string, err error)

// ForEachCursor walks cursor-chained pages, calling visit for each
// non-empty page. A repeated cursor ends iteration, guarding against
// providers that echo the final cursor forever.
func ForEachCursor[T any](ctx context.Context, fetch FetchCursorFunc[T], visit func(items []T) error) error {
	cursor := ""
	for page := 0; page <= maxPages; page++ {
		items, next, err := fetch(ctx, cursor)
		if err != nil {
			return err
		}
		if len(items) > 0 {
			if err := visit(items); err != nil {
				return err
			}
		}
		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
	return Error.New("pagination did not terminate")
}

// NonNil turns a nil slice into an empty one, normalizing providers that
// encode an empty page as null or omit the field entirely.
func NonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// ChunkByLen splits values into chunks so that the serialized form of each
// chunk stays under max bytes, computed as base plus per-item overhead plus
// the value lengths. A single oversized value still gets its own chunk.
func ChunkByLen(values []string, base, perItem, max int) [][]string {
	var chunks [][]string
	var current []string
	size := base
	for _, value := range values {
		added := len(value) + perItem
		if len(current) > 0 && size+added > max {
			chunks = append(chunks, current)
			current = nil
			size = base
		}
		current = append(current, value)
		size += added
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// Chunk splits items into batches of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		if len(items) == 0 {
			return nil
		}
		return [][]T{items}
	}
	var batches [][]T
	for len(items) > size {
		batches = append(batches, items[:size:size])
		items = items[size:]
	}
	return append(batches, items)
}

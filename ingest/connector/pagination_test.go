// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package connector_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/common/testcontext"
	"storj.io/inlet/ingest/connector"
)

func TestForEachPage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	pages := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	var seen []string
	err := connector.ForEachPage(ctx,
		func(ctx context.Context, page int) ([]string, bool, error) {
			require.LessOrEqual(t, page, len(pages))
			return pages[page-1], page < len(pages), nil
		},
		func(items []string) error {
			seen = append(seen, items...)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestForEachPageStopsOnEmpty(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// The provider claims more pages but returns an empty one.
	calls := 0
	err := connector.ForEachPage(ctx,
		func(ctx context.Context, page int) ([]string, bool, error) {
			calls++
			if page == 1 {
				return []string{"a"}, true, nil
			}
			return nil, true, nil
		},
		func(items []string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestForEachCursor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	chain := map[string]struct {
		items []int
		next  string
	}{
		"":   {items: []int{1, 2}, next: "c1"},
		"c1": {items: []int{3}, next: "c2"},
		"c2": {items: nil, next: ""},
	}
	var seen []int
	err := connector.ForEachCursor(ctx,
		func(ctx context.Context, cursor string) ([]int, string, error) {
			page := chain[cursor]
			return page.items, page.next, nil
		},
		func(items []int) error {
			seen = append(seen, items...)
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, seen)
}

func TestForEachCursorRepeatedCursorStops(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	calls := 0
	err := connector.ForEachCursor(ctx,
		func(ctx context.Context, cursor string) ([]int, string, error) {
			calls++
			return []int{calls}, "same", nil
		},
		func(items []int) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestNonNil(t *testing.T) {
	require.NotNil(t, connector.NonNil[string](nil))
	require.Empty(t, connector.NonNil[string](nil))
	require.Equal(t, []string{"x"}, connector.NonNil([]string{"x"}))
}

func TestChunkByLen(t *testing.T) {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = strings.Repeat("x", 18)
	}
	// base 100, 21 bytes per id, budget 200: four ids per chunk.
	chunks := connector.ChunkByLen(ids, 100, 3, 200)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 4)
	require.Len(t, chunks[1], 4)
	require.Len(t, chunks[2], 2)

	// A single oversized value still ships.
	chunks = connector.ChunkByLen([]string{strings.Repeat("y", 500)}, 100, 3, 200)
	require.Len(t, chunks, 1)
	require.Len(t, chunks[0], 1)

	require.Empty(t, connector.ChunkByLen(nil, 100, 3, 200))
}

func TestChunk(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	batches := connector.Chunk(items, 4)
	require.Len(t, batches, 3)
	require.Equal(t, []int{1, 2, 3, 4}, batches[0])
	require.Equal(t, []int{9, 10}, batches[2])

	require.Nil(t, connector.Chunk[int](nil, 4))
	require.Len(t, connector.Chunk(items, 100), 1)
}

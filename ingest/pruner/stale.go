// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package pruner

import (
	"context"

	"github.com/zeebo/errs"
)

// StateBatchSize is how many documents one provider state fetch covers,
// sized to fit a single API call.
const StateBatchSize = 50

// MaxUnknownVisibilityShare aborts a reconcile batch when the provider
// stops reporting visibility for too many of its documents at once. A
// misbehaving API must not cause mass pruning.
const MaxUnknownVisibilityShare = 0.2

// ErrVisibilityUnreliable marks a reconcile pass aborted because the
// provider's visibility reporting looked broken.
var ErrVisibilityUnreliable = errs.Class("visibility unreliable")

// DocumentState is the provider's current view of one indexed document.
type DocumentState struct {
	// Visible is false when the provider hides the document from the
	// integration.
	Visible bool
	// VisibilityKnown is false when the provider response carried no
	// usable visibility flag. Unknown visibility prunes fail-closed.
	VisibilityKnown bool
}

// StateFetcher returns the provider state of the given documents, keyed
// by doc id. Documents the provider no longer has are simply absent from
// the result.
type StateFetcher func(ctx context.Context, docIDs []string) (map[string]DocumentState, error)

// FindStaleDocuments lists every indexed document of the tenant and
// flags the ones that should no longer be indexed: deleted at the
// source, flipped to private, or with visibility the provider failed to
// report. The caller deletes the returned doc ids.
func (pruner *Pruner) FindStaleDocuments(ctx context.Context, fetch StateFetcher) (stale []string, err error) {
	defer mon.Task()(&ctx)(&err)

	docIDs, err := pruner.index.ListDocumentIDs(ctx, pruner.tenant)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	for start := 0; start < len(docIDs); start += StateBatchSize {
		end := start + StateBatchSize
		if end > len(docIDs) {
			end = len(docIDs)
		}
		batch := docIDs[start:end]

		states, err := fetch(ctx, batch)
		if err != nil {
			return nil, Error.Wrap(err)
		}

		unknown := 0
		for _, docID := range batch {
			state, present := states[docID]
			switch {
			case !present:
				stale = append(stale, docID)
			case !state.VisibilityKnown:
				unknown++
				stale = append(stale, docID)
			case !state.Visible:
				stale = append(stale, docID)
			}
		}

		if float64(unknown) > MaxUnknownVisibilityShare*float64(len(batch)) {
			mon.Event("stale_reconcile_aborted")
			return nil, ErrVisibilityUnreliable.New("%d of %d documents carry no visibility flag", unknown, len(batch))
		}
	}

	mon.IntVal("stale_documents").Observe(int64(len(stale)))
	return stale, nil
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package extractor runs ingest jobs: it houses the registry of
// per-source job handlers and the worker harness that feeds them from the
// queue.
package extractor

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
)

var (
	mon = monkit.Package()

	// Error is the default error class of the package.
	Error = errs.Class("extractor")

	// ErrTerminal marks failures that cannot succeed on redelivery; the
	// worker acknowledges such jobs instead of letting them retry.
	ErrTerminal = errs.Class("terminal job failure")
)

// Terminal reports whether err can never succeed on a later delivery.
func Terminal(err error) bool {
	return ErrTerminal.Has(err) || connector.ErrAuthFailed.Has(err)
}

// Progress tracks backfill job accounting in the control database.
type Progress interface {
	// AddTotal raises the expected job count of a backfill when fan-out
	// creates child jobs.
	AddTotal(ctx context.Context, backfillID uuid.UUID, delta int64) error
	// AddAttempted counts one job delivery that started running.
	AddAttempted(ctx context.Context, backfillID uuid.UUID) error
	// AddDone counts one job that finished successfully.
	AddDone(ctx context.Context, backfillID uuid.UUID) error
	// Finished reports whether every fanned-out job of the backfill has
	// run to completion.
	Finished(ctx context.Context, backfillID uuid.UUID) (bool, error)
}

// Env is the per-tenant dependency bundle handed to extractors.
type Env struct {
	Log       *zap.Logger
	Tenant    uuid.UUID
	Artifacts artifact.Store
	State     *syncstate.Service
	Queue     jobq.Queue
	Conn      *connector.Deps
	Indexer   indexer.Notifier
	Progress  Progress
	Index     indexer.Index
}

// Extractor handles the jobs of one (source, kind) pair.
type Extractor interface {
	ProcessJob(ctx context.Context, jobID uuid.UUID, cfg jobs.Config, env *Env) error
}

// Func adapts a function into an Extractor.
type Func func(ctx context.Context, jobID uuid.UUID, cfg jobs.Config, env *Env) error

// ProcessJob implements Extractor.
func (f Func) ProcessJob(ctx context.Context, jobID uuid.UUID, cfg jobs.Config, env *Env) error {
	return f(ctx, jobID, cfg, env)
}

// Typed adapts a handler of one concrete job configuration type. A config
// of any other type is a terminal failure, since redelivery cannot change
// the payload.
func Typed[T jobs.Config](handler func(ctx context.Context, jobID uuid.UUID, cfg T, env *Env) error) Extractor {
	return Func(func(ctx context.Context, jobID uuid.UUID, cfg jobs.Config, env *Env) error {
		typed, ok := cfg.(T)
		if !ok {
			return ErrTerminal.New("unexpected job configuration %T", cfg)
		}
		return handler(ctx, jobID, typed, env)
	})
}

// Key identifies an extractor.
type Key struct {
	Source source.Source
	Kind   jobs.Kind
}

// Registry maps (source, kind) to extractors. It is populated during
// wire-up and read-only afterwards.
type Registry struct {
	extractors map[Key]Extractor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{extractors: map[Key]Extractor{}}
}

// Add registers an extractor, rejecting duplicates.
func (registry *Registry) Add(src source.Source, kind jobs.Kind, ex Extractor) error {
	key := Key{Source: src, Kind: kind}
	if _, exists := registry.extractors[key]; exists {
		return Error.New("extractor for %s/%s registered twice", src, kind)
	}
	registry.extractors[key] = ex
	return nil
}

// Lookup finds the extractor of a (source, kind) pair.
func (registry *Registry) Lookup(src source.Source, kind jobs.Kind) (Extractor, bool) {
	ex, ok := registry.extractors[Key{Source: src, Kind: kind}]
	return ex, ok
}

// BackfillOf extracts the backfill id a job contributes to, if any.
// Root jobs are not counted: a backfill's totals cover only the work
// fanned out from the root, so that progress reads as jobs-remaining
// rather than jobs-plus-bookkeeping.
func BackfillOf(cfg jobs.Config) (uuid.UUID, bool) {
	switch c := cfg.(type) {
	case jobs.EnumerateContainer:
		return c.BackfillID, !c.BackfillID.IsZero()
	case jobs.ProcessBatch:
		return c.BackfillID, !c.BackfillID.IsZero()
	default:
		return uuid.UUID{}, false
	}
}

// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package syncstate is a typed wrapper over the per-tenant config table.
//
// Watermarks, one-shot backfill flags, and provider cursors all live in a
// `config(key text primary key, value text)` table. Datetimes are stored
// ISO-8601 with timezone, booleans as "true"/"false", commit SHAs and
// pagination cursors as-is.
package syncstate

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"storj.io/inlet/ingest/source"
)

// Error is the default error class for sync state.
var Error = errs.Class("syncstate")

// Store is the per-tenant config key/value table.
type Store interface {
	// Get returns the value for key; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores the value, replacing any previous one.
	Set(ctx context.Context, key, value string) error
	// Delete removes the key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// Well-known key suffixes.
const (
	suffixSyncedUntil      = "SYNCED_UNTIL"
	suffixBackfillComplete = "BACKFILL_COMPLETE"
	suffixSyncedCommit     = "SYNCED_COMMIT"
	suffixCursor           = "CURSOR"
)

// PrefixFor returns the well-known key prefix of a source.
func PrefixFor(src source.Source) string {
	return strings.ToUpper(string(src))
}

// Key joins key parts with underscores. Scope parts such as project ids go
// after the well-known suffix.
func Key(parts ...string) string {
	return strings.Join(parts, "_")
}

// Service reads and writes typed sync state.
type Service struct {
	store Store
}

// NewService creates a sync state service over the store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// SyncedUntil returns the incremental watermark, if any.
func (s *Service) SyncedUntil(ctx context.Context, prefix string, scope ...string) (time.Time, bool, error) {
	return s.Time(ctx, scopedKey(prefix, suffixSyncedUntil, scope))
}

// SetSyncedUntil stores the incremental watermark. A zero time deletes it.
func (s *Service) SetSyncedUntil(ctx context.Context, prefix string, t time.Time, scope ...string) error {
	return s.SetTime(ctx, scopedKey(prefix, suffixSyncedUntil, scope), t)
}

// BackfillComplete returns the one-shot backfill flag; absent means false.
func (s *Service) BackfillComplete(ctx context.Context, prefix string, scope ...string) (bool, error) {
	value, ok, err := s.store.Get(ctx, scopedKey(prefix, suffixBackfillComplete, scope))
	if err != nil || !ok {
		return false, Error.Wrap(err)
	}
	return value == "true", nil
}

// SetBackfillComplete stores the one-shot backfill flag.
func (s *Service) SetBackfillComplete(ctx context.Context, prefix string, complete bool, scope ...string) error {
	value := "false"
	if complete {
		value = "true"
	}
	return Error.Wrap(s.store.Set(ctx, scopedKey(prefix, suffixBackfillComplete, scope), value))
}

// SyncedCommit returns the stored provider commit cursor (e.g. a git SHA).
func (s *Service) SyncedCommit(ctx context.Context, prefix string, scope ...string) (string, bool, error) {
	return s.String(ctx, scopedKey(prefix, suffixSyncedCommit, scope))
}

// SetSyncedCommit stores the provider commit cursor. Empty deletes it.
func (s *Service) SetSyncedCommit(ctx context.Context, prefix string, commit string, scope ...string) error {
	return s.SetString(ctx, scopedKey(prefix, suffixSyncedCommit, scope), commit)
}

// Cursor returns the stored opaque pagination cursor.
func (s *Service) Cursor(ctx context.Context, prefix string, scope ...string) (string, bool, error) {
	return s.String(ctx, scopedKey(prefix, suffixCursor, scope))
}

// SetCursor stores the opaque pagination cursor. Empty deletes it.
func (s *Service) SetCursor(ctx context.Context, prefix string, cursor string, scope ...string) error {
	return s.SetString(ctx, scopedKey(prefix, suffixCursor, scope), cursor)
}

// CanRunIncremental reports whether an incremental extractor is allowed to
// run. It is false until a backfill completed or left a watermark behind;
// running anyway would silently skip history.
func (s *Service) CanRunIncremental(ctx context.Context, prefix string, scope ...string) (bool, error) {
	complete, err := s.BackfillComplete(ctx, prefix, scope...)
	if err != nil {
		return false, err
	}
	if complete {
		return true, nil
	}
	_, ok, err := s.SyncedUntil(ctx, prefix, scope...)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Time reads an ISO-8601 timestamp under an arbitrary key.
func (s *Service) Time(ctx context.Context, key string) (time.Time, bool, error) {
	value, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, Error.Wrap(err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, Error.New("malformed timestamp under %s: %w", key, err)
	}
	return t, true, nil
}

// SetTime writes an ISO-8601 timestamp under an arbitrary key. A zero time
// deletes the key.
func (s *Service) SetTime(ctx context.Context, key string, t time.Time) error {
	if t.IsZero() {
		return Error.Wrap(s.store.Delete(ctx, key))
	}
	return Error.Wrap(s.store.Set(ctx, key, t.Format(time.RFC3339Nano)))
}

// String reads a raw value under an arbitrary key.
func (s *Service) String(ctx context.Context, key string) (string, bool, error) {
	value, ok, err := s.store.Get(ctx, key)
	return value, ok, Error.Wrap(err)
}

// SetString writes a raw value under an arbitrary key. Empty deletes the key.
func (s *Service) SetString(ctx context.Context, key, value string) error {
	if value == "" {
		return Error.Wrap(s.store.Delete(ctx, key))
	}
	return Error.Wrap(s.store.Set(ctx, key, value))
}

// Clear removes an arbitrary key.
func (s *Service) Clear(ctx context.Context, key string) error {
	return Error.Wrap(s.store.Delete(ctx, key))
}

func scopedKey(prefix, suffix string, scope []string) string {
	parts := append([]string{prefix, suffix}, scope...)
	return Key(parts...)
}

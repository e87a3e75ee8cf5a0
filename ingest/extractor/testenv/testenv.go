// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testenv builds extractor environments wired to in-memory
// stores, recording fakes and a scripted HTTP transport, so connector
// tests can run jobs end to end without a database or network.
package testenv

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/artifact/testartifacts"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/extractor"
	"storj.io/inlet/ingest/indexer"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobq/testjobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/ratelimit"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/ingest/syncstate"
	"storj.io/inlet/ingest/vault"
	"storj.io/inlet/ingest/vault/testvault"
	"storj.io/inlet/private/httpmock"
)

// Harness bundles an extractor environment with handles on every fake
// behind it.
type Harness struct {
	Log    *zap.Logger
	Tenant uuid.UUID
	Env    *extractor.Env

	Queue     *testjobq.Queue
	Artifacts *testartifacts.Store
	State     *syncstate.Service
	Vault     *testvault.Vault
	Transport *httpmock.Transport
	Notifier  *NotifyRecorder
	Progress  *ProgressRecorder
	Sources   *SourceMap
	Index     *IndexRecorder
}

// New builds a harness for one random tenant.
func New(t *testing.T) *Harness {
	log := zaptest.NewLogger(t)
	tenant := testrand.UUID()

	queue := testjobq.New()
	artifacts := testartifacts.New()
	state := syncstate.NewService(newStateStore())
	secrets := testvault.New()
	notifier := &NotifyRecorder{}
	progress := &ProgressRecorder{}
	sources := &SourceMap{}
	index := &IndexRecorder{}

	httpClient, transport := httpmock.NewClient()
	deps := &connector.Deps{
		Log:     log.Named("connector"),
		Vault:   vault.NewCache(secrets, time.Minute, 100),
		Limiter: ratelimit.NewRegistry(time.Hour, time.Hour),
		Retrier: ratelimit.NewRetrier(log.Named("retry"), ratelimit.RetryConfig{
			MaxRetries:       5,
			BaseDelay:        time.Millisecond,
			MaxInlineWait:    30 * time.Second,
			VisibilityMargin: 5 * time.Second,
		}),
		HTTP:    httpClient,
		Tokens:  StaticTokens{Token: "test-token"},
		Sources: sources,
	}

	return &Harness{
		Log:    log,
		Tenant: tenant,
		Env: &extractor.Env{
			Log:       log.Named("extractor"),
			Tenant:    tenant,
			Artifacts: artifacts,
			State:     state,
			Queue:     queue,
			Conn:      deps,
			Indexer:   notifier,
			Progress:  progress,
			Index:     index,
		},
		Queue:     queue,
		Artifacts: artifacts,
		State:     state,
		Vault:     secrets,
		Transport: transport,
		Notifier:  notifier,
		Progress:  progress,
		Sources:   sources,
		Index:     index,
	}
}

// Connect records a connection for the harness tenant, so extractors that
// resolve subdomains or settings find one.
func (harness *Harness) Connect(src source.Source, conn connector.Connection) {
	harness.Sources.Connect(harness.Tenant, src, conn)
}

// RunJob dispatches one job config through the registry, the way the
// worker would after decoding a message.
func (harness *Harness) RunJob(ctx context.Context, t *testing.T, registry *extractor.Registry, cfg jobs.Config) error {
	ex, ok := registry.Lookup(cfg.Source(), cfg.Kind())
	require.True(t, ok, "no extractor for %s/%s", cfg.Source(), cfg.Kind())
	return ex.ProcessJob(ctx, testrand.UUID(), cfg, harness.Env)
}

// Drain runs queued jobs through the registry until both queues are
// empty, failing the test on the first job error. It mimics the worker's
// receive/dispatch cycle with progress accounting, minus concurrency.
func (harness *Harness) Drain(ctx context.Context, t *testing.T, registry *extractor.Registry) {
	for {
		message, handle, err := harness.receiveAny(ctx)
		if jobq.ErrEmpty.Has(err) {
			return
		}
		require.NoError(t, err)

		cfg, err := jobs.Unmarshal(message.Body)
		require.NoError(t, err)

		backfillID, tracked := extractor.BackfillOf(cfg)
		if tracked {
			require.NoError(t, harness.Progress.AddAttempted(ctx, backfillID))
		}
		require.NoError(t, harness.RunJob(ctx, t, registry, cfg))
		if tracked {
			require.NoError(t, harness.Progress.AddDone(ctx, backfillID))
		}
		require.NoError(t, harness.Queue.Delete(ctx, handle))
	}
}

func (harness *Harness) receiveAny(ctx context.Context) (jobq.Message, jobq.Handle, error) {
	message, handle, err := harness.Queue.Receive(ctx, jobq.QueueIngest)
	if err == nil || !jobq.ErrEmpty.Has(err) {
		return message, handle, err
	}
	return harness.Queue.Receive(ctx, jobq.QueueWebhook)
}

// stateStore is a map-backed syncstate.Store.
type stateStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newStateStore() *stateStore {
	return &stateStore{values: map[string]string{}}
}

func (store *stateStore) Get(ctx context.Context, key string) (string, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	value, ok := store.values[key]
	return value, ok, nil
}

func (store *stateStore) Set(ctx context.Context, key, value string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.values[key] = value
	return nil
}

func (store *stateStore) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.values, key)
	return nil
}

// StaticTokens is a TokenSource handing out one fixed token.
type StaticTokens struct {
	Token string
}

// AccessToken implements connector.TokenSource.
func (tokens StaticTokens) AccessToken(ctx context.Context, tenant uuid.UUID, src source.Source) (string, error) {
	return tokens.Token, nil
}

// NotifyRecorder records indexing notifications.
type NotifyRecorder struct {
	mu            sync.Mutex
	notifications []indexer.Notification
}

// Notify implements indexer.Notifier.
func (recorder *NotifyRecorder) Notify(ctx context.Context, notification indexer.Notification) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.notifications = append(recorder.notifications, notification)
	return nil
}

// Close implements indexer.Notifier.
func (recorder *NotifyRecorder) Close() error { return nil }

// Notifications returns a copy of everything recorded so far.
func (recorder *NotifyRecorder) Notifications() []indexer.Notification {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]indexer.Notification(nil), recorder.notifications...)
}

// EntityIDs returns every notified entity id, in notification order.
func (recorder *NotifyRecorder) EntityIDs() []string {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	var ids []string
	for _, notification := range recorder.notifications {
		ids = append(ids, notification.EntityIDs...)
	}
	return ids
}

// ProgressRecorder counts backfill progress in memory.
type ProgressRecorder struct {
	mu        sync.Mutex
	total     map[uuid.UUID]int64
	attempted map[uuid.UUID]int64
	done      map[uuid.UUID]int64
}

// AddTotal implements extractor.Progress.
func (recorder *ProgressRecorder) AddTotal(ctx context.Context, backfillID uuid.UUID, delta int64) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.total == nil {
		recorder.total = map[uuid.UUID]int64{}
	}
	recorder.total[backfillID] += delta
	return nil
}

// AddAttempted implements extractor.Progress.
func (recorder *ProgressRecorder) AddAttempted(ctx context.Context, backfillID uuid.UUID) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.attempted == nil {
		recorder.attempted = map[uuid.UUID]int64{}
	}
	recorder.attempted[backfillID]++
	return nil
}

// AddDone implements extractor.Progress.
func (recorder *ProgressRecorder) AddDone(ctx context.Context, backfillID uuid.UUID) error {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if recorder.done == nil {
		recorder.done = map[uuid.UUID]int64{}
	}
	recorder.done[backfillID]++
	return nil
}

// Finished implements extractor.Progress.
func (recorder *ProgressRecorder) Finished(ctx context.Context, backfillID uuid.UUID) (bool, error) {
	total, _, done := recorder.Counts(backfillID)
	return total > 0 && done >= total, nil
}

// Counts returns the recorded (total, attempted, done) of one backfill.
func (recorder *ProgressRecorder) Counts(backfillID uuid.UUID) (total, attempted, done int64) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return recorder.total[backfillID], recorder.attempted[backfillID], recorder.done[backfillID]
}

// SourceMap is an in-memory connector.Connections.
type SourceMap struct {
	mu    sync.Mutex
	conns map[uuid.UUID]map[source.Source]connector.Connection
}

// Connect stores the connection record of (tenant, src).
func (sources *SourceMap) Connect(tenant uuid.UUID, src source.Source, conn connector.Connection) {
	sources.mu.Lock()
	defer sources.mu.Unlock()
	if sources.conns == nil {
		sources.conns = map[uuid.UUID]map[source.Source]connector.Connection{}
	}
	if sources.conns[tenant] == nil {
		sources.conns[tenant] = map[source.Source]connector.Connection{}
	}
	sources.conns[tenant][src] = conn
}

// Connection implements connector.Connections.
func (sources *SourceMap) Connection(ctx context.Context, tenant uuid.UUID, src source.Source) (connector.Connection, error) {
	sources.mu.Lock()
	defer sources.mu.Unlock()
	conn, ok := sources.conns[tenant][src]
	if !ok {
		return connector.Connection{}, errs.New("%s has no %s connection", tenant, src)
	}
	return conn, nil
}

// IndexRecorder is an in-memory document index.
type IndexRecorder struct {
	mu        sync.Mutex
	docs      map[uuid.UUID]map[string]bool
	deleteErr error
}

// Add seeds a document into the tenant's namespace.
func (index *IndexRecorder) Add(tenant uuid.UUID, docID string) {
	index.mu.Lock()
	defer index.mu.Unlock()
	if index.docs == nil {
		index.docs = map[uuid.UUID]map[string]bool{}
	}
	if index.docs[tenant] == nil {
		index.docs[tenant] = map[string]bool{}
	}
	index.docs[tenant][docID] = true
}

// FailDeletes makes every DeleteDocument call return err until reset with
// nil.
func (index *IndexRecorder) FailDeletes(err error) {
	index.mu.Lock()
	defer index.mu.Unlock()
	index.deleteErr = err
}

// DeleteDocument implements indexer.Index.
func (index *IndexRecorder) DeleteDocument(ctx context.Context, tenant uuid.UUID, docID string) error {
	index.mu.Lock()
	defer index.mu.Unlock()
	if index.deleteErr != nil {
		return index.deleteErr
	}
	delete(index.docs[tenant], docID)
	return nil
}

// ListDocumentIDs implements indexer.Index.
func (index *IndexRecorder) ListDocumentIDs(ctx context.Context, tenant uuid.UUID) ([]string, error) {
	index.mu.Lock()
	defer index.mu.Unlock()
	var ids []string
	for id := range index.docs[tenant] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Has reports whether the tenant's namespace holds docID.
func (index *IndexRecorder) Has(tenant uuid.UUID, docID string) bool {
	index.mu.Lock()
	defer index.mu.Unlock()
	return index.docs[tenant][docID]
}

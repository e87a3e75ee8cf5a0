// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/source"
)

// Manager keeps one listener running per tenant connected to the change
// event source. A reconcile cycle diffs the connected tenants against
// the running listeners and starts or stops them as needed, so tenants
// can connect and disconnect without a restart.
type Manager struct {
	log     *zap.Logger
	tenants Tenants
	conn    Connector
	queue   jobq.Queue
	config  Config

	Loop *sync2.Cycle

	mu        sync.Mutex
	listeners map[uuid.UUID]*runningListener
}

type runningListener struct {
	listener *Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewManager creates a change event manager.
func NewManager(log *zap.Logger, tenants Tenants, conn Connector, queue jobq.Queue, config Config) *Manager {
	return &Manager{
		log:       log,
		tenants:   tenants,
		conn:      conn,
		queue:     queue,
		config:    config,
		Loop:      sync2.NewCycle(config.ReconcileInterval),
		listeners: make(map[uuid.UUID]*runningListener),
	}
}

// Run reconciles listeners until ctx is canceled, then stops them all.
func (manager *Manager) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer manager.stopAll()

	return manager.Loop.Run(ctx, func(ctx context.Context) error {
		if err := manager.Reconcile(ctx); err != nil {
			manager.log.Error("listener reconcile failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the reconcile cycle.
func (manager *Manager) Close() error {
	manager.Loop.Close()
	return nil
}

// Reconcile starts listeners for newly connected tenants and stops the
// ones whose tenant has disconnected.
func (manager *Manager) Reconcile(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	connected, err := manager.tenants.ConnectedTo(ctx, source.Salesforce)
	if err != nil {
		return Error.Wrap(err)
	}

	want := make(map[uuid.UUID]ingestdb.TenantSource, len(connected))
	for _, tenant := range connected {
		want[tenant.TenantID] = tenant
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	for id, running := range manager.listeners {
		if _, ok := want[id]; ok {
			continue
		}
		manager.log.Info("stopping change listener", zap.Stringer("tenant", id))
		running.cancel()
		<-running.done
		delete(manager.listeners, id)
	}

	for id, tenant := range want {
		if _, ok := manager.listeners[id]; !ok {
			manager.start(ctx, tenant)
		}
	}
	return nil
}

// start launches a listener goroutine. The caller must hold manager.mu.
func (manager *Manager) start(ctx context.Context, tenant ingestdb.TenantSource) {
	log := manager.log.With(zap.Stringer("tenant", tenant.TenantID))
	log.Info("starting change listener")

	ctx, cancel := context.WithCancel(ctx)
	running := &runningListener{
		listener: NewListener(log, tenant, manager.conn, manager.queue, manager.config),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	manager.listeners[tenant.TenantID] = running

	go func() {
		defer close(running.done)
		if err := running.listener.Run(ctx); err != nil {
			log.Error("change listener failed", zap.Error(err))
		}
	}()
}

func (manager *Manager) stopAll() {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	for id, running := range manager.listeners {
		running.cancel()
		<-running.done
		delete(manager.listeners, id)
	}
}

// Running returns the tenants that currently have a listener.
func (manager *Manager) Running() []uuid.UUID {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	tenants := make([]uuid.UUID, 0, len(manager.listeners))
	for id := range manager.listeners {
		tenants = append(tenants, id)
	}
	sort.Slice(tenants, func(i, k int) bool { return tenants[i].Less(tenants[k]) })
	return tenants
}

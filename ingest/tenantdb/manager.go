// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package tenantdb

import (
	"context"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector/oauth"
	"storj.io/inlet/ingest/vault"
)

// ManagerConfig configures the tenant database manager.
type ManagerConfig struct {
	CredentialName  string `help:"vault entry name of the tenant database URL" default:"ingest"`
	ApplicationName string `help:"application name reported to tenant databases" default:"inlet"`
	MaxIdleConns    int    `help:"maximum idle connections per tenant database" default:"2"`
	MaxOpenConns    int    `help:"maximum open connections per tenant database" default:"10"`
	Migrate         bool   `help:"migrate tenant databases on first use" default:"true"`
}

// Manager hands out tenant database handles, opening each on first use
// and keeping it pooled until the tenant is removed or the process ends.
type Manager struct {
	log     *zap.Logger
	secrets *vault.Cache
	config  ManagerConfig

	mu  sync.Mutex
	dbs map[uuid.UUID]*DB
}

var _ oauth.Store = (*Manager)(nil)

// NewManager creates a tenant database manager.
func NewManager(log *zap.Logger, secrets *vault.Cache, config ManagerConfig) *Manager {
	return &Manager{
		log:     log,
		secrets: secrets,
		config:  config,
		dbs:     map[uuid.UUID]*DB{},
	}
}

// Get returns the tenant's database handle, opening it on first use.
// Concurrent first uses may open twice; the loser closes its copy.
func (manager *Manager) Get(ctx context.Context, tenant uuid.UUID) (_ *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	manager.mu.Lock()
	db, ok := manager.dbs[tenant]
	manager.mu.Unlock()
	if ok {
		return db, nil
	}

	connstr, err := manager.secrets.GetSecret(ctx, vault.DBCredentialPath(tenant, manager.config.CredentialName))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	db, err = Open(ctx, manager.log, tenant, connstr, Options{
		ApplicationName: manager.config.ApplicationName,
		MaxIdleConns:    manager.config.MaxIdleConns,
		MaxOpenConns:    manager.config.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	if manager.config.Migrate {
		if err := db.MigrateToLatest(ctx); err != nil {
			return nil, errs.Combine(err, db.Close())
		}
	}

	manager.mu.Lock()
	existing, ok := manager.dbs[tenant]
	if ok {
		manager.mu.Unlock()
		return existing, Error.Wrap(db.Close())
	}
	manager.dbs[tenant] = db
	manager.mu.Unlock()

	return db, nil
}

// Remove closes and forgets the tenant's handle. Call it when a tenant is
// removed or its database credential rotated.
func (manager *Manager) Remove(ctx context.Context, tenant uuid.UUID) error {
	manager.mu.Lock()
	db, ok := manager.dbs[tenant]
	delete(manager.dbs, tenant)
	manager.mu.Unlock()

	if !ok {
		return nil
	}
	return db.Close()
}

// Close closes every open tenant handle.
func (manager *Manager) Close() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	var group errs.Group
	for _, db := range manager.dbs {
		group.Add(db.Close())
	}
	manager.dbs = map[uuid.UUID]*DB{}
	return group.Err()
}

// Value implements oauth.Store.
func (manager *Manager) Value(ctx context.Context, tenant uuid.UUID, key string) (_ string, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := manager.Get(ctx, tenant)
	if err != nil {
		return "", false, err
	}
	return db.Config().Get(ctx, key)
}

// Exclusive implements oauth.Store.
func (manager *Manager) Exclusive(ctx context.Context, tenant uuid.UUID, name string, fn func(ctx context.Context, state oauth.State) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := manager.Get(ctx, tenant)
	if err != nil {
		return err
	}
	return db.Exclusive(ctx, name, func(ctx context.Context, state *TxConfig) error {
		return fn(ctx, state)
	})
}

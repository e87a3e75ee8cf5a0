// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingest

import (
	"context"
	"net"
	"runtime/pprof"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/inlet/ingest/cdc"
	"storj.io/inlet/ingest/connector/salesforce"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobq/payloadstore"
	"storj.io/inlet/private/healthcheck"
	"storj.io/inlet/private/lifecycle"
)

// Gatekeeper is the peer that holds long-lived upstream connections: it
// runs the change-capture listener fleet and forwards decoded events onto
// the webhook queue.
//
// architecture: Peer
type Gatekeeper struct {
	Log *zap.Logger
	DB  *ingestdb.DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Plumbing *plumbing

	Queue struct {
		Payloads *payloadstore.Store
		Queue    *ingestdb.Queue
	}

	CDC struct {
		Bus     *salesforce.EventBus
		Manager *cdc.Manager
	}

	Health struct {
		Listener net.Listener
		Server   *healthcheck.Server
	}
}

// NewGatekeeper creates the gatekeeper peer.
func NewGatekeeper(ctx context.Context, log *zap.Logger, db *ingestdb.DB, config Config) (*Gatekeeper, error) {
	peer := &Gatekeeper{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup credential and client plumbing
		var err error
		peer.Plumbing, err = newPlumbing(log, db, config)
		if err != nil {
			return nil, err
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "tenantdb:pools",
			Close: peer.Plumbing.Pools.Close,
		})
	}

	{ // setup queue send side
		if config.Payloads.Endpoint != "" {
			var err error
			peer.Queue.Payloads, err = payloadstore.New(log.Named("payloads"), config.Payloads)
			if err != nil {
				return nil, err
			}
		}
		var payloads jobq.PayloadStore
		if peer.Queue.Payloads != nil {
			payloads = peer.Queue.Payloads
		}
		peer.Queue.Queue = ingestdb.NewQueue(log.Named("queue"), db, config.Queue, payloads)
	}

	{ // setup listener fleet
		peer.CDC.Bus = salesforce.NewEventBus(peer.Plumbing.Deps)
		peer.CDC.Manager = cdc.NewManager(log.Named("cdc"), db.Tenants(), peer.CDC.Bus, peer.Queue.Queue, config.CDC)
		peer.Services.Add(lifecycle.Item{
			Name:  "cdc:manager",
			Run:   peer.CDC.Manager.Run,
			Close: peer.CDC.Manager.Close,
		})
	}

	{ // setup health server
		if config.Health.Enabled {
			var err error
			peer.Health.Listener, err = net.Listen("tcp", config.Health.Address)
			if err != nil {
				return nil, Error.Wrap(err)
			}
			peer.Health.Server = healthcheck.NewServer(log.Named("healthcheck"),
				peer.Health.Listener, databaseCheck{db: db})
			peer.Servers.Add(lifecycle.Item{
				Name:  "healthcheck",
				Run:   peer.Health.Server.Run,
				Close: peer.Health.Server.Close,
			})
		}
	}

	return peer, nil
}

// Run runs the gatekeeper until it is closed or errors.
func (peer *Gatekeeper) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "gatekeeper"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *Gatekeeper) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

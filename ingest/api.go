// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"runtime/pprof"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/connector"
	"storj.io/inlet/ingest/ingestdb"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/private/healthcheck"
	"storj.io/inlet/private/lifecycle"
)

// APIConfig configures the operator API server.
type APIConfig struct {
	Address string `help:"address the operator API listens on" default:"localhost:10600" testDefault:"$HOST:0"`
}

// API is the operator-facing peer: per-source health checks, tenant
// source listings and backfill progress.
//
// architecture: Peer
type API struct {
	Log *zap.Logger
	DB  *ingestdb.DB

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Plumbing *plumbing

	Connectors struct {
		Registry *connector.Registry
	}

	Ops struct {
		Listener net.Listener
		Server   *OpsServer
	}

	Health struct {
		Listener net.Listener
		Server   *healthcheck.Server
	}
}

// NewAPI creates the API peer.
func NewAPI(log *zap.Logger, db *ingestdb.DB, config Config) (*API, error) {
	peer := &API{
		Log: log,
		DB:  db,

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // setup credential and client plumbing for health probes
		var err error
		peer.Plumbing, err = newPlumbing(log, db, config)
		if err != nil {
			return nil, err
		}
		peer.Services.Add(lifecycle.Item{
			Name:  "tenantdb:pools",
			Close: peer.Plumbing.Pools.Close,
		})

		peer.Connectors.Registry, err = NewConnectorRegistry()
		if err != nil {
			return nil, err
		}
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
			for _, desc := range peer.Connectors.Registry.All() {
				check := newSourceCheck(desc, peer.Plumbing.Deps, db.Tenants())
				if err := peer.Health.Server.AddCheck(check); err != nil {
					return nil, Error.Wrap(err)
				}
			}
			peer.Servers.Add(lifecycle.Item{
				Name:  "healthcheck",
				Run:   peer.Health.Server.Run,
				Close: peer.Health.Server.Close,
			})
		}
	}

	{ // setup operator endpoints
		var err error
		peer.Ops.Listener, err = net.Listen("tcp", config.API.Address)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		peer.Ops.Server = NewOpsServer(log.Named("ops"), peer.Ops.Listener, db)
		peer.Servers.Add(lifecycle.Item{
			Name:  "ops",
			Run:   peer.Ops.Server.Run,
			Close: peer.Ops.Server.Close,
		})
	}

	return peer, nil
}

// Run runs the API peer until it is closed or errors.
func (peer *API) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "api"), func(ctx context.Context) {
		peer.Servers.Run(ctx, group)
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close closes all the resources.
func (peer *API) Close() error {
	return errs.Combine(
		peer.Servers.Close(),
		peer.Services.Close(),
	)
}

// newSourceCheck probes every tenant connection of a source. A source
// with no connected tenants has nothing to verify and reports healthy.
func newSourceCheck(desc connector.Descriptor, deps *connector.Deps, tenants *ingestdb.Tenants) healthcheck.HealthCheck {
	return connector.NewCheck(string(desc.Source), func(ctx context.Context) error {
		if desc.Probe == nil {
			return nil
		}
		connected, err := tenants.ConnectedTo(ctx, desc.Source)
		if err != nil {
			return err
		}
		for _, tenant := range connected {
			if err := desc.Probe(ctx, deps, tenant.TenantID); err != nil {
				return errs.New("tenant %s: %w", tenant.TenantID, err)
			}
		}
		return nil
	})
}

// OpsServer serves the tenant and backfill read endpoints.
type OpsServer struct {
	log *zap.Logger
	db  *ingestdb.DB

	listener net.Listener
	server   http.Server
}

// NewOpsServer creates an OpsServer on the listener.
func NewOpsServer(log *zap.Logger, listener net.Listener, db *ingestdb.DB) *OpsServer {
	srv := &OpsServer{
		log:      log,
		db:       db,
		listener: listener,
	}

	router := mux.NewRouter()
	router.HandleFunc("/tenants", srv.handleTenants).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{id}/sources", srv.handleTenantSources).Methods(http.MethodGet)
	router.HandleFunc("/tenants/{id}/backfills", srv.handleTenantBackfills).Methods(http.MethodGet)

	srv.server = http.Server{Handler: router}
	return srv
}

// Run serves requests until ctx is done.
func (srv *OpsServer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return srv.server.Shutdown(context.Background())
	})
	group.Go(func() error {
		defer cancel()
		err := srv.server.Serve(srv.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	return group.Wait()
}

// Close stops the server.
func (srv *OpsServer) Close() error {
	return srv.server.Close()
}

// TestGetAddress returns the address of this server for tests.
func (srv *OpsServer) TestGetAddress() string {
	return srv.listener.Addr().String()
}

func (srv *OpsServer) handleTenants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	tenants, err := srv.db.Tenants().List(ctx)
	if err != nil {
		srv.serveError(w, http.StatusInternalServerError, err)
		return
	}

	type tenantJSON struct {
		ID        uuid.UUID `json:"id"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
	}
	out := make([]tenantJSON, 0, len(tenants))
	for _, tenant := range tenants {
		out = append(out, tenantJSON{ID: tenant.ID, Name: tenant.Name, CreatedAt: tenant.CreatedAt})
	}
	srv.serveJSON(w, out)
}

func (srv *OpsServer) handleTenantSources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	tenantID, ok := srv.tenantID(w, r)
	if !ok {
		return
	}

	sources, err := srv.db.Tenants().SourcesOf(ctx, tenantID)
	if err != nil {
		srv.serveError(w, http.StatusInternalServerError, err)
		return
	}

	type sourceJSON struct {
		Source      source.Source `json:"source"`
		Connected   bool          `json:"connected"`
		Subdomain   string        `json:"subdomain,omitempty"`
		ConnectedAt time.Time     `json:"connected_at"`
	}
	out := make([]sourceJSON, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceJSON{
			Source:      src.Source,
			Connected:   src.Connected,
			Subdomain:   src.Subdomain,
			ConnectedAt: src.ConnectedAt,
		})
	}
	srv.serveJSON(w, out)
}

func (srv *OpsServer) handleTenantBackfills(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	tenantID, ok := srv.tenantID(w, r)
	if !ok {
		return
	}

	backfills, err := srv.db.Backfills().ListByTenant(ctx, tenantID)
	if err != nil {
		srv.serveError(w, http.StatusInternalServerError, err)
		return
	}

	type backfillJSON struct {
		ID              uuid.UUID     `json:"id"`
		Source          source.Source `json:"source"`
		TotalIngestJobs int64         `json:"total_ingest_jobs"`
		Attempted       int64         `json:"attempted"`
		Done            int64         `json:"done"`
		Finished        bool          `json:"finished"`
		CreatedAt       time.Time     `json:"created_at"`
		UpdatedAt       time.Time     `json:"updated_at"`
	}
	out := make([]backfillJSON, 0, len(backfills))
	for _, backfill := range backfills {
		out = append(out, backfillJSON{
			ID:              backfill.ID,
			Source:          backfill.Source,
			TotalIngestJobs: backfill.TotalIngestJobs,
			Attempted:       backfill.Attempted,
			Done:            backfill.Done,
			Finished:        backfill.Finished(),
			CreatedAt:       backfill.CreatedAt,
			UpdatedAt:       backfill.UpdatedAt,
		})
	}
	srv.serveJSON(w, out)
}

func (srv *OpsServer) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		srv.serveError(w, http.StatusBadRequest, errs.New("malformed tenant id"))
		return uuid.UUID{}, false
	}
	return id, true
}

func (srv *OpsServer) serveJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		srv.log.Error("encoding response failed", zap.Error(err))
	}
}

func (srv *OpsServer) serveError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); err != nil {
		srv.log.Error("encoding error response failed", zap.Error(err))
	}
}

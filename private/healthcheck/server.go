// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package healthcheck implements the health check HTTP endpoints.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
)

var mon = monkit.Package()

var (
	// Error class for this package.
	Error = errs.Class("healthcheck")
	// ErrCheckExists is returned when a check with the same name already exists.
	ErrCheckExists = Error.New("check with name already exists")
)

// Status is the result of a single health probe.
type Status struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// HealthCheck probes one dependency or source connection.
type HealthCheck interface {
	// Check reports whether the probed target is usable right now.
	Check(ctx context.Context) Status
	// Name returns the name of the target being checked.
	Name() string
}

// Config is the configuration for healthcheck server.
type Config struct {
	Enabled bool   `help:"whether the health check server is enabled" default:"true"`
	Address string `help:"the address to listen on for health check server" default:"localhost:10500" testDefault:"$HOST:0"`
}

// Server handles HTTP requests for health checks.
type Server struct {
	log *zap.Logger

	checks map[string]HealthCheck

	listener net.Listener
	server   http.Server
}

// NewServer creates a new HTTP Server.
func NewServer(log *zap.Logger, listener net.Listener, checks ...HealthCheck) *Server {
	checkMap := make(map[string]HealthCheck, len(checks))
	for _, check := range checks {
		checkMap[check.Name()] = check
	}
	srv := &Server{
		log:      log,
		listener: listener,
		checks:   checkMap,
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", srv.handleAllHTTP)
	router.HandleFunc("/health/{name}", srv.handleSingleHTTP)

	srv.server = http.Server{
		Handler: router,
	}

	return srv
}

// AddCheck adds a health check to the server.
func (s *Server) AddCheck(check HealthCheck) error {
	if _, ok := s.checks[check.Name()]; ok {
		return ErrCheckExists
	}
	s.checks[check.Name()] = check

	return nil
}

func (s *Server) handleAllHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	statuses := make(map[string]Status, len(s.checks))
	allHealthy := true
	for name, check := range s.checks {
		status := check.Check(ctx)
		allHealthy = allHealthy && status.Healthy
		statuses[name] = status
	}
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	err = json.NewEncoder(w).Encode(statuses)
	if err != nil {
		s.log.Error("Failed to encode health check response", zap.Error(err))
	}
}

func (s *Server) handleSingleHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	name, ok := mux.Vars(r)["name"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		err = json.NewEncoder(w).Encode(map[string]string{"error": "missing name parameter"})
		if err != nil {
			s.log.Error("Failed to encode health check response", zap.Error(err))
		}
		return
	}

	check, ok := s.checks[name]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		err = json.NewEncoder(w).Encode(map[string]string{"error": "unknown check name"})
		if err != nil {
			s.log.Error("Failed to encode health check response", zap.Error(err))
		}
		return
	}

	status := check.Check(ctx)
	if status.Healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	err = json.NewEncoder(w).Encode(status)
	if err != nil {
		s.log.Error("Failed to encode health check response", zap.Error(err))
	}
}

// Run starts the health check server.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return s.server.Shutdown(context.Background())
	})
	group.Go(func() error {
		defer cancel()
		err := s.server.Serve(s.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})

	return group.Wait()
}

// Close stops the server.
func (s *Server) Close() error {
	return s.server.Close()
}

// TestGetAddress returns the address of this server for tests.
func (s *Server) TestGetAddress() string {
	return s.listener.Addr().String()
}

// SPDX-FileCopyrightText: Copyright 2025 The Gatewarden Authors
// SPDX-License-Identifier: Apache-2.0

// Package server wires the HTTP surface of the gateway: the proxy
// decision endpoint, the token API, and the admin API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gatewarden/gatewarden/pkg/authz"
	"github.com/gatewarden/gatewarden/pkg/config"
	"github.com/gatewarden/gatewarden/pkg/logger"
	"github.com/gatewarden/gatewarden/pkg/service"
	"github.com/gatewarden/gatewarden/pkg/state"
	"github.com/gatewarden/gatewarden/pkg/storage/sqlite"
)

// Server holds the request-handling dependencies. Configuration is
// immutable after construction; everything else is safe for concurrent
// use.
type Server struct {
	cfg       *config.Config
	tokens    *service.TokenService
	evaluator *authz.Evaluator
	sessions  *state.Manager
	admins    *sqlite.Store
}

// New assembles a Server from its components.
func New(cfg *config.Config, tokens *service.TokenService, evaluator *authz.Evaluator,
	sessions *state.Manager, admins *sqlite.Store) *Server {
	return &Server{
		cfg:       cfg,
		tokens:    tokens,
		evaluator: evaluator,
		sessions:  sessions,
		admins:    admins,
	}
}

// Router builds the chi router for the gateway.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/auth", s.handleAuth)

	r.Route("/auth/tokens", func(r chi.Router) {
		r.Post("/", s.handleCreateToken)
		r.Get("/", s.handleListTokens)
		r.Get("/{key}", s.handleGetToken)
		r.Delete("/{key}", s.handleRevokeToken)
	})

	r.Route("/auth/api/v1", func(r chi.Router) {
		r.Get("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)
		r.Post("/tokens", s.handleAdminCreateToken)
		r.Route("/admins", func(r chi.Router) {
			r.Get("/", s.handleListAdmins)
			r.Post("/", s.handleAddAdmin)
			r.Delete("/{username}", s.handleRemoveAdmin)
		})
	})

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

// ListenAndServe runs the gateway until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("gateway listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

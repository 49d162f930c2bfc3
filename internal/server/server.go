// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package server exposes the coordinator's ops HTTP surface: health,
// Prometheus metrics, and lock diagnostics. Internal-only; nothing here is
// user-facing.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msgbyte/tianji-coord/internal/config"
	"github.com/msgbyte/tianji-coord/internal/lock"
	"github.com/msgbyte/tianji-coord/internal/logging"
	"github.com/msgbyte/tianji-coord/internal/quota"
)

// Server is the ops HTTP server, run as a supervised service.
type Server struct {
	cfg     config.ServerConfig
	locker  *lock.Locker
	checker *quota.Checker // nil when quota checking is not configured
}

// New creates the ops server. checker may be nil.
func New(cfg config.ServerConfig, locker *lock.Locker, checker *quota.Checker) *Server {
	return &Server{cfg: cfg, locker: locker, checker: checker}
}

// routes builds the ops router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/locks/{name}", s.handleLockInfo)
	if s.checker != nil {
		r.Post("/api/quota/check", s.handleQuotaCheck)
	}
	return r
}

// Serve implements suture.Service: it runs the HTTP server until ctx is
// canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.Timeout,
		WriteTimeout:      s.cfg.Timeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", addr).Msg("Ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("ops server shutdown: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleLockInfo reports the current record for a named lock, 404 when the
// lock is free.
func (s *Server) handleLockInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	info, err := s.locker.Info(r.Context(), name, nil)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if info == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "lock not held"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleQuotaCheck records a billed request's cost and fires any crossed
// quota thresholds. Called by the AI gateway after each completed request.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string  `json:"workspaceId"`
		GatewayID   string  `json:"gatewayId"`
		Cost        float64 `json:"cost"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if req.WorkspaceID == "" || req.GatewayID == "" || req.Cost < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workspaceId, gatewayId and a non-negative cost are required"})
		return
	}

	if err := s.checker.Check(r.Context(), req.WorkspaceID, req.GatewayID, req.Cost); err != nil {
		logging.Error().Err(err).Str("workspace", req.WorkspaceID).Msg("Quota check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "quota check failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode response")
	}
}

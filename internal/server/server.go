// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the worker over HTTP. POST /analyze enqueues a
// payload for the pipeline, POST /execute dispatches a decision produced by
// another process, and /health and /metrics serve operators.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bcem/decision/internal/models"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Enqueuer accepts payloads for asynchronous processing.
type Enqueuer interface {
	PublishPayload(ctx context.Context, queueName string, p *models.StructuredEmailPayload) error
}

// Actor dispatches a decision synchronously.
type Actor interface {
	Act(ctx context.Context, d *models.UnifiedDecisionPayload) (*models.ActionResult, error)
}

// ActionPublisher forwards ActionResults to their consumers.
type ActionPublisher interface {
	PublishAction(ctx context.Context, queueName string, r *models.ActionResult) error
}

// HealthCheck is one dependency probed by /health.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Config wires the handler's collaborators. Actor is nil when the worker
// only decides; Actions and ActionsQueue are optional.
type Config struct {
	Enqueuer      Enqueuer
	PayloadsQueue string
	Actor         Actor
	Actions       ActionPublisher
	ActionsQueue  string
	Checks        []HealthCheck
}

// Handler serves the worker's HTTP endpoints.
type Handler struct {
	cfg Config
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Routes returns the handler's mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /analyze", h.ServeAnalyze)
	mux.HandleFunc("POST /execute", h.ServeExecute)
	mux.HandleFunc("GET /health", h.ServeHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ServeAnalyze validates a StructuredEmailPayload and enqueues it.
func (h *Handler) ServeAnalyze(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	payload, err := models.DecodePayload(body)
	if err != nil {
		slog.Warn("rejected analyze request", "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.cfg.Enqueuer.PublishPayload(r.Context(), h.cfg.PayloadsQueue, payload); err != nil {
		slog.Error("failed to enqueue payload", "message_id", payload.MessageID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("queue unavailable"))
		return
	}

	slog.Info("payload accepted", "message_id", payload.MessageID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "queued",
		"message_id": payload.MessageID,
	})
}

// ServeExecute dispatches a UnifiedDecisionPayload and returns the
// ActionResult. Re-delivery of the same message returns the cached result.
func (h *Handler) ServeExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	if h.cfg.Actor == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("execution disabled in this worker mode"))
		return
	}

	dec, err := models.DecodeDecision(body)
	if err != nil {
		slog.Warn("rejected execute request", "error", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.cfg.Actor.Act(r.Context(), dec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	if h.cfg.Actions != nil && h.cfg.ActionsQueue != "" {
		if err := h.cfg.Actions.PublishAction(r.Context(), h.cfg.ActionsQueue, result); err != nil {
			slog.Error("failed to publish action result", "message_id", result.MessageID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// ServeHealth pings every configured dependency.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for _, c := range h.cfg.Checks {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check failed", "dependency", c.Name, "error", err)
			http.Error(w, c.Name+" unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func statusFor(err error) int {
	var pe *models.ProviderError
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe), models.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. The server drains when ctx is done.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	return ready, nil
}

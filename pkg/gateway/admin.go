/*
Copyright The OpenShift Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openshift/wasm-fleet-operator/pkg/codec"
)

// deployRequest is the /deploy request body the Application reconciler
// sends to push a module to a single device.
type deployRequest struct {
	DeviceName    string            `json:"deviceName"`
	CorrelationID string            `json:"correlationId"`
	ApplicationID string            `json:"applicationId"`
	WasmBytes     []byte            `json:"wasmBytes"`
	Config        codec.DeployConfig `json:"config"`
}

type stopRequest struct {
	DeviceName    string `json:"deviceName"`
	ApplicationID string `json:"applicationId"`
}

type sessionInfo struct {
	DeviceName    string    `json:"deviceName"`
	OpenedAt      time.Time `json:"openedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// AdminRouter builds the chi router exposing the controller<->gateway
// RPC surface (§6) plus health and Prometheus metrics.
func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/deploy", s.handleDeploy)
	r.Post("/stop", s.handleStop)
	r.Get("/health", s.handleHealth)
	r.Get("/sessions", s.handleSessions)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	_, _, err := s.PushDeploy(r.Context(), req.DeviceName, req.ApplicationID, req.WasmBytes, req.Config)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrDeviceOffline):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, ErrDeployInFlight):
		w.WriteHeader(http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	err := s.PushStop(r.Context(), req.DeviceName, req.ApplicationID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrDeviceOffline):
		w.WriteHeader(http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.Snapshot()
	out := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		snap := sess.snapshot()
		out = append(out, sessionInfo{
			DeviceName:    snap.DeviceName,
			OpenedAt:      snap.OpenedAt,
			LastHeartbeat: snap.LastHeartbeat,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// ListenAndServeAdmin serves AdminRouter on cfg.AdminAddr until ctx is
// done.
func (s *Server) ListenAndServeAdmin(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.AdminAddr, Handler: s.AdminRouter()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

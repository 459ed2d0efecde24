// Package api exposes the local HTTP control surface: miner status for
// dashboards and tuning endpoints for the operator.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bardlex/avalond/internal/device"
	"github.com/bardlex/avalond/internal/mining"
	"github.com/bardlex/avalond/internal/state"
	"github.com/bardlex/avalond/pkg/log"
)

// Server serves the control API.
type Server struct {
	mc      *mining.Context
	store   *state.Store
	logger  *log.Logger
	version string

	httpServer *http.Server
}

// NewServer wires the API over the shared runtime. The state store may
// be nil; tuning changes are then applied but not persisted.
func NewServer(addr string, mc *mining.Context, store *state.Store, version string, logger *log.Logger) *Server {
	s := &Server{
		mc:      mc,
		store:   store,
		logger:  logger.WithComponent("api"),
		version: version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/modules", s.handleModules)
	mux.HandleFunc("GET /api/pools", s.handlePools)
	mux.HandleFunc("POST /api/frequency", s.handleFrequency)
	mux.HandleFunc("POST /api/voltage", s.handleVoltage)
	mux.HandleFunc("POST /api/fan", s.handleFan)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	Version          string               `json:"version"`
	PoolState        string               `json:"pool_state"`
	CurrentJob       string               `json:"current_job,omitempty"`
	ExpectedHashrate float64              `json:"expected_hashrate"`
	Stats            mining.StatsSnapshot `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:          s.version,
		PoolState:        s.mc.Pools.State().String(),
		ExpectedHashrate: s.mc.Registry.ExpectedHashrate(),
		Stats:            s.mc.Stats.Snapshot(),
	}
	if job := s.mc.CurrentJob(); job != nil {
		resp.CurrentJob = job.ID
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mc.Registry.Snapshot())
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.mc.Pools.Snapshots())
}

type tuneRequest struct {
	ModuleID  int `json:"module_id"` // 0 targets every module
	Frequency int `json:"frequency"`
	Voltage   int `json:"voltage"`
	Duty      int `json:"duty"`
}

func (s *Server) handleFrequency(w http.ResponseWriter, r *http.Request) {
	var req tuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Frequency == 0 {
		s.writeError(w, http.StatusBadRequest, "frequency is required")
		return
	}

	applied, err := s.mc.Registry.ApplyFrequency(r.Context(), req.ModuleID, req.Frequency)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("apply failed: %v", err))
		return
	}
	s.persistInt(state.KeyFrequency, applied)

	s.writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

func (s *Server) handleVoltage(w http.ResponseWriter, r *http.Request) {
	var req tuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	applied, err := s.mc.Registry.ApplyVoltage(r.Context(), req.ModuleID, req.Voltage)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("apply failed: %v", err))
		return
	}
	s.persistInt(state.KeyVoltage, applied)

	s.writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}

func (s *Server) handleFan(w http.ResponseWriter, r *http.Request) {
	var req tuneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Duty != 0 && (req.Duty < device.FanMin || req.Duty > device.FanMax) {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("duty must be 0 (auto) or %d-%d", device.FanMin, device.FanMax))
		return
	}

	s.mc.Registry.SetFanOverride(req.Duty)
	s.persistInt(state.KeyFanDuty, req.Duty)

	s.writeJSON(w, http.StatusOK, map[string]int{"duty": req.Duty})
}

func (s *Server) persistInt(key string, value int) {
	if s.store == nil {
		return
	}
	if err := s.store.SetSettingInt(key, value); err != nil {
		s.logger.WithError(err).Warn("failed to persist setting", "key", key)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

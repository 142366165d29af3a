package api

import (
	"context"
	"net/http"
	"time"

	"github.com/medkiosk/kiosk-scheduling/internal/schedule"
)

type HealthHandler struct {
	store   schedule.Pinger
	backend string
	env     string
	version string
}

func NewHealthHandler(store schedule.Pinger, backend, env, version string) *HealthHandler {
	return &HealthHandler{
		store:   store,
		backend: backend,
		env:     env,
		version: version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

// Readiness pings the slot store backend. The memory backend always reports
// ok; postgres and redis surface their connection state.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"
	httpStatus := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		deps[h.backend] = "down"
		status = "error"
		httpStatus = http.StatusServiceUnavailable
	} else {
		deps[h.backend] = "ok"
	}

	resp := ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	}
	writeJSON(w, httpStatus, resp)
}

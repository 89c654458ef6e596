package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"ekistamp/internal/registry"
)

type HealthHandler struct {
	reg *registry.Registry
}

func NewHealthHandler(reg *registry.Registry) *HealthHandler {
	return &HealthHandler{reg: reg}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready        bool      `json:"ready"`
	StationCount int       `json:"stationCount"`
	ServerTime   time.Time `json:"serverTime"`
}

// Readyz reports ready once the catalog has produced at least one marker.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	count := h.reg.Len()
	ready := count > 0
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ReadyResponse{
		Ready:        ready,
		StationCount: count,
		ServerTime:   time.Now(),
	})
}

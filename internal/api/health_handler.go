package api

import (
	"net/http"
	"time"

	"github.com/walwatch/walwatch/internal/clock"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	scheduler interface{ IsRunning() bool }
	clock     clock.Clock
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(scheduler interface{ IsRunning() bool }, clk clock.Clock) *HealthHandler {
	return &HealthHandler{scheduler: scheduler, clock: clk}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Health handles GET /health (liveness probe)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: h.clock.Now(),
	})
}

// Ready handles GET /ready (readiness probe)
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		Status:    "ready",
		Timestamp: h.clock.Now(),
		Checks:    map[string]string{"scheduler": "ok"},
	}
	status := http.StatusOK
	if !h.scheduler.IsRunning() {
		resp.Status = "not_ready"
		resp.Checks["scheduler"] = "stopped"
		status = http.StatusServiceUnavailable
	}
	sendJSON(w, status, resp)
}

package server

import (
	"context"
	"net/http"
	"time"
)

// healthResponse is the /health body.
type healthResponse struct {
	Status string            `json:"status"` // healthy, degraded, unhealthy
	Checks map[string]string `json:"checks,omitempty"`
}

// handleHealth reports aggregate readiness: storage down is unhealthy, a
// degraded KV cache still serves traffic.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	status := "healthy"

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["storage"] = "down"
			status = "unhealthy"
		} else {
			checks["storage"] = "ok"
		}
	}

	if s.deps.KV != nil {
		if _, err := s.deps.KV.Exists(ctx, "health:probe"); err != nil {
			checks["kv"] = "down"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["kv"] = "ok"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{Status: status, Checks: checks})
}

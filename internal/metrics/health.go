package metrics

import (
	"encoding/json"
	"net"
	"net/http"
)

// Status reports the state of the RCON server to the health endpoints. *rcon.Server satisfies it.
type Status interface {
	// Addr returns the bound listener address, or nil when the server is not listening.
	Addr() net.Addr

	// ActiveSessions returns the number of connected sessions.
	ActiveSessions() int
}

type healthResponse struct {
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

type healthHandler struct {
	status Status
}

// liveness always succeeds while the HTTP server is responsive.
func (h *healthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Data:   map[string]any{"service": "rcond"},
	})
}

func (h *healthHandler) readiness(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Error: "rcon server not configured"})
		return
	}

	addr := h.status.Addr()
	if addr == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Error: "rcon server not listening"})
		return
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Data: map[string]any{
			"addr":            addr.String(),
			"active_sessions": h.status.ActiveSessions(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

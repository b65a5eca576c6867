// Package adminapi exposes a chi-routed, JWT-gated HTTP surface over
// hostapi.Runtime for local operator tooling: board dashboards and fleet
// management agents that need to load programs, inspect the map table, or
// manage attach bindings without linking against the Go runtime directly.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/corvidrobotics/ebpfcore/internal/hostapi"
)

// Server holds the dependencies needed by the admin HTTP handlers.
type Server struct {
	rt *hostapi.Runtime
}

// NewServer creates a Server backed by rt.
func NewServer(rt *hostapi.Runtime) *Server {
	return &Server{rt: rt}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

// Package server wires HTTP handlers into a ServeMux for the relay via
// routing helpers.
package server

import (
	"net/http"

	"github.com/Tyrowin/docrelay/internal/metrics"
)

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes. The metrics endpoint is mounted only when a gatherer is set and
// the metrics path is not empty.
func (s *Server) SetupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("/rooms", s.RoomsHandler)
	if s.gatherer != nil && s.cfg.MetricsPath != "" {
		mux.Handle(s.cfg.MetricsPath, metrics.Handler(s.gatherer))
	}
	return mux
}

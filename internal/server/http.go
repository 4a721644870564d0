package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// HealthHandler reports liveness for load balancers and probes.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "chatmesh server is running")
}

// Routes wires the HTTP surface: health, Prometheus telemetry, and the
// WebSocket bridge.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle(s.cfg.TelemetryPath, s.metrics.Handler())
	mux.HandleFunc("/ws", s.BridgeHandler())
	return mux
}

// NewHTTPServer creates the HTTP server with production timeouts.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// ShutdownHTTPServer gracefully shuts down the HTTP server, waiting for
// in-flight requests up to the timeout.
func ShutdownHTTPServer(srv *http.Server, timeout time.Duration) error {
	log.Println("shutting down HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	log.Println("HTTP server shutdown completed")
	return nil
}

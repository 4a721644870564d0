package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/chatmesh/chatmesh/internal/server"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	bindAddr      = kingpin.Flag("bind-addr", "Address for the chat TCP listener.").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for health, telemetry, and the WebSocket bridge.").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
)

func main() {
	kingpin.Parse()

	cfg, err := server.LoadConfig(*configFile)
	if err != nil {
		log.Printf("warning: %v, using defaults", err)
		cfg = server.NewConfig()
		cfg.ApplyEnvOverrides()
	}
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *listenAddress != "" {
		cfg.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.TelemetryPath = *telemetryPath
	}

	srv := server.New(cfg)
	if err := srv.Listen(); err != nil {
		log.Fatalf("cannot bind chat listener: %v", err)
	}

	httpServer := srv.NewHTTPServer()
	go func() {
		log.Printf("HTTP listener bound on %s (telemetry on %s)", cfg.ListenAddress, cfg.TelemetryPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	go func() {
		if err := srv.Serve(); err != nil {
			log.Fatalf("chat server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("received shutdown signal, shutting down gracefully...")

	if err := server.ShutdownHTTPServer(httpServer, cfg.ShutdownTimeout); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	if err := srv.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Printf("chat shutdown: %v", err)
	}
}

package server

import (
	"context"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"time"
)

// Server owns the chat TCP listener, the registry, the relay, and the HTTP
// surface. One goroutine runs per accepted connection; all registry
// mutations serialize through the registry's lock.
type Server struct {
	cfg      *Config
	registry *Registry
	relay    *Relay
	metrics  *Metrics
	origins  *originPolicy

	listener net.Listener
	wg       sync.WaitGroup

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// New creates a server from the given configuration.
func New(cfg *Config) *Server {
	metrics := NewMetrics()
	registry := NewRegistry()
	return &Server{
		cfg:      cfg,
		registry: registry,
		relay:    NewRelay(registry, metrics),
		metrics:  metrics,
		origins:  newOriginPolicy(cfg.AllowedOrigins),
		clients:  make(map[*Client]struct{}),
	}
}

// Registry exposes the membership directory, primarily for tests and the
// bridge.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the bound TCP listener address, valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Listen binds the chat TCP listener.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	log.Printf("chat listener bound on %s", listener.Addr())
	return nil
}

// Serve accepts connections until the listener closes. Call Listen first.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("accept error: %v", err)
			continue
		}

		s.metrics.ConnectionsAccepted.Inc()
		client := newClient(s, conn)

		s.mu.Lock()
		s.clients[client] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			client.writePump()
		}()
		go func() {
			defer s.wg.Done()
			defer s.forget(client)
			client.readPump()
		}()
	}
}

func (s *Server) forget(client *Client) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
}

// Shutdown stops accepting, tears down every connection, and waits for the
// per-connection goroutines to finish or for the timeout to pass.
func (s *Server) Shutdown(timeout time.Duration) error {
	log.Println("shutting down chat server...")

	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Printf("listener close error: %v", err)
		}
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.Unlock()
	for _, client := range clients {
		client.kick()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("chat server shutdown completed")
		return nil
	case <-time.After(timeout):
		log.Println("chat server shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// isExpectedCloseError checks if an error is expected during connection
// closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "broken pipe")
}

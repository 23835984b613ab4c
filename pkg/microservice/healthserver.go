package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/illmade-knight/go-mqttbridge/pkg/bridge"
	"github.com/rs/zerolog"
)

// StatusSource is what the health server reports on. *bridge.Bridge satisfies it.
type StatusSource interface {
	Status() bridge.Status
	State() bridge.State
}

// HealthServer exposes liveness and status endpoints for a running bridge.
type HealthServer struct {
	Logger     zerolog.Logger
	HTTPAddr   string
	source     StatusSource
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// NewHealthServer creates and initializes a new HealthServer. httpAddr is a
// listen address such as ":8080"; ":0" picks a free port.
func NewHealthServer(logger zerolog.Logger, httpAddr string, source StatusSource) *HealthServer {
	s := &HealthServer{
		Logger:   logger.With().Str("component", "HealthServer").Logger(),
		HTTPAddr: httpAddr,
		source:   source,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/healthz", s.healthzHandler)
	s.mux.HandleFunc("/status", s.statusHandler)
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: s.mux,
	}
	return s
}

// Start initiates the HTTP server in a background goroutine.
func (s *HealthServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.HTTPAddr, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided context's deadline.
func (s *HealthServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server is actually listening on, as ":port".
func (s *HealthServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPAddr
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *HealthServer) Mux() *http.ServeMux {
	return s.mux
}

// healthzHandler answers 200 only while the bridge is relaying.
func (s *HealthServer) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	state := s.source.State()
	if state != bridge.StateRunning {
		http.Error(w, state.String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *HealthServer) statusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
		s.Logger.Error().Err(err).Msg("Failed to write status response.")
	}
}

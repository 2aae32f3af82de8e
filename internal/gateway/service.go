package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/room"
)

// Service ties the connection manager and intent handler together and
// exposes the HTTP surface
type Service struct {
	connectionManager *ConnectionManager
	handler           *Handler
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a gateway service over the room state machine
func NewService(config Config, app *room.App) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig)
	handler := NewHandler(app, connectionManager)
	connectionManager.SetHandler(handler)

	return &Service{
		connectionManager: connectionManager,
		handler:           handler,
	}
}

// Start begins the gateway service and blocks until the context is cancelled
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting room gateway service")
	go s.connectionManager.Start(ctx)

	<-ctx.Done()
	log.Info().Msg("room gateway service shutting down")
	return nil
}

// RegisterRoutes registers the WebSocket and stats HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleConnection)
	mux.HandleFunc("/stats", s.handleStats)
	log.Info().Msg("room gateway routes registered")
}

func (s *Service) handleConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.connectionManager.UpgradeConnection(w, r); err != nil {
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(s.connectionManager.GetStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode stats response")
	}
}

package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Service is the drop gateway: it accepts WebSocket subscriptions from
// product pages and dashboards and fans out drop events consumed from
// JetStream.
type Service struct {
	connectionManager *ConnectionManager
	eventConsumer     *EventConsumer
}

// Config holds configuration for the drop gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	JetStreamConfig  JetStreamConsumerConfig
}

// DefaultConfig returns default configuration for the drop gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		JetStreamConfig:  DefaultJetStreamConsumerConfig(),
	}
}

// NewService creates a new drop gateway service
func NewService(config Config) (*Service, error) {
	connectionManager := NewConnectionManager(config.ConnectionConfig)

	eventConsumer, err := NewEventConsumer(connectionManager, config.JetStreamConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	return &Service{
		connectionManager: connectionManager,
		eventConsumer:     eventConsumer,
	}, nil
}

// Start begins the gateway service and blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting drop gateway service")

	go s.connectionManager.Start(ctx)

	go func() {
		if err := s.eventConsumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("drop gateway service shutting down")
	return s.Stop()
}

// Stop gracefully shuts down the gateway service
func (s *Service) Stop() error {
	if err := s.eventConsumer.Stop(); err != nil {
		log.Error().Err(err).Msg("failed to stop event consumer")
	}

	log.Info().Msg("drop gateway service stopped")
	return nil
}

// HandleConnection upgrades an HTTP request to a drop WebSocket connection
func (s *Service) HandleConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.connectionManager.UpgradeConnection(w, r); err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleStats returns statistics about active connections
func (s *Service) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, topics := s.connectionManager.GetConnectionStats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"total_connections":` + strconv.Itoa(total) + `,"active_topics":` + strconv.Itoa(topics) + `}`))
}

// Handler builds the gateway's HTTP handler, CORS-wrapped for browser
// clients on storefront origins.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/apps/studio-sivad/ws", s.HandleConnection)
	mux.HandleFunc("/apps/studio-sivad/collaborator-ws", s.HandleConnection)
	mux.HandleFunc("/apps/studio-sivad/ws/stats", s.HandleStats)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	return c.Handler(mux)
}

package http

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/internal/metrics"
	"github.com/Denis-Chistyakov/Raccordo/internal/version"
	"github.com/Denis-Chistyakov/Raccordo/pkg/types"
)

// Server represents the HTTP API server
type Server struct {
	app      *fiber.App
	config   *types.GatewayConfig
	handlers *Handler
	metrics  *metrics.Collector
}

// NewServer creates a new HTTP server in front of the orchestrator.
// calls may be nil when the journal is disabled, collector when metrics are.
func NewServer(service Service, calls CallLog, collector *metrics.Collector, config *types.GatewayConfig) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader: "Raccordo",
		AppName:      "Raccordo v" + version.Version,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Tool calls may run long
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	s := &Server{
		app:      app,
		config:   config,
		handlers: NewHandler(service, calls),
		metrics:  collector,
	}

	s.app.Use(RecoveryMiddleware())
	s.app.Use(RequestIDMiddleware())
	s.app.Use(LoggingMiddleware())

	s.setupRoutes()

	return s
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.app.Get("/", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"name":    "Raccordo",
			"version": version.Version,
			"status":  "running",
		})
	})

	// Metrics endpoint (Prometheus)
	if s.metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(s.metrics.Handler()))
	}

	api := s.app.Group("/api/v1")

	// Tools
	api.Get("/tools", s.handlers.ListTools)
	api.Get("/tools/:name", s.handlers.GetTool)
	api.Post("/tools/:name/call", s.handlers.CallTool)

	// Servers
	api.Get("/servers", s.handlers.ListServers)
	api.Post("/refresh", s.handlers.Refresh)
	api.Post("/refresh/:server", s.handlers.Refresh)

	// Observability
	api.Get("/stats", s.handlers.Stats)
	api.Get("/calls", s.handlers.RecentCalls)
	api.Get("/health", s.handlers.HealthCheck)
	api.Get("/alive", s.handlers.LivenessProbe)

	log.Info().Msg("HTTP routes configured")
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	log.Info().
		Str("addr", addr).
		Msg("Starting HTTP API server")

	// Start in goroutine to not block
	go func() {
		if err := s.app.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP server")

	if err := s.app.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	log.Info().Msg("HTTP server stopped")
	return nil
}

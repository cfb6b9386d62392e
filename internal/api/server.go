// Package api provides the HTTP API server for the reconciliation
// service: job triggering, run reports, and read-only circle views.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/circlepool/circlepool/internal/logging"
	"github.com/circlepool/circlepool/internal/models"
	"github.com/circlepool/circlepool/internal/service"
)

// Service interfaces for dependency injection and testing

// ReconcilerInterface defines the interface for triggering reconciler runs
type ReconcilerInterface interface {
	Run(ctx context.Context, job service.Job) (*service.Report, error)
}

// ReportSource defines the interface for reading the last stored run report
type ReportSource interface {
	LastReport(ctx context.Context) ([]byte, error)
}

// CircleReader defines the interface for read-only circle queries
type CircleReader interface {
	GetCircles(ctx context.Context) ([]*models.Circle, error)
	GetBySlug(ctx context.Context, slug string) (*models.Circle, error)
	ListPayouts(ctx context.Context, circleID string, limit int) ([]*models.Payout, error)
}

// PaymentReader defines the interface for read-only payment log queries
type PaymentReader interface {
	ListByCircle(ctx context.Context, circleID string, limit int) ([]*models.Payment, error)
}

// Pinger reports the liveness of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	reconciler ReconcilerInterface
	reports    ReportSource
	circles    CircleReader
	payments   PaymentReader
	postgres   Pinger
	redis      Pinger
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	reconciler ReconcilerInterface,
	reports ReportSource,
	circles CircleReader,
	payments PaymentReader,
	postgres Pinger,
	redis Pinger,
	logger *logging.Logger,
) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		reconciler: reconciler,
		reports:    reports,
		circles:    circles,
		payments:   payments,
		postgres:   postgres,
		redis:      redis,
		logger:     logger,
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	// WriteTimeout must outlive a synchronous run: CheckPayDate waits for
	// on-chain confirmation before responding.
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs/run", s.handleRunJob).Methods("POST")
	api.HandleFunc("/jobs/last", s.handleLastReport).Methods("GET")

	// Circle endpoints (read-only views over the ledger)
	api.HandleFunc("/circles", s.handleListCircles).Methods("GET")
	api.HandleFunc("/circles/{slug}", s.handleGetCircle).Methods("GET")
	api.HandleFunc("/circles/{slug}/payouts", s.handleListPayouts).Methods("GET")
	api.HandleFunc("/circles/{slug}/payments", s.handleListPayments).Methods("GET")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

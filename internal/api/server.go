package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sputterlab/gasflow-core/internal/audit"
	"github.com/sputterlab/gasflow-core/internal/gasflow"
	"github.com/sputterlab/gasflow-core/internal/infrastructure/config"
	"github.com/sputterlab/gasflow-core/internal/infrastructure/logging"
	"github.com/sputterlab/gasflow-core/internal/recipe"
	"github.com/sputterlab/gasflow-core/internal/safety"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// FlowController is the subset of the gas flow controller the API needs.
// Satisfied by *gasflow.Controller.
type FlowController interface {
	Status(channel string) (gasflow.ChannelStatus, error)
	Statuses() []gasflow.ChannelStatus
	Reading(channel string) (*gasflow.Reading, error)
	Readings() map[string]gasflow.Reading
	TotalFlow() float64
	SetFlowRate(ctx context.Context, channel string, value float64) (safety.Decision, error)
	StopAllFlows(ctx context.Context) error
}

// RecipeRunner is the subset of the recipe executor the API needs.
// Satisfied by *recipe.Executor.
type RecipeRunner interface {
	Execute(ctx context.Context, r recipe.Recipe) (string, error)
	Cancel() error
	Status() recipe.Status
}

// ReadingHistory provides access to persisted channel readings.
// Satisfied by *gasflow.SQLiteReadingRepository.
type ReadingHistory interface {
	GetHistory(ctx context.Context, channel string, limit int) ([]gasflow.Reading, error)
}

// ExecutionHistory provides access to past recipe executions.
// Satisfied by *recipe.SQLiteExecutionRepository.
type ExecutionHistory interface {
	GetRecent(ctx context.Context, limit int) ([]recipe.Execution, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Controller FlowController
	Executor   RecipeRunner
	Readings   ReadingHistory   // optional: history endpoints return 503 when nil
	Executions ExecutionHistory // optional: executions endpoint returns 503 when nil
	Audit      audit.Repository // optional: command auditing disabled when nil
	Version    string
}

// Server is the HTTP API server for gasflow-core.
//
// It manages the HTTP listener, routes, and middleware. The server is
// created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	logger     *logging.Logger
	controller FlowController
	executor   RecipeRunner
	readings   ReadingHistory
	executions ExecutionHistory
	audit      audit.Repository
	version    string
	server     *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("flow controller is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("recipe executor is required")
	}

	return &Server{
		cfg:        deps.Config,
		logger:     deps.Logger,
		controller: deps.Controller,
		executor:   deps.Executor,
		readings:   deps.Readings,
		executions: deps.Executions,
		audit:      deps.Audit,
		version:    deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router and launches the HTTP listener in a background
// goroutine. The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

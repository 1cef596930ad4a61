package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/stsupervisor/internal/caller"
	"github.com/nerrad567/stsupervisor/internal/history"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/config"
	"github.com/nerrad567/stsupervisor/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the caller surface the API exposes.
type Controller interface {
	RunShellCommand(ctx context.Context, text string) caller.CommandResult
	RunDaemonCommand(ctx context.Context, args []string, env map[string]string) caller.CommandResult
	StartSupervisedDaemon(ctx context.Context, env map[string]string) caller.Ack
	StopSupervisedDaemon(ctx context.Context) caller.Ack
	KillDaemon(ctx context.Context) caller.Ack
	Status(ctx context.Context) caller.Status
	ListPIDs(ctx context.Context) ([]int, error)
	History(ctx context.Context, limit int) (*history.ListResult, error)
	Run(ctx context.Context, id string) (*history.Run, error)
}

// HealthChecker is implemented by components reported on /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// StatsProvider describes the history database for /system.
type StatsProvider interface {
	Stats() sql.DBStats
	Path() string
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	Logger     *logging.Logger
	Controller Controller

	// Hub, when set, is used instead of a hub owned by the server. It must
	// be registered as a line sink and observer by the caller.
	Hub *Hub

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Checks are probed by /health, keyed by component name.
	Checks map[string]HealthChecker

	// DB reports the database file and pool on /system when set.
	DB StatsProvider

	// MQTT reports broker connectivity on /system when set.
	MQTT interface{ IsConnected() bool }

	// Audit serves /audit when set.
	Audit AuditStore

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	ctl       Controller
	metrics   http.Handler
	checks    map[string]HealthChecker
	db        StatsProvider
	mqtt      interface{ IsConnected() bool }
	audit     AuditStore
	version   string
	startTime time.Time
	tickets   *ticketStore
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server. It is not listening until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}

	s := &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		ctl:       deps.Controller,
		metrics:   deps.Metrics,
		checks:    deps.Checks,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		audit:     deps.Audit,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
		hub:       deps.Hub,
	}
	if s.hub == nil {
		s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
	}
	return s, nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in the background.
func (s *Server) Start(ctx context.Context) error {
	// Close() stops background goroutines independently of the parent ctx.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr, "auth", s.authEnabled())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds for
// in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
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

// Package http provides the relay's operational HTTP server.
package http

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/buildrelay/internal/auth"
	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/relay/internal/hub"
	"github.com/xiaot623/buildrelay/relay/internal/metrics"
	"github.com/xiaot623/buildrelay/relay/internal/tracing"
	"github.com/xiaot623/buildrelay/relay/internal/ws"
)

// Dispatcher sends commands to connected runners.
type Dispatcher interface {
	DispatchCommand(ctx context.Context, runnerID string, cmd *protocol.Command) error
}

// QueueDepth reports how many events wait for re-delivery.
type QueueDepth interface {
	Len() int
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Secret     string
	Registry   *hub.Registry
	Dispatcher Dispatcher
	Metrics    *metrics.Metrics
	Queue      QueueDepth
	Gatherer   prometheus.Gatherer
	Tracing    *tracing.Provider
}

// Server is the operational HTTP server for the relay.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// NewServer creates a new operational HTTP server.
func NewServer(deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if deps.Tracing != nil {
		e.Use(deps.Tracing.Middleware())
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		echo: e,
		deps: deps,
	}

	e.GET("/health", s.handleHealth)

	requireAuth := auth.Middleware(deps.Secret, deps.Metrics.AuthFailure)
	e.GET("/status", s.handleStatus, requireAuth)
	e.GET("/metrics", s.handleMetrics, requireAuth)
	e.GET("/metrics/prometheus", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})), requireAuth)
	e.POST("/commands", s.handleCommand, requireAuth)

	return s
}

// Echo exposes the underlying router, mainly for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) queueLen() int {
	if s.deps.Queue == nil {
		return 0
	}
	return s.deps.Queue.Len()
}

// handleHealth handles unauthenticated liveness checks.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"uptimeSec":   int64(s.deps.Metrics.Uptime().Seconds()),
		"connections": s.deps.Registry.ConnectionCount(),
		"failedQueue": s.queueLen(),
		"counters":    s.deps.Metrics.Snapshot(),
	})
}

// handleStatus reports per-connection heartbeat age.
func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connections": s.deps.Registry.Snapshot(),
		"count":       s.deps.Registry.ConnectionCount(),
		"failedQueue": s.queueLen(),
	})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

// CommandRequest is the body of POST /commands.
type CommandRequest struct {
	RunnerID string            `json:"runnerId"`
	Command  *protocol.Command `json:"command"`
}

// CommandResponse is returned when the command was sent.
type CommandResponse struct {
	OK        bool   `json:"ok"`
	CommandID string `json:"commandId"`
}

// handleCommand forwards a command to a connected runner.
func (s *Server) handleCommand(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Command == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "command is required"})
	}
	if !protocol.IsCommandType(string(req.Command.Type)) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown command type: " + string(req.Command.Type)})
	}

	err := s.deps.Dispatcher.DispatchCommand(c.Request().Context(), req.RunnerID, req.Command)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, CommandResponse{OK: true, CommandID: req.Command.ID})
	case errors.Is(err, ws.ErrNotConnected):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, ws.ErrPolicyDenied):
		return c.JSON(http.StatusForbidden, map[string]string{"error": err.Error()})
	default:
		log.Printf("ERROR: failed to dispatch command: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to dispatch command"})
	}
}

// Package internalapi provides HTTP handlers for internal coordinator APIs.
// These APIs are only accessible to the relay, which presents the shared secret.
package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/buildrelay/coordinator/internal/service"
	"github.com/xiaot623/buildrelay/internal/auth"
)

// Handler handles internal HTTP requests from the relay.
type Handler struct {
	service  *service.Service
	secret   string
	gatherer prometheus.Gatherer
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service, secret string, gatherer prometheus.Gatherer) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		service:  service,
		secret:   secret,
		gatherer: gatherer,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	requireAuth := auth.Middleware(h.secret, nil)

	// Event ingestion
	e.POST("/api/runner/events", h.IngestEvent, requireAuth)
	e.POST("/api/runner/events/batch", h.IngestBatch, requireAuth)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})), requireAuth)
	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Package http provides the HTTP server implementation for the coordinator.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaot623/buildrelay/coordinator/internal/service"
	"github.com/xiaot623/buildrelay/coordinator/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/buildrelay/coordinator/internal/transport/http/v1"
)

// NewExternalServer creates and configures the external-facing HTTP server.
// This server serves build history and state to the UI and accepts build requests.
func NewExternalServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1Handler := v1.NewHandler(svc)
	v1Handler.RegisterRoutes(e)

	return e
}

// NewInternalServer creates and configures the internal-facing HTTP server.
// This server ingests runner events forwarded by the relay.
func NewInternalServer(svc *service.Service, secret string, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	internalHandler := internalapi.NewHandler(svc, secret, gatherer)
	internalHandler.RegisterRoutes(e)

	return e
}

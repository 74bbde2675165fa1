package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/buildrelay/coordinator/internal/service"
)

// GetProjectHistory returns a project's sessions and the latest build state.
// Clients call it on reconnect, which also finalizes stuck sessions.
// GET /v1/projects/:project_id/history
func (h *Handler) GetProjectHistory(c echo.Context) error {
	projectID := c.Param("project_id")
	limit := 20
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	history, err := h.service.History(c.Request().Context(), projectID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, history)
}

// GetBuildState returns the generation state of one build.
// GET /v1/builds/:build_id/state
func (h *Handler) GetBuildState(c echo.Context) error {
	state, err := h.service.GenerationState(c.Request().Context(), c.Param("build_id"))
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "build not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, state)
}

// StartBuild dispatches a start-build command to a runner.
// POST /v1/projects/:project_id/builds
func (h *Handler) StartBuild(c echo.Context) error {
	var req service.StartBuildRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.ProjectID = c.Param("project_id")
	if req.RunnerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "runnerId is required"})
	}

	session, err := h.service.StartBuild(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, session)
	case errors.Is(err, service.ErrInvalidEvent):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrRunnerNotConnected):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrRelayUnavailable):
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": err.Error()})
	default:
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

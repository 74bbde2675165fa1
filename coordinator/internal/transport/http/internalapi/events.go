package internalapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/buildrelay/coordinator/internal/service"
	"github.com/xiaot623/buildrelay/internal/protocol"
)

const maxBatchBodyBytes = 8 << 20

// IngestEvent applies one runner event.
// POST /api/runner/events
func (h *Handler) IngestEvent(c echo.Context) error {
	var env protocol.EventEnvelope
	if err := c.Bind(&env); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if env.Event.Type == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event.type is required"})
	}

	if err := h.service.Process(c.Request().Context(), env); err != nil {
		if errors.Is(err, service.ErrInvalidEvent) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to process event"})
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// BatchResponse reports per-event failures by position.
type BatchResponse struct {
	OK        bool           `json:"ok"`
	Processed int            `json:"processed"`
	Failed    []BatchFailure `json:"failed"`
}

// BatchFailure names one event that could not be applied.
type BatchFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// IngestBatch applies an array of runner events independently.
// POST /api/runner/events/batch
func (h *Handler) IngestBatch(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBatchBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
	}
	var envs []protocol.EventEnvelope
	if err := json.Unmarshal(body, &envs); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "expected an array of events"})
	}

	errs := h.service.ProcessBatch(c.Request().Context(), envs)
	resp := BatchResponse{Failed: []BatchFailure{}}
	for i, err := range errs {
		if err != nil {
			resp.Failed = append(resp.Failed, BatchFailure{Index: i, Error: err.Error()})
			continue
		}
		resp.Processed++
	}
	resp.OK = len(resp.Failed) == 0

	return c.JSON(http.StatusOK, resp)
}

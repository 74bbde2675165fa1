package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/broadcast"
	"github.com/xiaot623/buildrelay/coordinator/internal/domain"
	"github.com/xiaot623/buildrelay/coordinator/internal/service"
	"github.com/xiaot623/buildrelay/coordinator/internal/tracker"
	"github.com/xiaot623/buildrelay/coordinator/tests/helpers"
	"github.com/xiaot623/buildrelay/internal/protocol"
)

func newTestHandler(t *testing.T) (*Handler, *service.Service) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	tr, err := tracker.NewMemory(0)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	svc := service.New(db, tr, &broadcast.Recorder{}, nil)
	return NewHandler(svc), svc
}

func TestGetBuildState(t *testing.T) {
	e := echo.New()
	h, svc := newTestHandler(t)

	env := protocol.RunnerEvent{Type: protocol.EventStart, BuildID: "b1", ProjectID: "p1"}.Envelope()
	if err := svc.Process(context.Background(), env); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/builds/b1/state", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("build_id")
	c.SetParamValues("b1")

	if err := h.GetBuildState(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var state domain.GenerationState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.BuildID != "b1" || !state.IsActive || state.ActiveTodoIndex != -1 {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestGetBuildStateNotFound(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/builds/nope/state", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("build_id")
	c.SetParamValues("nope")

	if err := h.GetBuildState(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetProjectHistory(t *testing.T) {
	e := echo.New()
	h, svc := newTestHandler(t)

	for _, b := range []string{"b1", "b2"} {
		env := protocol.RunnerEvent{Type: protocol.EventStart, BuildID: b, ProjectID: "p1"}.Envelope()
		if err := svc.Process(context.Background(), env); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/projects/p1/history?limit=1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("project_id")
	c.SetParamValues("p1")

	if err := h.GetProjectHistory(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var history service.History
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.Sessions) != 1 || history.Sessions[0].BuildID != "b2" {
		t.Fatalf("unexpected sessions: %+v", history.Sessions)
	}
	if history.Latest == nil || history.Latest.BuildID != "b2" {
		t.Fatalf("unexpected latest state: %+v", history.Latest)
	}
}

func TestStartBuildValidation(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)

	cases := []struct {
		body string
		want int
	}{
		{`{`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"runnerId":"r1"}`, http.StatusNotImplemented},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/projects/p1/builds", bytes.NewBufferString(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetParamNames("project_id")
		c.SetParamValues("p1")

		if err := h.StartBuild(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != tc.want {
			t.Fatalf("body %s: expected %d, got %d", tc.body, tc.want, rec.Code)
		}
	}
}

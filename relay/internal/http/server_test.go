package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/relay/internal/hub"
	"github.com/xiaot623/buildrelay/relay/internal/metrics"
	"github.com/xiaot623/buildrelay/relay/internal/ws"
)

const testSecret = "s3cret"

type stubDispatcher struct {
	err      error
	runnerID string
	cmd      *protocol.Command
}

func (d *stubDispatcher) DispatchCommand(_ context.Context, runnerID string, cmd *protocol.Command) error {
	d.runnerID = runnerID
	d.cmd = cmd
	if d.err == nil && cmd.ID == "" {
		cmd.ID = "generated"
	}
	return d.err
}

type fixedQueue int

func (q fixedQueue) Len() int { return int(q) }

func newTestServer(d Dispatcher) (*Server, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	s := NewServer(Deps{
		Secret:     testSecret,
		Registry:   hub.NewRegistry(time.Second),
		Dispatcher: d,
		Metrics:    m,
		Queue:      fixedQueue(3),
		Gatherer:   reg,
	})
	return s, m
}

func do(s *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthNeedsNoAuth(t *testing.T) {
	s, _ := newTestServer(&stubDispatcher{})

	rec := do(s, http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["connections"])
	assert.EqualValues(t, 3, body["failedQueue"])
	assert.Contains(t, body, "counters")
}

func TestOperationalRoutesRequireAuth(t *testing.T) {
	s, m := newTestServer(&stubDispatcher{})

	for _, path := range []string{"/status", "/metrics", "/metrics/prometheus"} {
		rec := do(s, http.MethodGet, path, "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = do(s, http.MethodGet, path, "", true)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := do(s, http.MethodPost, "/commands", `{}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int64(4), m.Snapshot().AuthFailures)
}

func TestPrometheusExposition(t *testing.T) {
	s, m := newTestServer(&stubDispatcher{})
	m.CommandSent()

	rec := do(s, http.MethodGet, "/metrics/prometheus", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `build_relay_commands_total{result="sent"} 1`)
}

func TestPostCommand(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "sent", body: `{"runnerId":"r1","command":{"type":"start-build","projectId":"p1"}}`, status: http.StatusOK},
		{name: "not connected", body: `{"runnerId":"r1","command":{"type":"start-build","projectId":"p1"}}`, err: ws.ErrNotConnected, status: http.StatusServiceUnavailable},
		{name: "policy denied", body: `{"runnerId":"r1","command":{"type":"start-build"}}`, err: fmt.Errorf("%w: missing project id", ws.ErrPolicyDenied), status: http.StatusForbidden},
		{name: "dispatch failure", body: `{"runnerId":"r1","command":{"type":"fetch-logs","projectId":"p1"}}`, err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
		{name: "invalid json", body: `{"runnerId":`, status: http.StatusBadRequest},
		{name: "missing command", body: `{"runnerId":"r1"}`, status: http.StatusBadRequest},
		{name: "unknown type", body: `{"runnerId":"r1","command":{"type":"finish"}}`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &stubDispatcher{err: tt.err}
			s, _ := newTestServer(d)

			rec := do(s, http.MethodPost, "/commands", tt.body, true)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())

			if tt.status == http.StatusOK {
				var resp CommandResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.True(t, resp.OK)
				assert.Equal(t, "generated", resp.CommandID)
				assert.Equal(t, "r1", d.runnerID)
			}
		})
	}
}

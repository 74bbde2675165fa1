package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/buildrelay/internal/protocol"
)

// fakeRelay accepts runner connections and records the events it receives.
type fakeRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	rejectFirst atomic.Int32
	connects    atomic.Int32

	mu       sync.Mutex
	events   []protocol.RunnerEvent
	runnerID string
	auth     string
	conn     *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws"
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	if r.rejectFirst.Load() > 0 {
		r.rejectFirst.Add(-1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	r.connects.Add(1)

	r.mu.Lock()
	r.runnerID = req.URL.Query().Get("runnerId")
	r.auth = req.Header.Get("Authorization")
	r.conn = conn
	r.mu.Unlock()

	for {
		var ev protocol.RunnerEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *fakeRelay) received(t protocol.EventType) []protocol.RunnerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.RunnerEvent
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *fakeRelay) send(t *testing.T, v interface{}) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotNil(t, r.conn)
	require.NoError(t, r.conn.WriteJSON(v))
}

func startClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	t.Cleanup(func() {
		c.Stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("client did not stop")
		}
	})
	return done
}

func waitState(t *testing.T, c *Client, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == s }, 2*time.Second, 5*time.Millisecond, "state %s", s)
}

func TestConnectHandshakeAndStatus(t *testing.T) {
	relay := newFakeRelay(t)
	c := New(Config{URL: relay.url(), RunnerID: "r1", Secret: "s3cret"}, nil)
	c.StatusFunc = func() string { return "busy" }
	startClient(t, c)

	waitState(t, c, StateConnected)
	require.Eventually(t, func() bool { return len(relay.received(protocol.EventRunnerStatus)) == 1 }, time.Second, 5*time.Millisecond)

	relay.mu.Lock()
	assert.Equal(t, "r1", relay.runnerID)
	assert.Equal(t, "Bearer s3cret", relay.auth)
	relay.mu.Unlock()

	status := relay.received(protocol.EventRunnerStatus)[0]
	assert.Equal(t, "busy", status.Status)
	assert.JSONEq(t, `{"runnerId":"r1"}`, string(status.Data))
}

func TestCommandsReachHandler(t *testing.T) {
	relay := newFakeRelay(t)
	got := make(chan protocol.Command, 1)
	c := New(Config{URL: relay.url(), RunnerID: "r1"}, func(_ context.Context, cl *Client, cmd protocol.Command) {
		got <- cmd
		_ = cl.Emit(protocol.RunnerEvent{Type: protocol.EventStart, CommandID: cmd.ID, BuildID: "b1"})
	})
	startClient(t, c)
	waitState(t, c, StateConnected)

	relay.send(t, protocol.Command{ID: "cmd-1", Type: protocol.CommandStartBuild, ProjectID: "p1"})

	select {
	case cmd := <-got:
		assert.Equal(t, "cmd-1", cmd.ID)
		assert.Equal(t, protocol.CommandStartBuild, cmd.Type)
	case <-time.After(time.Second):
		t.Fatal("command not delivered")
	}
	require.Eventually(t, func() bool { return len(relay.received(protocol.EventStart)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cmd-1", relay.received(protocol.EventStart)[0].CommandID)
}

func TestOutboxBuffersWhileDisconnected(t *testing.T) {
	relay := newFakeRelay(t)
	c := New(Config{URL: relay.url(), RunnerID: "r1", OutboxSize: 256}, nil)

	for i := 0; i < 300; i++ {
		require.NoError(t, c.Emit(protocol.RunnerEvent{Type: protocol.EventLog, Delta: string(rune('A' + i%26)), Timestamp: int64(i + 1)}))
	}
	assert.Equal(t, 256, c.Pending())
	assert.Equal(t, 44, c.Dropped())

	startClient(t, c)
	require.Eventually(t, func() bool { return len(relay.received(protocol.EventLog)) == 256 }, 2*time.Second, 10*time.Millisecond)

	logs := relay.received(protocol.EventLog)
	for i, ev := range logs {
		assert.Equal(t, int64(45+i), ev.Timestamp)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestMaxAttemptsEndsInFailed(t *testing.T) {
	relay := newFakeRelay(t)
	relay.rejectFirst.Store(100)

	c := New(Config{URL: relay.url(), MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)
	err := c.Start(context.Background())

	assert.True(t, errors.Is(err, ErrMaxAttempts))
	assert.Equal(t, StateFailed, c.State())
	assert.Equal(t, 3, c.Attempts())
}

func TestReconnectCutsBackoffShort(t *testing.T) {
	relay := newFakeRelay(t)
	relay.rejectFirst.Store(1)

	c := New(Config{URL: relay.url(), BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
	startClient(t, c)

	waitState(t, c, StateReconnecting)
	require.Equal(t, 1, c.Attempts())

	c.Reconnect()
	waitState(t, c, StateConnected)
	assert.Equal(t, 0, c.Attempts())
}

func TestReconnectWhileConnectedRedials(t *testing.T) {
	relay := newFakeRelay(t)
	c := New(Config{URL: relay.url(), BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
	startClient(t, c)
	waitState(t, c, StateConnected)

	c.Reconnect()
	c.Reconnect()

	require.Eventually(t, func() bool {
		return relay.connects.Load() >= 2 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Attempts())
}

func TestServerCloseTriggersReconnect(t *testing.T) {
	relay := newFakeRelay(t)
	c := New(Config{URL: relay.url(), BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond}, nil)
	startClient(t, c)
	waitState(t, c, StateConnected)

	relay.mu.Lock()
	_ = relay.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(protocol.CloseReplaced, protocol.ReasonReplaced), time.Now().Add(time.Second))
	_ = relay.conn.Close()
	relay.mu.Unlock()

	require.Eventually(t, func() bool {
		return relay.connects.Load() >= 2 && c.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	base := 100 * time.Millisecond
	max := 30 * time.Second
	jitter := time.Second

	properties.Property("delay never decreases as attempts grow", prop.ForAll(
		func(attempt int) bool {
			return NextDelay(attempt, base, max, 0, 0) <= NextDelay(attempt+1, base, max, 0, 0)
		},
		gen.IntRange(0, 100),
	))

	properties.Property("delay stays within [base, max + jitter)", prop.ForAll(
		func(attempt int, r float64) bool {
			d := NextDelay(attempt, base, max, jitter, r)
			return d >= base && d < max+jitter
		},
		gen.IntRange(0, 100),
		gen.Float64Range(0, 0.999),
	))

	properties.Property("without jitter delay is min(base*2^n, max)", prop.ForAll(
		func(attempt int) bool {
			want := max
			if attempt < 20 {
				if d := base * time.Duration(1<<uint(attempt)); d < max {
					want = d
				}
			}
			return NextDelay(attempt, base, max, 0, 0) == want
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

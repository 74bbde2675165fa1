package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/buildrelay/internal/protocol"
)

// newConnPair returns the relay side and the runner side of a live websocket.
func newConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case server := <-conns:
		t.Cleanup(func() { _ = server.Close() })
		return server, client
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server connection")
		return nil, nil
	}
}

func newTestRegistry() (*Registry, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	reg := NewRegistry(time.Second)
	reg.now = func() time.Time { return now }
	return reg, &now
}

func readCloseError(t *testing.T, client *websocket.Conn) *websocket.CloseError {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := client.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		require.True(t, ok, "expected close error, got %v", err)
		return closeErr
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg, _ := newTestRegistry()
	server, _ := newConnPair(t)

	conn := reg.Register("r1", server)
	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, 1, reg.ConnectionCount())

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegisterReplacesPreviousConnection(t *testing.T) {
	reg, _ := newTestRegistry()
	serverA, clientA := newConnPair(t)
	serverB, _ := newConnPair(t)

	first := reg.Register("r1", serverA)
	second := reg.Register("r1", serverB)

	assert.Equal(t, 1, reg.ConnectionCount())
	got, _ := reg.Get("r1")
	assert.Same(t, second, got)
	assert.False(t, first.Open())

	closeErr := readCloseError(t, clientA)
	assert.Equal(t, protocol.CloseReplaced, closeErr.Code)

	// The stale read loop of the first connection must not evict the second.
	assert.False(t, reg.Release(first))
	assert.Equal(t, 1, reg.ConnectionCount())
	assert.True(t, reg.Release(second))
	assert.Equal(t, 0, reg.ConnectionCount())
}

func TestEvictStaleClosesWithHeartbeatTimeout(t *testing.T) {
	reg, now := newTestRegistry()
	server, client := newConnPair(t)

	var evictedIDs []string
	reg.OnEvict = func(runnerID string, _ time.Duration) { evictedIDs = append(evictedIDs, runnerID) }
	reg.Register("r1", server)

	*now = now.Add(60 * time.Second)
	assert.Empty(t, reg.EvictStale(90*time.Second))

	*now = now.Add(31 * time.Second)
	assert.Equal(t, []string{"r1"}, reg.EvictStale(90*time.Second))
	assert.Equal(t, []string{"r1"}, evictedIDs)

	_, ok := reg.Get("r1")
	assert.False(t, ok)

	closeErr := readCloseError(t, client)
	assert.Equal(t, protocol.CloseHeartbeatTimeout, closeErr.Code)
	assert.Equal(t, protocol.ReasonHeartbeatTimeout, closeErr.Text)
}

func TestTouchKeepsConnectionAlive(t *testing.T) {
	reg, now := newTestRegistry()
	server, _ := newConnPair(t)
	reg.Register("r1", server)

	*now = now.Add(80 * time.Second)
	assert.True(t, reg.Touch("r1"))
	*now = now.Add(80 * time.Second)

	assert.Empty(t, reg.EvictStale(90*time.Second))
	assert.False(t, reg.Touch("missing"))

	infos := reg.Snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "r1", infos[0].RunnerID)
	assert.Equal(t, int64(80_000), infos[0].HeartbeatAgeMs)
}

func TestMonitorSweepEvictsWithinOneInterval(t *testing.T) {
	reg, now := newTestRegistry()
	server, _ := newConnPair(t)
	reg.Register("r1", server)

	mon := NewMonitor(reg, 30*time.Second, 60*time.Second, 90*time.Second)

	// Timeout elapses between two sweeps; the next sweep evicts.
	*now = now.Add(60 * time.Second)
	assert.Empty(t, mon.Sweep())
	*now = now.Add(60 * time.Second)
	assert.Equal(t, []string{"r1"}, mon.Sweep())
}

func TestRemoveClosesConnection(t *testing.T) {
	reg, _ := newTestRegistry()
	server, client := newConnPair(t)
	reg.Register("r1", server)

	assert.True(t, reg.Remove("r1", protocol.CloseShutdown, protocol.ReasonShutdown))
	assert.False(t, reg.Remove("r1", protocol.CloseShutdown, protocol.ReasonShutdown))

	closeErr := readCloseError(t, client)
	assert.Equal(t, protocol.CloseShutdown, closeErr.Code)
}

func TestPingAllReachesRunner(t *testing.T) {
	reg, _ := newTestRegistry()
	server, client := newConnPair(t)
	reg.Register("r1", server)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	assert.Equal(t, 0, reg.PingAll())
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("runner never received ping")
	}
}

func TestSendJSONAfterCloseFails(t *testing.T) {
	reg, _ := newTestRegistry()
	server, _ := newConnPair(t)
	conn := reg.Register("r1", server)
	reg.CloseAll(protocol.CloseShutdown, protocol.ReasonShutdown)

	assert.ErrorIs(t, conn.SendJSON(map[string]string{"type": "start-build"}), ErrConnectionClosed)
	assert.Equal(t, 0, reg.ConnectionCount())
}

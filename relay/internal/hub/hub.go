// Package hub tracks live runner connections and their liveness.
package hub

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/buildrelay/internal/protocol"
)

// ErrConnectionClosed is returned when writing to a connection that was closed.
var ErrConnectionClosed = errors.New("connection closed")

// Connection represents a single runner websocket connection.
type Connection struct {
	RunnerID    string
	Conn        *websocket.Conn
	ConnectedAt time.Time

	writeTimeout  time.Duration
	lastHeartbeat atomic.Int64 // unix nanos
	closed        atomic.Bool
	mu            sync.Mutex
}

// LastHeartbeat returns the time of the most recent liveness signal.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *Connection) stamp(t time.Time) {
	c.lastHeartbeat.Store(t.UnixNano())
}

// Open reports whether the connection has not been closed by the relay.
func (c *Connection) Open() bool {
	return !c.closed.Load()
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	if !c.Open() {
		return ErrConnectionClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.WriteMessage(messageType, data)
}

// SendJSON writes v as a JSON text frame.
func (c *Connection) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a protocol-level ping. Control frames may be written concurrently
// with WriteMessage.
func (c *Connection) Ping() error {
	if !c.Open() {
		return ErrConnectionClosed
	}
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.controlTimeout()))
}

// CloseWith sends a close frame carrying code and reason, then closes the socket.
func (c *Connection) CloseWith(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.controlTimeout()))
	return c.Conn.Close()
}

// Close closes the connection without a close frame.
func (c *Connection) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func (c *Connection) controlTimeout() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return 5 * time.Second
}

// ConnectionInfo describes one registered connection.
type ConnectionInfo struct {
	RunnerID         string    `json:"runnerId"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	HeartbeatAgeMs   int64     `json:"heartbeatAgeMs"`
	ConnectionAgeSec int64     `json:"connectionAgeSec"`
}

// Registry maps runner ids to their live connection. At most one connection
// is kept per runner id; registering again replaces the previous one.
type Registry struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	writeTimeout time.Duration
	now          func() time.Time

	// OnEvict is called after a stale connection was removed.
	OnEvict func(runnerID string, age time.Duration)
}

// NewRegistry creates an empty registry.
func NewRegistry(writeTimeout time.Duration) *Registry {
	return &Registry{
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
		now:          time.Now,
	}
}

// Register stores ws as the live connection for runnerID and stamps its
// heartbeat. A previous connection for the same runner is closed.
func (r *Registry) Register(runnerID string, ws *websocket.Conn) *Connection {
	now := r.now()
	conn := &Connection{
		RunnerID:     runnerID,
		Conn:         ws,
		ConnectedAt:  now,
		writeTimeout: r.writeTimeout,
	}
	conn.stamp(now)

	r.mu.Lock()
	previous := r.connections[runnerID]
	r.connections[runnerID] = conn
	r.mu.Unlock()

	if previous != nil {
		log.Printf("Runner %s reconnected, closing previous connection", runnerID)
		_ = previous.CloseWith(protocol.CloseReplaced, protocol.ReasonReplaced)
	}
	log.Printf("Runner registered: %s", runnerID)
	return conn
}

// Touch records a liveness signal for runnerID.
func (r *Registry) Touch(runnerID string) bool {
	r.mu.RLock()
	conn, ok := r.connections[runnerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	conn.stamp(r.now())
	return true
}

// Get returns the live connection for runnerID.
func (r *Registry) Get(runnerID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[runnerID]
	return conn, ok
}

// Remove closes and evicts the connection for runnerID.
func (r *Registry) Remove(runnerID string, code int, reason string) bool {
	r.mu.Lock()
	conn, ok := r.connections[runnerID]
	if ok {
		delete(r.connections, runnerID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = conn.CloseWith(code, reason)
	log.Printf("Runner unregistered: %s (%s)", runnerID, reason)
	return true
}

// Release removes conn only if it is still the registered connection for its
// runner. Read loops call this on exit so that a stale loop never evicts the
// connection that replaced it.
func (r *Registry) Release(conn *Connection) bool {
	r.mu.Lock()
	current, ok := r.connections[conn.RunnerID]
	if ok && current == conn {
		delete(r.connections, conn.RunnerID)
	}
	r.mu.Unlock()
	if ok && current == conn {
		log.Printf("Runner unregistered: %s", conn.RunnerID)
		return true
	}
	return false
}

// ConnectionCount returns the number of registered runners.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Snapshot returns liveness details for every registered runner.
func (r *Registry) Snapshot() []ConnectionInfo {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(r.connections))
	for id, conn := range r.connections {
		last := conn.LastHeartbeat()
		infos = append(infos, ConnectionInfo{
			RunnerID:         id,
			ConnectedAt:      conn.ConnectedAt,
			LastHeartbeat:    last,
			HeartbeatAgeMs:   now.Sub(last).Milliseconds(),
			ConnectionAgeSec: int64(now.Sub(conn.ConnectedAt).Seconds()),
		})
	}
	return infos
}

// PingAll sends a liveness ping to every registered connection and returns
// the number of pings that could not be written.
func (r *Registry) PingAll() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	failed := 0
	for _, conn := range conns {
		if err := conn.Ping(); err != nil {
			log.Printf("WARN: ping to runner %s failed: %v", conn.RunnerID, err)
			failed++
		}
	}
	return failed
}

// EvictStale removes every connection whose last heartbeat is older than
// timeout, closing it with the heartbeat-timeout close code.
func (r *Registry) EvictStale(timeout time.Duration) []string {
	now := r.now()

	type stale struct {
		conn *Connection
		age  time.Duration
	}
	var evicted []stale

	r.mu.Lock()
	for id, conn := range r.connections {
		age := now.Sub(conn.LastHeartbeat())
		if age > timeout {
			delete(r.connections, id)
			evicted = append(evicted, stale{conn: conn, age: age})
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, s := range evicted {
		_ = s.conn.CloseWith(protocol.CloseHeartbeatTimeout, protocol.ReasonHeartbeatTimeout)
		log.Printf("Evicted stale runner %s (no heartbeat for %s)", s.conn.RunnerID, s.age.Round(time.Second))
		if r.OnEvict != nil {
			r.OnEvict(s.conn.RunnerID, s.age)
		}
		ids = append(ids, s.conn.RunnerID)
	}
	return ids
}

// CloseAll closes and removes every connection.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := r.connections
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseWith(code, reason)
	}
}

// Package client keeps a runner connected to the relay, reconnecting with
// exponential backoff and buffering events while the link is down.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/buildrelay/internal/protocol"
)

// State is the connection state of a runner client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// ErrMaxAttempts is returned by Start when MaxAttempts consecutive dials failed.
var ErrMaxAttempts = errors.New("max reconnect attempts exceeded")

// CommandHandler receives commands from the relay. Calls are sequential.
type CommandHandler func(ctx context.Context, c *Client, cmd protocol.Command)

// Config configures a Client.
type Config struct {
	URL      string // ws(s)://relay/ws
	RunnerID string
	Secret   string

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
	MaxAttempts int // 0 retries forever

	StatusInterval time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int
}

func (c *Config) applyDefaults() {
	if c.RunnerID == "" {
		c.RunnerID = protocol.DefaultRunnerID
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
}

// Client is a reconnecting runner connection.
type Client struct {
	cfg     Config
	handler CommandHandler
	dialer  *websocket.Dialer

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	outbox   []protocol.RunnerEvent
	dropped  int

	writeMu sync.Mutex

	reconnect chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once

	// StatusFunc reports the status carried by heartbeat events.
	StatusFunc func() string
	// OnStateChange is called after every transition.
	OnStateChange func(State)
	// random returns a value in [0, 1) for jitter.
	random func() float64
}

// New creates a client. handler may be nil.
func New(cfg Config, handler CommandHandler) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		handler:   handler,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:     StateDisconnected,
		reconnect: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		random:    rand.Float64,
	}
}

// RunnerID returns the configured runner id.
func (c *Client) RunnerID() string {
	return c.cfg.RunnerID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of consecutive failed dials.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Dropped returns how many buffered events were discarded because the outbox was full.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Pending returns the number of buffered events.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev == s {
		return
	}
	log.Printf("runner %s: %s -> %s", c.cfg.RunnerID, prev, s)
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// NextDelay computes min(base*2^attempt, max) plus jitter scaled by r in [0, 1).
func NextDelay(attempt int, base, max, jitter time.Duration, r float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	if jitter > 0 && r > 0 {
		d += time.Duration(r * float64(jitter))
	}
	return d
}

// Delay returns the wait before reconnect attempt number attempt.
func (c *Client) Delay(attempt int) time.Duration {
	return NextDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay, c.cfg.Jitter, c.random())
}

// Reconnect drops the current connection and dials again immediately with
// the attempt counter reset. Repeated calls before the dial coalesce.
func (c *Client) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// Stop closes the connection and ends Start.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Start connects and keeps the connection alive until ctx is done or Stop is
// called. It returns ErrMaxAttempts when MaxAttempts is set and exhausted.
func (c *Client) Start(ctx context.Context) error {
	defer func() {
		if c.State() != StateFailed {
			c.setState(StateDisconnected)
		}
	}()

	c.setState(StateConnecting)
	for {
		if c.stopping(ctx) {
			return nil
		}

		conn, err := c.dial(ctx)
		if err != nil {
			c.mu.Lock()
			c.attempts++
			attempts := c.attempts
			c.mu.Unlock()

			log.Printf("WARN: runner %s: connect attempt %d failed: %v", c.cfg.RunnerID, attempts, err)
			if c.cfg.MaxAttempts > 0 && attempts >= c.cfg.MaxAttempts {
				c.setState(StateFailed)
				return fmt.Errorf("%w: %d attempts", ErrMaxAttempts, attempts)
			}

			c.setState(StateReconnecting)
			if !c.wait(ctx, c.Delay(attempts-1)) {
				return nil
			}
			continue
		}

		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.setState(StateConnected)
		c.publish(conn)

		immediate := c.serve(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()

		if c.stopping(ctx) {
			return nil
		}
		c.setState(StateReconnecting)
		if !immediate && !c.wait(ctx, c.Delay(0)) {
			return nil
		}
	}
}

func (c *Client) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stop:
		return true
	default:
		return false
	}
}

// wait sleeps for d. A Reconnect call cuts the wait short and resets the
// attempt counter. It returns false when the client should stop.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	case <-c.reconnect:
		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		return true
	case <-timer.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("runnerId", c.cfg.RunnerID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.cfg.Secret != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Secret)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// serve runs one connected session. It reports whether the session ended
// because of a Reconnect call.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) bool {
	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn)
	}()

	c.sendStatus()
	ticker := time.NewTicker(c.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeConn(conn, websocket.CloseGoingAway)
			<-readErr
			return false
		case <-c.stop:
			c.closeConn(conn, websocket.CloseNormalClosure)
			<-readErr
			return false
		case <-c.reconnect:
			c.closeConn(conn, websocket.CloseNormalClosure)
			<-readErr
			c.mu.Lock()
			c.attempts = 0
			c.mu.Unlock()
			return true
		case err := <-readErr:
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				log.Printf("WARN: runner %s: relay closed connection: %d %s", c.cfg.RunnerID, closeErr.Code, closeErr.Text)
			} else {
				log.Printf("WARN: runner %s: connection lost: %v", c.cfg.RunnerID, err)
			}
			return false
		case <-ticker.C:
			c.sendStatus()
		}
	}
}

func (c *Client) closeConn(conn *websocket.Conn, code int) {
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		msg, err := protocol.Classify(data)
		if err != nil {
			log.Printf("WARN: runner %s: malformed frame from relay: %v", c.cfg.RunnerID, err)
			continue
		}
		if !msg.IsCommand() {
			log.Printf("WARN: runner %s: ignoring non-command frame %q", c.cfg.RunnerID, msg.Event.Type)
			continue
		}
		if c.handler != nil {
			c.handler(ctx, c, *msg.Command)
		}
	}
}

func (c *Client) sendStatus() {
	status := "idle"
	if c.StatusFunc != nil {
		status = c.StatusFunc()
	}
	data, _ := json.Marshal(map[string]string{"runnerId": c.cfg.RunnerID})
	if err := c.Emit(protocol.RunnerEvent{Type: protocol.EventRunnerStatus, Status: status, Data: data}); err != nil {
		log.Printf("WARN: runner %s: failed to send status: %v", c.cfg.RunnerID, err)
	}
}

// Emit sends ev to the relay. While disconnected the event is buffered and
// sent on the next connect; when the buffer is full the oldest event is dropped.
func (c *Client) Emit(ev protocol.RunnerEvent) error {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, ev); err == nil {
			return nil
		}
	}
	c.buffer(ev)
	return nil
}

func (c *Client) write(conn *websocket.Conn, ev protocol.RunnerEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(ev)
}

func (c *Client) buffer(evs ...protocol.RunnerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbox = append(c.outbox, evs...)
	if over := len(c.outbox) - c.cfg.OutboxSize; over > 0 {
		c.outbox = c.outbox[over:]
		c.dropped += over
		log.Printf("WARN: runner %s: outbox full, dropped %d oldest events", c.cfg.RunnerID, over)
	}
}

// publish sends buffered events in order and then makes conn visible to
// Emit. Events emitted meanwhile are buffered and picked up by the next pass.
func (c *Client) publish(conn *websocket.Conn) {
	sent := 0
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.conn = conn
			c.mu.Unlock()
			break
		}
		pending := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for i, ev := range pending {
			if err := c.write(conn, ev); err != nil {
				c.mu.Lock()
				c.outbox = append(append([]protocol.RunnerEvent{}, pending[i:]...), c.outbox...)
				c.conn = conn
				c.mu.Unlock()
				log.Printf("WARN: runner %s: flush interrupted: %v", c.cfg.RunnerID, err)
				return
			}
			sent++
		}
	}
	if sent > 0 {
		log.Printf("runner %s: flushed %d buffered events", c.cfg.RunnerID, sent)
	}
}

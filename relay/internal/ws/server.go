// Package ws accepts runner websocket connections and relays traffic in both directions.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/buildrelay/internal/auth"
	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/relay/internal/config"
	"github.com/xiaot623/buildrelay/relay/internal/hub"
	"github.com/xiaot623/buildrelay/relay/internal/metrics"
	"github.com/xiaot623/buildrelay/relay/internal/policy"
	"github.com/xiaot623/buildrelay/relay/internal/tracing"
)

var (
	// ErrNotConnected means the target runner has no live connection.
	ErrNotConnected = errors.New("runner not connected")
	// ErrPolicyDenied means the dispatch policy rejected the command.
	ErrPolicyDenied = errors.New("command denied by policy")
)

const defaultForwardBuffer = 256

// Forwarder hands runner events to the coordinator. Defer queues an event
// for background delivery without attempting it now.
type Forwarder interface {
	Forward(ctx context.Context, env protocol.EventEnvelope) error
	Defer(env protocol.EventEnvelope)
}

// Server handles runner websocket connections.
type Server struct {
	cfg       *config.Config
	registry  *hub.Registry
	forwarder Forwarder
	policy    *policy.Engine
	metrics   *metrics.Metrics
	tracing   *tracing.Provider
	upgrader  websocket.Upgrader

	forwardBuffer int

	// ctx outlives individual connections so queued events still reach the
	// coordinator after the runner disconnects.
	ctx        context.Context
	forwarders sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Server)

// WithPolicy evaluates every dispatched command against engine.
func WithPolicy(engine *policy.Engine) Option {
	return func(s *Server) { s.policy = engine }
}

// WithForwardBuffer sets how many events per connection may wait for the
// forwarder before new ones are deferred to the retry queue.
func WithForwardBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.forwardBuffer = n
		}
	}
}

// WithTracing injects trace context into dispatched commands.
func WithTracing(p *tracing.Provider) Option {
	return func(s *Server) { s.tracing = p }
}

// NewServer creates a new websocket server.
func NewServer(ctx context.Context, cfg *config.Config, registry *hub.Registry, fwd Forwarder, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		forwarder: fwd,
		metrics:   m,
		ctx:       ctx,

		forwardBuffer: defaultForwardBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Runners are not browsers; the bearer secret is the gate.
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleWebSocket authenticates, upgrades and registers a runner connection.
func (s *Server) HandleWebSocket(c echo.Context) error {
	if err := auth.Check(c.Request(), s.cfg.SharedSecret); err != nil {
		s.metrics.AuthFailure()
		log.Printf("WARN: rejected runner connection from %s: %v", c.RealIP(), err)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": err.Error()})
	}

	runnerID := c.QueryParam("runnerId")
	if runnerID == "" {
		runnerID = protocol.DefaultRunnerID
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return nil
	}
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}

	conn := s.registry.Register(runnerID, ws)
	s.metrics.Connected()
	log.Printf("Runner connected: runner_id=%s connections=%d", runnerID, s.registry.ConnectionCount())

	ws.SetPongHandler(func(string) error {
		s.registry.Touch(runnerID)
		return nil
	})

	events := make(chan protocol.EventEnvelope, s.forwardBuffer)
	s.forwarders.Add(1)
	go s.forwardPump(runnerID, events)
	go s.readPump(conn, events)

	return nil
}

// readPump reads frames until the connection closes.
func (s *Server) readPump(conn *hub.Connection, events chan<- protocol.EventEnvelope) {
	defer func() {
		close(events)
		if s.registry.Release(conn) {
			log.Printf("Runner disconnected: runner_id=%s", conn.RunnerID)
		}
		s.metrics.Disconnected()
		conn.Close()
	}()

	for {
		_, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure, protocol.CloseHeartbeatTimeout, protocol.CloseReplaced) {
				log.Printf("WARN: runner %s read error: %v", conn.RunnerID, err)
			}
			return
		}
		s.receiveMessage(conn, data, events)
	}
}

// receiveMessage classifies one frame. Bad frames are counted and the
// connection stays open. It never blocks on the forwarder: when the
// connection's backlog is full the event goes straight to the retry queue.
func (s *Server) receiveMessage(conn *hub.Connection, data []byte, events chan<- protocol.EventEnvelope) {
	// Any frame proves the runner is alive.
	s.registry.Touch(conn.RunnerID)

	msg, err := protocol.Classify(data)
	if err != nil {
		s.metrics.MessageError()
		log.Printf("WARN: malformed message from runner %s: %v", conn.RunnerID, err)
		return
	}
	if msg.IsCommand() {
		s.metrics.MessageError()
		log.Printf("WARN: runner %s sent command-typed message %q, ignoring", conn.RunnerID, msg.Command.Type)
		return
	}

	env := msg.Event.Envelope()
	s.metrics.EventReceived()
	select {
	case events <- env:
	default:
		log.Printf("WARN: forward backlog full for runner %s, deferring %s event for build %s",
			conn.RunnerID, env.Event.Type, env.BuildID)
		s.forwarder.Defer(env)
	}
}

// forwardPump forwards one connection's events in arrival order.
func (s *Server) forwardPump(runnerID string, events <-chan protocol.EventEnvelope) {
	defer s.forwarders.Done()
	for env := range events {
		if err := s.forwarder.Forward(s.ctx, env); err != nil {
			log.Printf("WARN: event %s from runner %s queued for retry: %v", env.Event.Type, runnerID, err)
		}
	}
}

// Wait blocks until every connection's pending events were handed to the
// forwarder, or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.forwarders.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchCommand sends cmd to the runner. Commands are never queued: an
// absent runner is reported as ErrNotConnected.
func (s *Server) DispatchCommand(ctx context.Context, runnerID string, cmd *protocol.Command) error {
	if runnerID == "" {
		runnerID = protocol.DefaultRunnerID
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.Timestamp == 0 {
		cmd.Timestamp = time.Now().UnixMilli()
	}

	if s.tracing != nil {
		var span trace.Span
		ctx, span = s.tracing.Tracer().Start(ctx, "dispatch "+string(cmd.Type),
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("runner.id", runnerID),
				attribute.String("command.id", cmd.ID),
				attribute.String("project.id", cmd.ProjectID),
			),
		)
		defer span.End()
	}

	if s.policy != nil {
		decision, err := s.policy.Evaluate(ctx, policy.Input{
			RunnerID:    runnerID,
			CommandType: string(cmd.Type),
			ProjectID:   cmd.ProjectID,
			KnownTypes:  knownTypes(),
		})
		if err != nil {
			s.metrics.CommandFailed()
			return fmt.Errorf("failed to evaluate dispatch policy: %w", err)
		}
		if !decision.Allowed() {
			s.metrics.CommandFailed()
			return fmt.Errorf("%w: %s", ErrPolicyDenied, decision.Reason)
		}
	}

	conn, ok := s.registry.Get(runnerID)
	if !ok {
		s.metrics.CommandFailed()
		return ErrNotConnected
	}

	if s.tracing != nil {
		cmd.TraceContext = s.tracing.Inject(ctx)
	}

	if err := conn.SendJSON(cmd); err != nil {
		s.metrics.CommandFailed()
		if errors.Is(err, hub.ErrConnectionClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("failed to send command to runner %s: %w", runnerID, err)
	}

	s.metrics.CommandSent()
	log.Printf("Command dispatched: runner_id=%s command_id=%s type=%s", runnerID, cmd.ID, cmd.Type)
	return nil
}

func knownTypes() []string {
	types := protocol.CommandTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

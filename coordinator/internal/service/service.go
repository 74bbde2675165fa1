package service

import (
	"errors"
	"sync"
	"time"

	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/broadcast"
	"github.com/xiaot623/buildrelay/coordinator/internal/adapter/relay"
	"github.com/xiaot623/buildrelay/coordinator/internal/config"
	"github.com/xiaot623/buildrelay/coordinator/internal/metrics"
	"github.com/xiaot623/buildrelay/coordinator/internal/repository"
	"github.com/xiaot623/buildrelay/coordinator/internal/tracker"
	"github.com/xiaot623/buildrelay/internal/protocol"
)

var (
	// ErrMissingCorrelation marks events that cannot be tied to stored state:
	// no build, command or project id, or a tool result without its input.
	ErrMissingCorrelation = errors.New("event has no matching session or tool call")
	// ErrInvalidEvent marks events whose payload cannot be applied.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrSessionNotFound is returned by read paths for unknown builds.
	ErrSessionNotFound = errors.New("build session not found")
	// ErrRelayUnavailable is returned when commands cannot be dispatched.
	ErrRelayUnavailable = errors.New("relay not configured")
)

const defaultInactivityThreshold = 15 * time.Minute

type Service struct {
	store       store.Store
	tracker     tracker.Store
	broadcaster broadcast.Broadcaster
	relay       *relay.Client
	metrics     *metrics.Metrics
	config      *config.Config

	handlers map[protocol.EventType]handlerFunc
	now      func() time.Time

	// background self-heal writes
	bg sync.WaitGroup
}

// Option configures optional collaborators.
type Option func(*Service)

// WithRelay enables command dispatch through the relay.
func WithRelay(c *relay.Client) Option {
	return func(s *Service) { s.relay = c }
}

// WithMetrics records processing counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func New(store store.Store, tr tracker.Store, b broadcast.Broadcaster, cfg *config.Config, opts ...Option) *Service {
	if b == nil {
		b = broadcast.Nop{}
	}
	if cfg == nil {
		cfg = &config.Config{}
	}
	s := &Service{
		store:       store,
		tracker:     tr,
		broadcaster: b,
		config:      cfg,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = s.eventHandlers()
	return s
}

func (s *Service) inactivityThreshold() time.Duration {
	if s.config.InactivityThreshold > 0 {
		return s.config.InactivityThreshold
	}
	return defaultInactivityThreshold
}

// Wait blocks until background writes started by read paths have finished.
func (s *Service) Wait() {
	s.bg.Wait()
}

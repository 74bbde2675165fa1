// Package delivery forwards runner events to the coordinator and keeps a
// bounded-retry queue for events the coordinator could not accept.
package delivery

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xiaot623/buildrelay/internal/protocol"
	"github.com/xiaot623/buildrelay/relay/internal/metrics"
)

// Sender delivers a single event envelope to the coordinator.
type Sender interface {
	SendEvent(ctx context.Context, env *protocol.EventEnvelope) error
}

// FailedEvent is an event waiting for background re-delivery.
type FailedEvent struct {
	Event    protocol.EventEnvelope
	Attempts int
}

// Config tunes retry behaviour.
type Config struct {
	ImmediateAttempts int
	RetryDelay        time.Duration
	SweepInterval     time.Duration
	BatchSize         int
	SweepAttempts     int
	MaxAttempts       int
	MaxQueueLen       int     // oldest events are dropped beyond this
	RetriesPerSec     float64 // 0 means unlimited
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		ImmediateAttempts: 3,
		RetryDelay:        time.Second,
		SweepInterval:     30 * time.Second,
		BatchSize:         10,
		SweepAttempts:     2,
		MaxAttempts:       5,
		MaxQueueLen:       10000,
		RetriesPerSec:     20,
	}
}

// Queue forwards events and re-delivers failures on a timer.
type Queue struct {
	sender  Sender
	cfg     Config
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu     sync.Mutex
	failed []FailedEvent

	// Wait blocks for d or until ctx is done. Replaced in tests.
	Wait func(ctx context.Context, d time.Duration) error
}

// NewQueue creates a queue. m may be nil.
func NewQueue(sender Sender, cfg Config, m *metrics.Metrics) *Queue {
	def := DefaultConfig()
	if cfg.ImmediateAttempts <= 0 {
		cfg.ImmediateAttempts = def.ImmediateAttempts
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.SweepAttempts <= 0 {
		cfg.SweepAttempts = def.SweepAttempts
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxQueueLen <= 0 {
		cfg.MaxQueueLen = def.MaxQueueLen
	}

	limit := rate.Inf
	if cfg.RetriesPerSec > 0 {
		limit = rate.Limit(cfg.RetriesPerSec)
	}

	return &Queue{
		sender:  sender,
		cfg:     cfg,
		metrics: m,
		limiter: rate.NewLimiter(limit, 1),
		Wait:    sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Forward delivers env with immediate retries. When every attempt fails the
// event is queued for background delivery and the last error is returned.
func (q *Queue) Forward(ctx context.Context, env protocol.EventEnvelope) error {
	err := q.attempt(ctx, &env, q.cfg.ImmediateAttempts)
	if err == nil {
		if q.metrics != nil {
			q.metrics.EventForwarded()
		}
		return nil
	}

	log.Printf("WARN: failed to forward %s event for build %s after %d attempts, queueing: %v",
		env.Event.Type, env.BuildID, q.cfg.ImmediateAttempts, err)
	q.push(FailedEvent{Event: env, Attempts: 1})
	if q.metrics != nil {
		q.metrics.EventQueued()
	}
	return err
}

// Defer queues env for background delivery without trying it now.
func (q *Queue) Defer(env protocol.EventEnvelope) {
	q.push(FailedEvent{Event: env})
	if q.metrics != nil {
		q.metrics.EventQueued()
	}
}

// attempt tries up to n sends, waiting i*RetryDelay before attempt i.
func (q *Queue) attempt(ctx context.Context, env *protocol.EventEnvelope, n int) error {
	var err error
	for i := 0; i < n; i++ {
		if i > 0 {
			if werr := q.Wait(ctx, time.Duration(i)*q.cfg.RetryDelay); werr != nil {
				return werr
			}
		}
		if err = q.sender.SendEvent(ctx, env); err == nil {
			return nil
		}
	}
	return err
}

func (q *Queue) push(items ...FailedEvent) {
	q.mu.Lock()
	q.failed = append(q.failed, items...)
	var overflow []FailedEvent
	if excess := len(q.failed) - q.cfg.MaxQueueLen; excess > 0 {
		overflow = make([]FailedEvent, excess)
		copy(overflow, q.failed[:excess])
		q.failed = append([]FailedEvent(nil), q.failed[excess:]...)
	}
	n := len(q.failed)
	q.mu.Unlock()

	for _, item := range overflow {
		log.Printf("WARN: dropping %s event for build %s, retry queue full (%d): payload=%s",
			item.Event.Event.Type, item.Event.BuildID, q.cfg.MaxQueueLen, describe(item.Event))
		if q.metrics != nil {
			q.metrics.EventDropped()
		}
	}
	if q.metrics != nil {
		q.metrics.SetQueueDepth(n)
	}
}

func (q *Queue) take(n int) []FailedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.failed) {
		n = len(q.failed)
	}
	batch := make([]FailedEvent, n)
	copy(batch, q.failed[:n])
	q.failed = q.failed[n:]
	return batch
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.failed)
}

// Items returns a copy of the queued events.
func (q *Queue) Items() []FailedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FailedEvent, len(q.failed))
	copy(out, q.failed)
	return out
}

// Run drains the queue every SweepInterval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// Drain retries one batch of queued events and returns how many were delivered.
func (q *Queue) Drain(ctx context.Context) int {
	batch := q.take(q.cfg.BatchSize)
	if len(batch) == 0 {
		return 0
	}

	delivered := 0
	var retry []FailedEvent
	for i, item := range batch {
		if err := q.limiter.Wait(ctx); err != nil {
			retry = append(retry, batch[i:]...)
			break
		}

		err := q.attempt(ctx, &item.Event, q.cfg.SweepAttempts)
		if err == nil {
			delivered++
			if q.metrics != nil {
				q.metrics.EventRetried()
				q.metrics.EventForwarded()
			}
			continue
		}

		item.Attempts++
		if item.Attempts >= q.cfg.MaxAttempts {
			log.Printf("WARN: dropping %s event for build %s after %d attempts: %v payload=%s",
				item.Event.Event.Type, item.Event.BuildID, item.Attempts, err, describe(item.Event))
			if q.metrics != nil {
				q.metrics.EventDropped()
			}
			continue
		}
		retry = append(retry, item)
	}

	q.push(retry...)
	if delivered > 0 {
		log.Printf("delivery: re-delivered %d queued events, %d remaining", delivered, q.Len())
	}
	return delivered
}

func describe(env protocol.EventEnvelope) string {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return "<unencodable>"
	}
	if len(data) > 512 {
		return string(data[:512]) + "..."
	}
	return string(data)
}

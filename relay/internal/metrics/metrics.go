// Package metrics exposes relay counters as JSON snapshots and Prometheus collectors.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records relay activity. Every increment updates both the cumulative
// counters served as JSON and the matching Prometheus collector.
type Metrics struct {
	startedAt time.Time

	commandsSent    atomic.Int64
	commandsFailed  atomic.Int64
	eventsReceived  atomic.Int64
	eventsForwarded atomic.Int64
	eventsQueued    atomic.Int64
	eventsRetried   atomic.Int64
	eventsDropped   atomic.Int64
	messageErrors   atomic.Int64
	connections     atomic.Int64
	authFailures    atomic.Int64
	staleEvictions  atomic.Int64

	commandsTotal  *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	evictionsTotal prometheus.Counter
	connectedGauge prometheus.Gauge
	queueDepth     prometheus.Gauge
}

// Snapshot is the JSON view of the cumulative counters.
type Snapshot struct {
	UptimeSec       int64 `json:"uptimeSec"`
	CommandsSent    int64 `json:"commandsSent"`
	CommandsFailed  int64 `json:"commandsFailed"`
	EventsReceived  int64 `json:"eventsReceived"`
	EventsForwarded int64 `json:"eventsForwarded"`
	EventsQueued    int64 `json:"eventsQueued"`
	EventsRetried   int64 `json:"eventsRetried"`
	EventsDropped   int64 `json:"eventsDropped"`
	MessageErrors   int64 `json:"messageErrors"`
	Connections     int64 `json:"totalConnections"`
	AuthFailures    int64 `json:"authFailures"`
	StaleEvictions  int64 `json:"staleEvictions"`
}

// MustNew constructs Metrics and registers its collectors with reg. A nil reg
// skips Prometheus registration, which keeps tests free of global state.
func MustNew(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startedAt: time.Now(),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "build_relay",
			Name:      "commands_total",
			Help:      "Commands dispatched to runners by result.",
		}, []string{"result"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "build_relay",
			Name:      "events_total",
			Help:      "Runner events by forwarding stage.",
		}, []string{"stage"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "build_relay",
			Name:      "errors_total",
			Help:      "Relay errors by kind.",
		}, []string{"kind"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "build_relay",
			Name:      "stale_evictions_total",
			Help:      "Runner connections evicted after a heartbeat timeout.",
		}),
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "build_relay",
			Name:      "runners_connected",
			Help:      "Runners currently connected.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "build_relay",
			Name:      "failed_event_queue_depth",
			Help:      "Events waiting for background re-delivery.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.commandsTotal, m.eventsTotal, m.errorsTotal, m.evictionsTotal, m.connectedGauge, m.queueDepth)
	}
	return m
}

// Uptime returns the time since the metrics were created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

func (m *Metrics) CommandSent() {
	m.commandsSent.Add(1)
	m.commandsTotal.WithLabelValues("sent").Inc()
}

func (m *Metrics) CommandFailed() {
	m.commandsFailed.Add(1)
	m.commandsTotal.WithLabelValues("failed").Inc()
}

func (m *Metrics) EventReceived() {
	m.eventsReceived.Add(1)
	m.eventsTotal.WithLabelValues("received").Inc()
}

func (m *Metrics) EventForwarded() {
	m.eventsForwarded.Add(1)
	m.eventsTotal.WithLabelValues("forwarded").Inc()
}

func (m *Metrics) EventQueued() {
	m.eventsQueued.Add(1)
	m.eventsTotal.WithLabelValues("queued").Inc()
}

func (m *Metrics) EventRetried() {
	m.eventsRetried.Add(1)
	m.eventsTotal.WithLabelValues("retried").Inc()
}

func (m *Metrics) EventDropped() {
	m.eventsDropped.Add(1)
	m.eventsTotal.WithLabelValues("dropped").Inc()
}

func (m *Metrics) MessageError() {
	m.messageErrors.Add(1)
	m.errorsTotal.WithLabelValues("message").Inc()
}

func (m *Metrics) AuthFailure() {
	m.authFailures.Add(1)
	m.errorsTotal.WithLabelValues("auth").Inc()
}

func (m *Metrics) StaleEviction() {
	m.staleEvictions.Add(1)
	m.evictionsTotal.Inc()
}

// Connected records a new runner connection; Disconnected undoes the gauge.
func (m *Metrics) Connected() {
	m.connections.Add(1)
	m.connectedGauge.Inc()
}

func (m *Metrics) Disconnected() {
	m.connectedGauge.Dec()
}

// SetQueueDepth publishes the failed-event queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Snapshot returns the cumulative counters.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSec:       int64(m.Uptime().Seconds()),
		CommandsSent:    m.commandsSent.Load(),
		CommandsFailed:  m.commandsFailed.Load(),
		EventsReceived:  m.eventsReceived.Load(),
		EventsForwarded: m.eventsForwarded.Load(),
		EventsQueued:    m.eventsQueued.Load(),
		EventsRetried:   m.eventsRetried.Load(),
		EventsDropped:   m.eventsDropped.Load(),
		MessageErrors:   m.messageErrors.Load(),
		Connections:     m.connections.Load(),
		AuthFailures:    m.authFailures.Load(),
		StaleEvictions:  m.staleEvictions.Load(),
	}
}

// Package metrics exposes coordinator counters as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Event processing results.
const (
	ResultOK      = "ok"
	ResultDropped = "dropped"
	ResultInvalid = "invalid"
	ResultError   = "error"
)

// Metrics records coordinator activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsTotal      *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	stuckCleaned     prometheus.Counter
	selfHealed       prometheus.Counter
}

// MustNew constructs Metrics and registers its collectors with reg. A nil reg
// skips registration.
func MustNew(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "build_coordinator",
			Name:      "events_total",
			Help:      "Runner events processed by type and result.",
		}, []string{"type", "result"}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "build_coordinator",
			Name:      "sessions_finished_total",
			Help:      "Build sessions moved to a terminal status, by status and cause.",
		}, []string{"status", "cause"}),
		stuckCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "build_coordinator",
			Name:      "stuck_sessions_cleaned_total",
			Help:      "Idle active sessions finalized by the history cleanup.",
		}),
		selfHealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "build_coordinator",
			Name:      "sessions_self_healed_total",
			Help:      "Sessions whose stored status was corrected on read.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsTotal, m.sessionsFinished, m.stuckCleaned, m.selfHealed)
	}
	return m
}

func (m *Metrics) EventProcessed(eventType, result string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) SessionFinished(status, cause string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(status, cause).Inc()
}

func (m *Metrics) StuckCleaned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stuckCleaned.Add(float64(n))
}

func (m *Metrics) SelfHealed() {
	if m == nil {
		return
	}
	m.selfHealed.Inc()
}

package hub

import (
	"context"
	"time"
)

// Monitor pings registered runners and evicts the ones that stopped answering.
// Probing and eviction run on separate cadences so that one or two missed
// probes do not evict a runner.
type Monitor struct {
	registry      *Registry
	pingInterval  time.Duration
	sweepInterval time.Duration
	timeout       time.Duration
}

// NewMonitor creates a heartbeat monitor for r.
func NewMonitor(r *Registry, pingInterval, sweepInterval, timeout time.Duration) *Monitor {
	return &Monitor{
		registry:      r,
		pingInterval:  pingInterval,
		sweepInterval: sweepInterval,
		timeout:       timeout,
	}
}

// Run probes and sweeps until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	pingTicker := time.NewTicker(m.pingInterval)
	defer pingTicker.Stop()
	sweepTicker := time.NewTicker(m.sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			m.registry.PingAll()
		case <-sweepTicker.C:
			m.Sweep()
		}
	}
}

// Sweep evicts connections whose heartbeat is older than the timeout.
func (m *Monitor) Sweep() []string {
	return m.registry.EvictStale(m.timeout)
}

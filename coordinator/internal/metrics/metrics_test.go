package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.EventProcessed("start", ResultOK)
	m.EventProcessed("start", ResultOK)
	m.SessionFinished("completed", "todos")
	m.StuckCleaned(3)
	m.StuckCleaned(0)
	m.SelfHealed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("start", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsFinished.WithLabelValues("completed", "todos")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stuckCleaned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.selfHealed))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.EventProcessed("start", ResultOK)
	m.SessionFinished("failed", "event")
	m.StuckCleaned(1)
	m.SelfHealed()
}

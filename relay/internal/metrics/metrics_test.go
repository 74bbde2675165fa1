package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotTracksCounters(t *testing.T) {
	m := MustNew(nil)

	m.CommandSent()
	m.CommandSent()
	m.CommandFailed()
	m.EventReceived()
	m.EventQueued()
	m.EventRetried()
	m.EventDropped()
	m.MessageError()
	m.AuthFailure()
	m.StaleEviction()
	m.Connected()
	m.Connected()
	m.Disconnected()

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.CommandsSent)
	assert.Equal(t, int64(1), snap.CommandsFailed)
	assert.Equal(t, int64(1), snap.EventsReceived)
	assert.Zero(t, snap.EventsForwarded)
	assert.Equal(t, int64(1), snap.EventsQueued)
	assert.Equal(t, int64(1), snap.EventsRetried)
	assert.Equal(t, int64(1), snap.EventsDropped)
	assert.Equal(t, int64(1), snap.MessageErrors)
	assert.Equal(t, int64(1), snap.AuthFailures)
	assert.Equal(t, int64(1), snap.StaleEvictions)
	// Total connections never go down.
	assert.Equal(t, int64(2), snap.Connections)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectedGauge))
}

func TestCollectorsAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.CommandSent()
	m.EventForwarded()
	m.SetQueueDepth(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsTotal.WithLabelValues("forwarded")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.queueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "build_relay_commands_total")
	assert.Contains(t, names, "build_relay_failed_event_queue_depth")
}

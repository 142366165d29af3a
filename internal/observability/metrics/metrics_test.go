package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordHold("ok")
	m.RecordBooking("direct", "conflict")
	m.RecordCancel("ok")
	m.RecordHoldsReleased(3)
	m.RecordExpirations(1)
	m.RecordDelta("unchanged")
	m.ObserveHTTP("GET", "/api/bookings", "200", 0.01)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordHold("ok")
	m.RecordHold("ok")
	m.RecordHold("conflict")
	m.RecordExpirations(2)
	m.RecordHoldsReleased(0) // no-op

	assert.Equal(t, 2.0, testutil.ToFloat64(m.holds.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.holds.WithLabelValues("conflict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.expirations))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.releases))
}

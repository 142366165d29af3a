// Package metrics holds the Prometheus instrumentation for the scheduling
// core. All record methods are safe on a nil receiver so components can run
// uninstrumented in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "kiosk"
	subsystem = "scheduling"
)

type Metrics struct {
	holds       *prometheus.CounterVec
	bookings    *prometheus.CounterVec
	cancels     *prometheus.CounterVec
	releases    prometheus.Counter
	expirations prometheus.Counter
	deltas      *prometheus.CounterVec
	httpSeconds *prometheus.HistogramVec
}

// New registers the scheduling metrics on reg, falling back to the default
// registerer when reg is nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "holds_total",
			Help:      "Hold attempts by result.",
		}, []string{"result"}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bookings_total",
			Help:      "Booking attempts by mode and result.",
		}, []string{"mode", "result"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cancels_total",
			Help:      "Cancel attempts by result.",
		}, []string{"result"}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "holds_released_total",
			Help:      "Holds released through session release.",
		}),
		expirations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "holds_expired_total",
			Help:      "Holds reclaimed after their TTL passed.",
		}),
		deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delta_responses_total",
			Help:      "Change-feed responses by kind.",
		}, []string{"kind"}),
		httpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(m.holds, m.bookings, m.cancels, m.releases, m.expirations, m.deltas, m.httpSeconds)
	return m
}

func (m *Metrics) RecordHold(result string) {
	if m == nil {
		return
	}
	m.holds.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordBooking(mode, result string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) RecordCancel(result string) {
	if m == nil {
		return
	}
	m.cancels.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordHoldsReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.releases.Add(float64(n))
}

func (m *Metrics) RecordExpirations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.expirations.Add(float64(n))
}

func (m *Metrics) RecordDelta(kind string) {
	if m == nil {
		return
	}
	m.deltas.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpSeconds.WithLabelValues(method, route, status).Observe(seconds)
}

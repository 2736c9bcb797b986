package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the scheduling flows.
type BookingMetrics struct {
	bookingsTotal  *prometheus.CounterVec
	slotQueries    prometheus.Counter
	computeLatency prometheus.Histogram
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turnomed",
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Total booking operations by outcome",
		}, []string{"operation", "result"}),
		slotQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turnomed",
			Subsystem: "availability",
			Name:      "slot_queries_total",
			Help:      "Total availability queries",
		}),
		computeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "turnomed",
			Subsystem: "availability",
			Name:      "compute_latency_seconds",
			Help:      "Latency of slot computation",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.slotQueries, m.computeLatency)
	return m
}

func (m *BookingMetrics) ObserveBooking(operation, result string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(operation, result).Inc()
}

func (m *BookingMetrics) ObserveSlotQuery(seconds float64) {
	if m == nil {
		return
	}
	m.slotQueries.Inc()
	m.computeLatency.Observe(seconds)
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics exposes counters/histograms for queue operations.
type QueueMetrics struct {
	operationsTotal    *prometheus.CounterVec
	operationLatency   *prometheus.HistogramVec
	sideEffectFailures *prometheus.CounterVec
	claimRetries       prometheus.Counter
	absencesExpired    prometheus.Counter
}

func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	m := &QueueMetrics{
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicqueue",
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Total queue operations by outcome",
		}, []string{"operation", "outcome"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinicqueue",
			Subsystem: "queue",
			Name:      "operation_latency_seconds",
			Help:      "Latency of queue operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		sideEffectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinicqueue",
			Subsystem: "queue",
			Name:      "side_effect_failures_total",
			Help:      "Audit or event writes that failed and were suppressed",
		}, []string{"kind"}),
		claimRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicqueue",
			Subsystem: "queue",
			Name:      "claim_retries_total",
			Help:      "Call-next claims re-selected after losing a race",
		}),
		absencesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinicqueue",
			Subsystem: "queue",
			Name:      "absences_expired_total",
			Help:      "Entries auto-cancelled after their grace period",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operationsTotal, m.operationLatency, m.sideEffectFailures, m.claimRetries, m.absencesExpired)
	return m
}

// ObserveOperation records one finished operation. outcome is "ok" or an error kind.
func (m *QueueMetrics) ObserveOperation(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
	m.operationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *QueueMetrics) ObserveSideEffectFailure(kind string) {
	if m == nil {
		return
	}
	m.sideEffectFailures.WithLabelValues(kind).Inc()
}

func (m *QueueMetrics) ObserveClaimRetry() {
	if m == nil {
		return
	}
	m.claimRetries.Inc()
}

func (m *QueueMetrics) ObserveExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.absencesExpired.Add(float64(n))
}

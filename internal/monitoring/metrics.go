// Package monitoring holds the buyer's Prometheus metrics and the pusher that
// ships them to a Pushgateway. The buyer opens no listener, so metrics are
// pushed rather than scraped.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all buyer metrics.
type Metrics struct {
	TasksReceived      *prometheus.CounterVec
	Payments           *prometheus.CounterVec
	PaymentDuration    prometheus.Histogram
	Evaluations        *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
}

// NewMetrics creates the metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acp_buyer_tasks_received_total",
				Help: "Job notifications received from the ACP SDK",
			},
			[]string{"phase"},
		),

		Payments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acp_buyer_payments_total",
				Help: "Payment attempts by outcome",
			},
			[]string{"result"},
		),

		PaymentDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "acp_buyer_payment_duration_seconds",
				Help:    "Time the SDK took to answer a pay call",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acp_buyer_evaluations_total",
				Help: "Evaluation submissions by outcome",
			},
			[]string{"result"},
		),

		AuditWriteFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "acp_buyer_audit_write_failures_total",
				Help: "Audit records or mirrors that could not be written",
			},
		),
	}
}

// RecordTask counts a received notification.
func (m *Metrics) RecordTask(phase string) {
	m.TasksReceived.WithLabelValues(phase).Inc()
}

// RecordPayment counts a payment outcome and its latency.
func (m *Metrics) RecordPayment(ok bool, seconds float64) {
	m.Payments.WithLabelValues(result(ok)).Inc()
	m.PaymentDuration.Observe(seconds)
}

// RecordEvaluation counts an evaluation outcome.
func (m *Metrics) RecordEvaluation(ok bool) {
	m.Evaluations.WithLabelValues(result(ok)).Inc()
}

// RecordAuditFailure counts a failed audit write.
func (m *Metrics) RecordAuditFailure() {
	m.AuditWriteFailures.Inc()
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

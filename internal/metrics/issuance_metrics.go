package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IssuanceMetrics содержит метрики выпуска счетов.
type IssuanceMetrics struct {
	started  prometheus.Counter
	outcomes *prometheus.CounterVec
	failures *prometheus.CounterVec

	duration     prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	rollbacks    *prometheus.CounterVec
	outboxEvents prometheus.Counter

	inFlight prometheus.Gauge
}

// Исходы выпуска (label outcome).
const (
	OutcomeCommitted             = "committed"
	OutcomeCommittedNotified     = "committed_notified"
	OutcomeCommittedNotifyFailed = "committed_notify_failed"
	OutcomeFailed                = "failed"
)

// Результаты отката номера (label result).
const (
	RollbackReleased = "released"
	RollbackSkipped  = "skipped"
	RollbackError    = "error"
)

// NewIssuanceMetricsWithRegisterer регистрирует метрики выпуска; nil означает DefaultRegisterer.
func NewIssuanceMetricsWithRegisterer(registerer prometheus.Registerer) *IssuanceMetrics {
	return &IssuanceMetrics{
		started: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoicing_issuance_started_total",
			Help: "Total number of invoice issuance attempts",
		})),
		outcomes: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicing_issuance_outcomes_total",
			Help: "Invoice issuance attempts by terminal state",
		}, []string{"outcome"})),
		failures: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicing_issuance_failures_total",
			Help: "Invoice issuance failures by error kind",
		}, []string{"kind"})),
		duration: register(registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoicing_issuance_duration_seconds",
			Help:    "Duration of invoice issuance in seconds",
			Buckets: prometheus.DefBuckets,
		})),
		stepDuration: register(registerer, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "invoicing_issuance_step_duration_seconds",
			Help:    "Duration of individual issuance steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10, 30},
		}, []string{"step"})),
		rollbacks: register(registerer, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoicing_number_rollbacks_total",
			Help: "Invoice number rollbacks by result",
		}, []string{"result"})),
		outboxEvents: register(registerer, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoicing_outbox_events_total",
			Help: "Total number of invoice events enqueued to outbox",
		})),
		inFlight: register(registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "invoicing_issuance_in_flight",
			Help: "Number of invoice issuances in progress",
		})),
	}
}

// RecordStarted отмечает начало выпуска и увеличивает in-flight.
func (m *IssuanceMetrics) RecordStarted() {
	m.started.Inc()
	m.inFlight.Inc()
}

// RecordFinished уменьшает in-flight и пишет длительность выпуска.
func (m *IssuanceMetrics) RecordFinished(duration time.Duration) {
	m.inFlight.Dec()
	m.duration.Observe(duration.Seconds())
}

// RecordOutcome увеличивает счётчик терминального состояния.
func (m *IssuanceMetrics) RecordOutcome(outcome string) {
	m.outcomes.WithLabelValues(outcome).Inc()
}

// RecordFailure увеличивает счётчик ошибок выпуска по виду.
func (m *IssuanceMetrics) RecordFailure(kind string) {
	m.outcomes.WithLabelValues(OutcomeFailed).Inc()
	m.failures.WithLabelValues(kind).Inc()
}

// RecordStepDuration записывает время выполнения шага.
func (m *IssuanceMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordRollback увеличивает счётчик откатов номера.
func (m *IssuanceMetrics) RecordRollback(result string) {
	m.rollbacks.WithLabelValues(result).Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *IssuanceMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}

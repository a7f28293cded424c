package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
)

// Metrics implements gocredit.Metrics using Prometheus.
type Metrics struct {
	debitsTotal          *prometheus.CounterVec
	debitAmount          *prometheus.HistogramVec
	creditsTotal         *prometheus.CounterVec
	creditAmount         *prometheus.HistogramVec
	rateLimitChecksTotal *prometheus.CounterVec
	jobTransitionsTotal  *prometheus.CounterVec
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrors     *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_debits_total",
			Help:      "Total number of debit attempts.",
		}, []string{"kind", "success"}),

		debitAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_debit_amount",
			Help:      "Distribution of debit amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"kind"}),

		creditsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_credits_total",
			Help:      "Total number of credits (refunds and purchases).",
		}, []string{"reason"}),

		creditAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_credit_amount",
			Help:      "Distribution of credit amounts.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"reason"}),

		rateLimitChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_checks_total",
			Help:      "Total number of rate limit checks.",
		}, []string{"allowed"}),

		jobTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Total number of bulk job state transitions.",
		}, []string{"from", "to"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordDebit(_, kind string, amount int, success bool) {
	m.debitsTotal.WithLabelValues(kind, strconv.FormatBool(success)).Inc()
	if success {
		m.debitAmount.WithLabelValues(kind).Observe(float64(amount))
	}
}

func (m *Metrics) RecordCredit(_, reason string, amount int) {
	m.creditsTotal.WithLabelValues(reason).Inc()
	m.creditAmount.WithLabelValues(reason).Observe(float64(amount))
}

func (m *Metrics) RecordRateLimit(_ string, allowed bool) {
	m.rateLimitChecksTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordJobTransition(from, to gocredit.JobStatus) {
	m.jobTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

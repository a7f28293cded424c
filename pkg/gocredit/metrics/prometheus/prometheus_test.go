package prommetrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gocredit/pkg/gocredit"
	prommetrics "github.com/mihaimyh/gocredit/pkg/gocredit/metrics/prometheus"
)

// counterValue finds a counter by name and label values in gathered families.
func counterValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			match := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("counter %s with labels %v not found", name, labels)
	return 0
}

func TestMetrics_RecordDebit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(reg, "gocredit")

	metrics.RecordDebit("user_1", "image", 5, true)
	metrics.RecordDebit("user_1", "image", 5, true)
	metrics.RecordDebit("user_2", "image", 5, false)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, float64(2), counterValue(t, families, "gocredit_credit_debits_total",
		map[string]string{"kind": "image", "success": "true"}))
	assert.Equal(t, float64(1), counterValue(t, families, "gocredit_credit_debits_total",
		map[string]string{"kind": "image", "success": "false"}))

	// Amount histogram only observes successful debits
	for _, family := range families {
		if family.GetName() != "gocredit_credit_debit_amount" {
			continue
		}
		require.Len(t, family.GetMetric(), 1)
		assert.Equal(t, uint64(2), family.GetMetric()[0].GetHistogram().GetSampleCount())
	}
}

func TestMetrics_RecordCredit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(reg, "gocredit")

	metrics.RecordCredit("user_1", "refund", 3)
	metrics.RecordCredit("user_1", "purchase", 100)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, float64(1), counterValue(t, families, "gocredit_credit_credits_total",
		map[string]string{"reason": "refund"}))
	assert.Equal(t, float64(1), counterValue(t, families, "gocredit_credit_credits_total",
		map[string]string{"reason": "purchase"}))
}

func TestMetrics_RecordRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(reg, "gocredit")

	metrics.RecordRateLimit("client_1", true)
	metrics.RecordRateLimit("client_1", true)
	metrics.RecordRateLimit("client_1", false)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, float64(2), counterValue(t, families, "gocredit_rate_limit_checks_total",
		map[string]string{"allowed": "true"}))
	assert.Equal(t, float64(1), counterValue(t, families, "gocredit_rate_limit_checks_total",
		map[string]string{"allowed": "false"}))
}

func TestMetrics_RecordJobTransition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(reg, "gocredit")

	metrics.RecordJobTransition(gocredit.JobStatusPending, gocredit.JobStatusProcessing)
	metrics.RecordJobTransition(gocredit.JobStatusProcessing, gocredit.JobStatusCompleted)

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, float64(1), counterValue(t, families, "gocredit_job_transitions_total",
		map[string]string{"from": "pending", "to": "processing"}))
	assert.Equal(t, float64(1), counterValue(t, families, "gocredit_job_transitions_total",
		map[string]string{"from": "processing", "to": "completed"}))
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := prommetrics.NewMetrics(reg, "gocredit")

	metrics.RecordStorageOperation("debit", 5*time.Millisecond, nil)
	metrics.RecordStorageOperation("debit", 5*time.Millisecond, errors.New("boom"))

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, float64(1), counterValue(t, families, "gocredit_storage_operation_errors_total",
		map[string]string{"operation": "debit"}))

	for _, family := range families {
		if family.GetName() != "gocredit_storage_operation_duration_seconds" {
			continue
		}
		require.Len(t, family.GetMetric(), 1)
		assert.Equal(t, uint64(2), family.GetMetric()[0].GetHistogram().GetSampleCount())
	}
}

package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "membergate")

	m.RecordGrant("monthly", false)
	m.RecordGrant("monthly", true)
	m.RecordStatusChange("CANCELLED")
	m.RecordRenewal("monthly", true)
	m.RecordSweep(3, 1, 2*time.Second)

	require.Equal(t, 2.0, gatherValue(t, reg, "membergate_subscription_grants_total"))
	require.Equal(t, 1.0, gatherValue(t, reg, "membergate_subscription_status_changes_total"))
	require.Equal(t, 1.0, gatherValue(t, reg, "membergate_subscription_renewals_total"))
	require.Equal(t, 3.0, gatherValue(t, reg, "membergate_sweep_removals_total"))
	require.Equal(t, 1.0, gatherValue(t, reg, "membergate_sweep_failed_removals_total"))
}

func TestPaymentsMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPaymentsMetrics(reg, "membergate")

	m.RecordWebhookEvent("paypal", "PAYMENT.SALE.COMPLETED", "success")
	m.RecordWebhookEvent("paypal", "PAYMENT.SALE.COMPLETED", "duplicate")
	m.RecordWebhookError("paypal", "invalid_payload")
	m.RecordAPICall("paypal", "/v1/oauth2/token", "200")
	m.RecordWebhookProcessingDuration("paypal", "PAYMENT.SALE.COMPLETED", 5*time.Millisecond)
	m.RecordAPICallDuration("paypal", "/v1/oauth2/token", 5*time.Millisecond)

	require.Equal(t, 2.0, gatherValue(t, reg, "membergate_payment_webhook_events_total"))
	require.Equal(t, 1.0, gatherValue(t, reg, "membergate_payment_webhook_errors_total"))
	require.Equal(t, 1.0, gatherValue(t, reg, "membergate_payment_api_calls_total"))
}

func TestStoreOperationErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "membergate")

	m.RecordStoreOperation("apply_renewal", 10*time.Millisecond, nil)
	m.RecordStoreOperation("apply_renewal", 10*time.Millisecond, errors.New("boom"))

	require.Equal(t, 1.0, gatherValue(t, reg, "membergate_store_operation_errors_total"))
}

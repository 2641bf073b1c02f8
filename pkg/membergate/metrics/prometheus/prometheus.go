package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements membergate.Metrics using Prometheus.
type Metrics struct {
	grantsTotal        *prometheus.CounterVec
	statusChangesTotal *prometheus.CounterVec
	renewalsTotal      *prometheus.CounterVec
	sweepRemovedTotal  prometheus.Counter
	sweepFailedTotal   prometheus.Counter
	sweepDuration      prometheus.Histogram
	storeOpsDuration   *prometheus.HistogramVec
	storeOpsErrors     *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		grantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_grants_total",
			Help:      "Total number of subscription grants.",
		}, []string{"plan", "whitelist"}),

		statusChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_status_changes_total",
			Help:      "Total number of subscription status transitions.",
		}, []string{"status"}),

		renewalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_renewals_total",
			Help:      "Total number of renewal extension attempts.",
		}, []string{"plan", "success"}),

		sweepRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removals_total",
			Help:      "Total number of members removed by enforcement sweeps.",
		}),

		sweepFailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failed_removals_total",
			Help:      "Total number of removals that exhausted their retries.",
		}),

		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of enforcement sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),

		storeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Latency of entitlement store operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storeOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operation_errors_total",
			Help:      "Total number of entitlement store operation errors.",
		}, []string{"operation"}),
	}
}

// PaymentsMetrics implements the payment provider metrics interface
// using Prometheus.
type PaymentsMetrics struct {
	webhookEvents   *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
	webhookErrors   *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiCallDuration *prometheus.HistogramVec
}

// NewPaymentsMetrics creates a Prometheus payments metrics implementation.
func NewPaymentsMetrics(reg prometheus.Registerer, namespace string) *PaymentsMetrics {
	factory := promauto.With(reg)

	return &PaymentsMetrics{
		webhookEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_events_total",
			Help:      "Total number of processor webhook events by outcome.",
		}, []string{"provider", "event_type", "status"}),

		webhookDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_webhook_duration_seconds",
			Help:      "Processing latency of processor webhook events.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "event_type"}),

		webhookErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_errors_total",
			Help:      "Total number of processor webhook errors by type.",
		}, []string{"provider", "error_type"}),

		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_api_calls_total",
			Help:      "Total number of outbound processor API calls.",
		}, []string{"provider", "endpoint", "status"}),

		apiCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_api_call_duration_seconds",
			Help:      "Latency of outbound processor API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "endpoint"}),
	}
}

func (m *PaymentsMetrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEvents.WithLabelValues(provider, eventType, status).Inc()
}

func (m *PaymentsMetrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *PaymentsMetrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrors.WithLabelValues(provider, errorType).Inc()
}

func (m *PaymentsMetrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCalls.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *PaymentsMetrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordGrant(planID string, whitelist bool) {
	m.grantsTotal.WithLabelValues(planID, strconv.FormatBool(whitelist)).Inc()
}

func (m *Metrics) RecordStatusChange(status string) {
	m.statusChangesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRenewal(planID string, success bool) {
	m.renewalsTotal.WithLabelValues(planID, strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordSweep(removed, failed int, duration time.Duration) {
	m.sweepRemovedTotal.Add(float64(removed))
	m.sweepFailedTotal.Add(float64(failed))
	m.sweepDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration, err error) {
	m.storeOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storeOpsErrors.WithLabelValues(operation).Inc()
	}
}

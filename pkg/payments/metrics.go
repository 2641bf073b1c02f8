package payments

import "time"

// Metrics defines the interface for tracking payment provider operations.
// All methods are optional - providers gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the processor.
	// status: "success", "duplicate", or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long processing a webhook took.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: "invalid_payload", "processing_error", "rate_limited"
	RecordWebhookError(provider, errorType string)

	// RecordAPICall records an outbound API call to the processor.
	// status: HTTP status code as string (e.g., "200", "404")
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}

package membergate

import "time"

// Metrics defines the interface for tracking entitlement lifecycle operations.
type Metrics interface {
	// RecordGrant records a subscription grant (paid or whitelist).
	RecordGrant(planID string, whitelist bool)

	// RecordStatusChange records a subscription status transition.
	RecordStatusChange(status string)

	// RecordRenewal records a renewal extension attempt.
	RecordRenewal(planID string, success bool)

	// RecordSweep records one enforcement sweep with its removal count.
	RecordSweep(removed, failed int, duration time.Duration)

	// RecordStoreOperation records the duration and status of a store operation.
	RecordStoreOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordGrant(planID string, whitelist bool)                                {}
func (n *NoopMetrics) RecordStatusChange(status string)                                         {}
func (n *NoopMetrics) RecordRenewal(planID string, success bool)                                {}
func (n *NoopMetrics) RecordSweep(removed, failed int, duration time.Duration)                  {}
func (n *NoopMetrics) RecordStoreOperation(operation string, duration time.Duration, err error) {}

package payments

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("payment provider not configured")

	// ErrInvalidWebhookPayload is returned when a webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrSubscriptionNotFound is returned when the processor has no such subscription
	ErrSubscriptionNotFound = errors.New("subscription not found at payment provider")

	// ErrOrderNotApproved is returned when an order is not in an approvable state
	ErrOrderNotApproved = errors.New("order not approved")

	// ErrProviderAPIError is returned when the processor's API returns an error
	ErrProviderAPIError = errors.New("payment provider API error")

	// ErrAuthFailed is returned when OAuth token acquisition fails
	ErrAuthFailed = errors.New("payment provider authentication failed")
)

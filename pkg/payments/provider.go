package payments

import (
	"context"
	"net/http"
)

// Provider is the generic interface any payment processor must implement.
// This allows the gatekeeper to swap processors with zero logic changes.
type Provider interface {
	// Name returns the provider name (e.g., "paypal")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles validation, parsing, dedup, and Manager
	// updates internally.
	WebhookHandler() http.Handler

	// VerifySubscription fetches the current state of a subscription from the
	// processor. Used by the checkout return flow before granting access.
	VerifySubscription(ctx context.Context, subscriptionID string) (*SubscriptionDetails, error)

	// VerifyOrder captures and verifies a one-time order.
	VerifyOrder(ctx context.Context, orderID string) (*OrderDetails, error)
}

// SubscriptionDetails is the processor-side view of a subscription.
type SubscriptionDetails struct {
	ID          string
	PlanID      string
	Status      string
	PayerID     string
	PayerEmail  string
	NextBilling string
}

// OrderDetails is the processor-side view of a captured order.
type OrderDetails struct {
	ID       string
	Status   string
	Amount   float64
	Currency string
	PayerID  string
	CustomID string
}

package payments

import (
	"context"
	"time"
)

// EventKind classifies processor webhook events into the transitions the
// entitlement state machine understands.
type EventKind string

const (
	KindSubscriptionActivated EventKind = "subscription_activated"
	KindSubscriptionCancelled EventKind = "subscription_cancelled"
	KindSubscriptionSuspended EventKind = "subscription_suspended"
	KindPaymentFailed         EventKind = "payment_failed"
	KindSaleCompleted         EventKind = "sale_completed"
	KindOther                 EventKind = "other"
)

// Event is the normalized form of a processor webhook notification.
type Event struct {
	// ID is the processor-assigned event identifier
	ID string

	// Type is the raw processor event type string
	Type string

	// Kind is the normalized classification
	Kind EventKind

	// ExternalID is the processor subscription identifier the event refers to
	ExternalID string

	// ResourceID is the id of the resource the event carries (sale, order,
	// or subscription id depending on event type)
	ResourceID string

	// Amount is the payment amount for sale events, zero otherwise
	Amount float64

	// Currency is the ISO currency code for sale events
	Currency string

	// OccurredAt is the processor-reported event time
	OccurredAt time.Time

	// UserID and SubscriptionID identify the affected member once the
	// provider has resolved the event against the store; zero when the
	// event matched no known subscription.
	UserID         int64
	SubscriptionID int64
}

// PaymentID is the identifier used for webhook dedup. Sale events carry
// both a sale id and the subscription they bill; the sale id wins because
// each charge is distinct while the subscription id repeats every cycle.
func (e *Event) PaymentID() string {
	if e.ResourceID != "" {
		return e.ResourceID
	}
	return e.ExternalID
}

// Callback is invoked after an event has been fully processed. Optional;
// used by the application to trigger side effects such as member and
// admin notifications or an immediate enforcement pass.
type Callback func(ctx context.Context, event *Event)

package membergate

import "errors"

var (
	// ErrSubscriptionNotFound is returned when a subscription id or external
	// id resolves to nothing.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUserNotFound is returned when a user id is unknown.
	ErrUserNotFound = errors.New("user not found")

	// ErrUnknownPlan is returned for a plan id missing from the catalog.
	ErrUnknownPlan = errors.New("unknown plan")

	// ErrSubscriptionCancelled is returned when a renewal targets a
	// cancelled row; cancelled is terminal for the renewal pipeline.
	ErrSubscriptionCancelled = errors.New("subscription cancelled")

	// ErrDuplicateEvent is returned when the dedup ledger already holds the
	// (event id, event type) pair. Callers ack-drop, never retry.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInvalidDuration is returned for empty, zero or negative durations.
	ErrInvalidDuration = errors.New("invalid duration")

	// ErrInvalidSubscription is returned when end <= start or the user id
	// is missing.
	ErrInvalidSubscription = errors.New("invalid subscription")

	// ErrStoreUnavailable is returned when the store is unreachable.
	ErrStoreUnavailable = errors.New("store unavailable")
)

package membergate

import (
	"context"
	"time"
)

// Store defines the interface for entitlement persistence.
// All methods are transactional at single-subscription granularity; writes
// to one subscription row are serialized. Methods taking a now argument
// never read the wall clock themselves.
type Store interface {
	// UpsertUser inserts the user or refreshes its name parts.
	UpsertUser(ctx context.Context, u *User) error

	// GetUser retrieves a user, or ErrUserNotFound.
	GetUser(ctx context.Context, id int64) (*User, error)

	// CreateSubscription inserts a subscription and returns its id.
	// Prior ACTIVE rows for the same user are left intact; uniqueness is
	// policy at the call sites.
	CreateSubscription(ctx context.Context, sub *Subscription) (int64, error)

	// GetSubscription retrieves a subscription, or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, id int64) (*Subscription, error)

	// GetActiveSubscription returns the newest subscription with
	// status=ACTIVE and end > now, or ErrSubscriptionNotFound.
	GetActiveSubscription(ctx context.Context, userID int64, now time.Time) (*Subscription, error)

	// FindByExternalID resolves a processor subscription id, or
	// ErrSubscriptionNotFound.
	FindByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// UpdateSubscriptionStatus overwrites the status. Idempotent.
	UpdateSubscriptionStatus(ctx context.Context, subID int64, status SubscriptionStatus) error

	// ExtendSubscription sets end = newEnd and forces status = ACTIVE.
	// Idempotent only for a repeated identical newEnd.
	ExtendSubscription(ctx context.Context, subID int64, newEnd time.Time) error

	// HasValidEntitlement reports whether the user holds a live
	// entitlement at now: an ACTIVE unexpired subscription, a recurring
	// externally billed subscription inside the grace window, or a renewal
	// posted within the recent-renewal window.
	HasValidEntitlement(ctx context.Context, userID int64, now time.Time) (bool, error)

	// SweepExpired atomically moves overdue ACTIVE rows (outside the grace
	// window) to EXPIRED, then returns the expired/cancelled subscriptions
	// whose users hold no other valid entitlement. force surfaces rows that
	// would expire regardless of grace.
	SweepExpired(ctx context.Context, now time.Time, force bool) ([]ExpiredEntitlement, error)

	// ListExpiring returns recurring, externally billed ACTIVE
	// subscriptions whose end falls in [from, to).
	ListExpiring(ctx context.Context, from, to time.Time) ([]*Subscription, error)

	// ApplyStatusChange atomically records the event in the dedup ledger
	// and applies the status change. Returns false when the (event id,
	// event type) pair was already present; nothing is mutated then.
	ApplyStatusChange(ctx context.Context, req *StatusChangeRequest) (bool, error)

	// ApplyRenewal atomically records the event, extends the subscription
	// (forcing ACTIVE) and appends the renewal record. Returns false on a
	// duplicate event. Returns ErrSubscriptionCancelled without mutating
	// when the row is cancelled; the event is still recorded.
	ApplyRenewal(ctx context.Context, req *RenewalRequest) (bool, error)

	// MarkEventProcessed inserts a dedup marker if absent; reports whether
	// it was newly inserted.
	MarkEventProcessed(ctx context.Context, eventID, eventType string, subID *int64, now time.Time) (bool, error)

	// IsEventProcessed looks up the dedup ledger.
	IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error)

	// SaveInviteLink persists a minted invite link and returns its id.
	SaveInviteLink(ctx context.Context, link *InviteLink) (int64, error)

	// RecordRenewal appends to the renewal log.
	RecordRenewal(ctx context.Context, rec *RenewalRecord) error

	// RecordExpulsion appends to the expulsion audit log.
	RecordExpulsion(ctx context.Context, rec *ExpulsionRecord) error

	// RecordFailedExpulsion appends a removal that exhausted its retries.
	RecordFailedExpulsion(ctx context.Context, rec *FailedExpulsionRecord) error

	// ListFailedExpulsions returns failures recorded at or after since.
	ListFailedExpulsions(ctx context.Context, since time.Time) ([]*FailedExpulsionRecord, error)

	// RecordRenewalNotification records an advance-renewal notice; reports
	// false when one was already sent inside the suppression window.
	RecordRenewalNotification(ctx context.Context, subID int64, sentAt time.Time) (bool, error)

	// Stats summarizes the store for the admin endpoints.
	Stats(ctx context.Context) (*StoreStats, error)
}

// StatusChangeRequest couples a status transition with the webhook event
// that caused it, so the dedup marker and the mutation land together.
type StatusChangeRequest struct {
	SubscriptionID int64
	Status         SubscriptionStatus
	EventID        string
	EventType      string
	Now            time.Time
}

// RenewalRequest couples an extension with its webhook event and the
// renewal log entry documenting it.
type RenewalRequest struct {
	SubscriptionID int64
	NewEnd         time.Time
	EventID        string
	EventType      string
	Renewal        *RenewalRecord
	Now            time.Time
}

package membergate

import (
	"math"
	"time"
)

// SubscriptionStatus describes where a subscription sits in its lifecycle.
type SubscriptionStatus string

const (
	// StatusActive means the subscription currently grants group access.
	StatusActive SubscriptionStatus = "ACTIVE"
	// StatusExpired means the end date has passed and the sweep retired the row.
	StatusExpired SubscriptionStatus = "EXPIRED"
	// StatusCancelled is terminal: the renewal pipeline must never revive it.
	StatusCancelled SubscriptionStatus = "CANCELLED"
	// StatusSuspended means billing is paused; the member is not removed.
	StatusSuspended SubscriptionStatus = "SUSPENDED"
)

// User is a platform account seen by the gatekeeper. Users are created on
// first interaction or first admin reference and never deleted.
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Handle    string
	FirstSeen time.Time
}

// Subscription is the central entitlement entity.
//
// ExternalID is the payment processor's subscription id; an empty value
// marks an admin-granted whitelist subscription with no recurring billing.
type Subscription struct {
	ID         int64
	UserID     int64
	PlanID     string
	Price      float64
	Start      time.Time
	End        time.Time
	Status     SubscriptionStatus
	ExternalID string
	Recurring  bool
}

// Renewable reports whether a renewal event may extend this subscription.
func (s *Subscription) Renewable() bool {
	return s.Recurring && s.ExternalID != ""
}

// InviteLink is a single-use, TTL-bounded invite minted for a subscription.
// The platform enforces single use; Used is advisory.
type InviteLink struct {
	ID             int64
	SubscriptionID int64
	Link           string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Used           bool
}

// ProcessedEvent is one row of the webhook deduplication ledger.
// The (EventID, EventType) pair is the dedup key.
type ProcessedEvent struct {
	EventID        string
	EventType      string
	SubscriptionID *int64
	ProcessedAt    time.Time
}

// RenewalRecord is an append-only log entry written whenever the event
// processor extends a subscription.
type RenewalRecord struct {
	SubscriptionID int64
	UserID         int64
	PlanID         string
	Amount         float64
	PreviousEnd    time.Time
	NewEnd         time.Time
	PaymentID      string
	OccurredAt     time.Time
	Outcome        string
}

// ExpulsionRecord is the enforcer's audit trail for completed removals.
type ExpulsionRecord struct {
	UserID         int64
	SubscriptionID int64
	Reason         string
	OccurredAt     time.Time
}

// FailedExpulsionRecord captures a removal whose ban/unban calls exhausted
// their retries; the next sweep reconciles it.
type FailedExpulsionRecord struct {
	UserID     int64
	Reason     string
	LastError  string
	OccurredAt time.Time
}

// ExpiredEntitlement identifies a user surfaced by SweepExpired for removal.
type ExpiredEntitlement struct {
	UserID         int64
	SubscriptionID int64
	PlanID         string
}

// StoreStats is a point-in-time summary exposed by the admin endpoints.
type StoreStats struct {
	Users                int
	ActiveSubscriptions  int
	ExpiredSubscriptions int
	CancelledSubs        int
	SuspendedSubs        int
	InviteLinks          int
	ProcessedEvents      int
	Renewals             int
	Expulsions           int
	FailedExpulsions     int
	RenewalNotifications int
}

// PlanConfig describes one entry of the in-memory plan catalog.
type PlanConfig struct {
	ID           string
	DisplayName  string
	PriceUSD     float64
	DurationDays float64
	Recurring    bool
}

// Duration returns the plan length as whole hours, the unit the renewal
// pipeline extends subscriptions by.
func (p PlanConfig) Duration() time.Duration {
	hours := math.Round(p.DurationDays * 24)
	return time.Duration(hours) * time.Hour
}

// Config holds manager configuration.
type Config struct {
	// Plans maps plan ids to their catalog entries.
	Plans map[string]PlanConfig

	// Grace is the symmetric window around a recurring subscription's end
	// during which the user stays entitled (default: 24h).
	Grace time.Duration

	// RecentRenewalWindow keeps a user entitled after a renewal posted
	// within this window (default: 36h).
	RecentRenewalWindow time.Duration

	// InitialSaleWindow classifies a sale this close to the subscription
	// start as the initial sale that accompanies creation (default: 15m).
	InitialSaleWindow time.Duration

	// RecurringDefault is applied when a grant does not say otherwise.
	RecurringDefault bool

	// Clock supplies all time comparisons (default: SystemClock).
	Clock Clock

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics tracks lifecycle operations (default: NoopMetrics).
	Metrics Metrics
}

package membergate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Renewal outcomes written to the renewal log and reported to callers.
const (
	OutcomeExtended    = "extended"
	OutcomeInitialSale = "initial_sale"
	OutcomeNotFound    = "not_found"
	OutcomeDuplicate   = "duplicate"
	OutcomeCancelled   = "cancelled"
)

// Manager drives the subscription state machine on top of a Store.
type Manager struct {
	store  Store
	config Config
}

// NewManager creates a manager with the given store and configuration.
func NewManager(store Store, config Config) (*Manager, error) {
	if store == nil {
		return nil, ErrStoreUnavailable
	}

	// Set defaults
	if config.Grace == 0 {
		config.Grace = 24 * time.Hour
	}
	if config.RecentRenewalWindow == 0 {
		config.RecentRenewalWindow = 36 * time.Hour
	}
	if config.InitialSaleWindow == 0 {
		config.InitialSaleWindow = 15 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Manager{store: store, config: config}, nil
}

// Clock returns the clock every component sharing this manager should use.
func (m *Manager) Clock() Clock { return m.config.Clock }

// Store exposes the underlying store for read-mostly collaborators.
func (m *Manager) Store() Store { return m.store }

// PlanByID looks up a catalog entry.
func (m *Manager) PlanByID(id string) (PlanConfig, bool) {
	p, ok := m.config.Plans[id]
	return p, ok
}

// Plans returns the full catalog.
func (m *Manager) Plans() map[string]PlanConfig { return m.config.Plans }

// GrantRequest describes a new entitlement. An empty ExternalID marks an
// admin-granted whitelist subscription.
type GrantRequest struct {
	User       User
	PlanID     string
	ExternalID string

	// Recurring overrides the plan's recurring flag when non-nil.
	Recurring *bool

	// Start defaults to now; Duration and Price default to the plan's.
	Start    time.Time
	Duration time.Duration
	Price    float64
}

// Grant resolves the user (inserting a stub if missing) and creates an
// ACTIVE subscription. Prior ACTIVE rows are left intact; paid call sites
// guard against stacking, admin grants may stack deliberately.
func (m *Manager) Grant(ctx context.Context, req *GrantRequest) (*Subscription, error) {
	now := m.config.Clock.Now()

	plan, ok := m.config.Plans[req.PlanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, req.PlanID)
	}

	user := req.User
	if user.ID == 0 {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidSubscription)
	}
	if user.FirstSeen.IsZero() {
		user.FirstSeen = now
	}
	if err := m.store.UpsertUser(ctx, &user); err != nil {
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	start := NormalizeTime(req.Start)
	if req.Start.IsZero() {
		start = now
	}
	duration := req.Duration
	if duration == 0 {
		duration = plan.Duration()
	}
	price := req.Price
	if price == 0 {
		price = plan.PriceUSD
	}
	recurring := plan.Recurring || m.config.RecurringDefault
	if req.Recurring != nil {
		recurring = *req.Recurring
	}

	end := start.Add(duration)
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end %v not after start %v", ErrInvalidSubscription, end, start)
	}

	sub := &Subscription{
		UserID:     user.ID,
		PlanID:     plan.ID,
		Price:      price,
		Start:      start.UTC(),
		End:        end.UTC(),
		Status:     StatusActive,
		ExternalID: req.ExternalID,
		Recurring:  recurring,
	}

	id, err := m.store.CreateSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	sub.ID = id

	m.config.Metrics.RecordGrant(plan.ID, req.ExternalID == "")
	m.config.Logger.Info("subscription granted",
		Field{Key: "user_id", Value: user.ID},
		Field{Key: "subscription_id", Value: id},
		Field{Key: "plan", Value: plan.ID},
		Field{Key: "end", Value: sub.End},
		Field{Key: "whitelist", Value: req.ExternalID == ""},
	)

	return sub, nil
}

// SetStatus applies a status transition. When event ids are supplied the
// dedup marker is written in the same transaction; a false return means
// the event was a duplicate and nothing changed.
func (m *Manager) SetStatus(ctx context.Context, subID int64, status SubscriptionStatus, eventID, eventType string) (bool, error) {
	if eventID == "" {
		if err := m.store.UpdateSubscriptionStatus(ctx, subID, status); err != nil {
			return false, err
		}
		m.config.Metrics.RecordStatusChange(string(status))
		return true, nil
	}

	start := time.Now()
	applied, err := m.store.ApplyStatusChange(ctx, &StatusChangeRequest{
		SubscriptionID: subID,
		Status:         status,
		EventID:        eventID,
		EventType:      eventType,
		Now:            m.config.Clock.Now(),
	})
	m.config.Metrics.RecordStoreOperation("apply_status_change", time.Since(start), err)
	if err != nil {
		return false, err
	}
	if applied {
		m.config.Metrics.RecordStatusChange(string(status))
	}
	return applied, nil
}

// Cancel marks the subscription cancelled. Cancellation is terminal:
// later status or renewal events are recorded but never applied.
func (m *Manager) Cancel(ctx context.Context, subID int64, eventID, eventType string) (bool, error) {
	return m.SetStatus(ctx, subID, StatusCancelled, eventID, eventType)
}

// Suspend marks the subscription suspended, keeping it out of
// entitlement checks until a reactivation arrives.
func (m *Manager) Suspend(ctx context.Context, subID int64, eventID, eventType string) (bool, error) {
	return m.SetStatus(ctx, subID, StatusSuspended, eventID, eventType)
}

// Activate returns a suspended subscription to ACTIVE.
func (m *Manager) Activate(ctx context.Context, subID int64, eventID, eventType string) (bool, error) {
	return m.SetStatus(ctx, subID, StatusActive, eventID, eventType)
}

// RenewRequest identifies a SALE_COMPLETED event against a subscription.
type RenewRequest struct {
	ExternalID string
	EventID    string
	EventType  string
	PaymentID  string
	Amount     float64
}

// RenewalResult reports what a renewal event did.
type RenewalResult struct {
	Outcome      string
	Subscription *Subscription
	Record       *RenewalRecord
}

// Renew processes a completed-sale event. Sales arriving within the
// initial-sale window of the subscription start accompany creation and do
// not extend; sales against a cancelled row are recorded but never revive
// it. Otherwise end moves to max(end, now) + plan duration and the status
// is forced back to ACTIVE, rescuing an in-grace row.
func (m *Manager) Renew(ctx context.Context, req *RenewRequest) (*RenewalResult, error) {
	now := m.config.Clock.Now()

	sub, err := m.store.FindByExternalID(ctx, req.ExternalID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		if _, markErr := m.store.MarkEventProcessed(ctx, req.EventID, req.EventType, nil, now); markErr != nil {
			return nil, markErr
		}
		m.config.Logger.Warn("sale for unknown subscription",
			Field{Key: "external_id", Value: req.ExternalID},
			Field{Key: "event_id", Value: req.EventID},
		)
		return &RenewalResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	if now.Sub(sub.Start) < m.config.InitialSaleWindow {
		if _, err := m.store.MarkEventProcessed(ctx, req.EventID, req.EventType, &sub.ID, now); err != nil {
			return nil, err
		}
		m.config.Logger.Debug("initial sale, no extension",
			Field{Key: "subscription_id", Value: sub.ID},
		)
		return &RenewalResult{Outcome: OutcomeInitialSale, Subscription: sub}, nil
	}

	if sub.Status == StatusCancelled {
		if _, err := m.store.MarkEventProcessed(ctx, req.EventID, req.EventType, &sub.ID, now); err != nil {
			return nil, err
		}
		m.config.Metrics.RecordRenewal(sub.PlanID, false)
		m.config.Logger.Warn("sale against cancelled subscription ignored",
			Field{Key: "subscription_id", Value: sub.ID},
			Field{Key: "event_id", Value: req.EventID},
		)
		return &RenewalResult{Outcome: OutcomeCancelled, Subscription: sub}, nil
	}

	plan, ok := m.config.Plans[sub.PlanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlan, sub.PlanID)
	}

	base := sub.End
	if now.After(base) {
		base = now
	}
	newEnd := base.Add(plan.Duration())

	rec := &RenewalRecord{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PlanID:         sub.PlanID,
		Amount:         req.Amount,
		PreviousEnd:    sub.End,
		NewEnd:         newEnd,
		PaymentID:      req.PaymentID,
		OccurredAt:     now,
		Outcome:        OutcomeExtended,
	}

	start := time.Now()
	applied, err := m.store.ApplyRenewal(ctx, &RenewalRequest{
		SubscriptionID: sub.ID,
		NewEnd:         newEnd,
		EventID:        req.EventID,
		EventType:      req.EventType,
		Renewal:        rec,
		Now:            now,
	})
	m.config.Metrics.RecordStoreOperation("apply_renewal", time.Since(start), err)
	if errors.Is(err, ErrSubscriptionCancelled) {
		return &RenewalResult{Outcome: OutcomeCancelled, Subscription: sub}, nil
	}
	if err != nil {
		m.config.Metrics.RecordRenewal(sub.PlanID, false)
		return nil, err
	}
	if !applied {
		return &RenewalResult{Outcome: OutcomeDuplicate, Subscription: sub}, nil
	}

	sub.End = newEnd
	sub.Status = StatusActive

	m.config.Metrics.RecordRenewal(sub.PlanID, true)
	m.config.Logger.Info("subscription renewed",
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "user_id", Value: sub.UserID},
		Field{Key: "previous_end", Value: rec.PreviousEnd},
		Field{Key: "new_end", Value: newEnd},
	)

	return &RenewalResult{Outcome: OutcomeExtended, Subscription: sub, Record: rec}, nil
}

// HasValidEntitlement reports whether the user may be in the group now.
func (m *Manager) HasValidEntitlement(ctx context.Context, userID int64) (bool, error) {
	return m.store.HasValidEntitlement(ctx, userID, m.config.Clock.Now())
}

// GetActive returns the user's newest live subscription.
func (m *Manager) GetActive(ctx context.Context, userID int64) (*Subscription, error) {
	return m.store.GetActiveSubscription(ctx, userID, m.config.Clock.Now())
}

// SweepExpired retires overdue subscriptions and returns the users with no
// remaining entitlement, for the enforcer to remove.
func (m *Manager) SweepExpired(ctx context.Context, force bool) ([]ExpiredEntitlement, error) {
	start := time.Now()
	candidates, err := m.store.SweepExpired(ctx, m.config.Clock.Now(), force)
	m.config.Metrics.RecordStoreOperation("sweep_expired", time.Since(start), err)
	return candidates, err
}

// IsEventProcessed checks the dedup ledger for an (event id, kind) pair.
func (m *Manager) IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	return m.store.IsEventProcessed(ctx, eventID, eventType)
}

// MarkEventProcessed records an event the processor does not otherwise
// handle, so replays of it are ack-dropped too.
func (m *Manager) MarkEventProcessed(ctx context.Context, eventID, eventType string, subID *int64) (bool, error) {
	return m.store.MarkEventProcessed(ctx, eventID, eventType, subID, m.config.Clock.Now())
}

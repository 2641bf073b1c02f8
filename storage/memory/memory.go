// Package memory provides an in-memory implementation of the
// membergate.Store interface. This implementation is primarily intended
// for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
)

// Config holds the policy windows the store evaluates entitlements with.
type Config struct {
	// Grace is the symmetric window around a recurring subscription's end
	// (default: 24h).
	Grace time.Duration

	// RecentRenewalWindow keeps a user entitled after a posted renewal
	// (default: 36h).
	RecentRenewalWindow time.Duration

	// NotificationSuppression is the duplicate-notice window (default: 24h).
	NotificationSuppression time.Duration
}

// DefaultConfig returns a Config with the standard policy windows.
func DefaultConfig() Config {
	return Config{
		Grace:                   24 * time.Hour,
		RecentRenewalWindow:     36 * time.Hour,
		NotificationSuppression: 24 * time.Hour,
	}
}

// Store implements membergate.Store using mutex-guarded maps.
// The single mutex stands in for the per-row transactions a relational
// backend provides.
type Store struct {
	mu sync.Mutex

	config Config

	users         map[int64]*membergate.User
	subs          map[int64]*membergate.Subscription
	nextSubID     int64
	invites       map[int64]*membergate.InviteLink
	nextInviteID  int64
	processed     map[string]*membergate.ProcessedEvent
	renewals      []*membergate.RenewalRecord
	expulsions    []*membergate.ExpulsionRecord
	failed        []*membergate.FailedExpulsionRecord
	notifications map[int64]time.Time
}

// New creates a new in-memory store with default policy windows.
func New() *Store {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a new in-memory store.
func NewWithConfig(config Config) *Store {
	if config.Grace == 0 {
		config.Grace = 24 * time.Hour
	}
	if config.RecentRenewalWindow == 0 {
		config.RecentRenewalWindow = 36 * time.Hour
	}
	if config.NotificationSuppression == 0 {
		config.NotificationSuppression = 24 * time.Hour
	}
	return &Store{
		config:        config,
		users:         make(map[int64]*membergate.User),
		subs:          make(map[int64]*membergate.Subscription),
		invites:       make(map[int64]*membergate.InviteLink),
		processed:     make(map[string]*membergate.ProcessedEvent),
		notifications: make(map[int64]time.Time),
	}
}

func eventKey(eventID, eventType string) string {
	return eventID + "|" + eventType
}

// UpsertUser implements membergate.Store
func (s *Store) UpsertUser(ctx context.Context, u *membergate.User) error {
	if u == nil || u.ID == 0 {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[u.ID]; ok {
		existing.FirstName = u.FirstName
		existing.LastName = u.LastName
		existing.Handle = u.Handle
		return nil
	}

	userCopy := *u
	s.users[u.ID] = &userCopy
	return nil
}

// GetUser implements membergate.Store
func (s *Store) GetUser(ctx context.Context, id int64) (*membergate.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, membergate.ErrUserNotFound
	}

	// Return a copy to prevent external mutations
	userCopy := *u
	return &userCopy, nil
}

// CreateSubscription implements membergate.Store
func (s *Store) CreateSubscription(ctx context.Context, sub *membergate.Subscription) (int64, error) {
	if sub == nil || sub.UserID == 0 {
		return 0, membergate.ErrInvalidSubscription
	}
	if !sub.End.After(sub.Start) {
		return 0, membergate.ErrInvalidSubscription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	subCopy := *sub
	subCopy.ID = s.nextSubID
	s.subs[subCopy.ID] = &subCopy
	return subCopy.ID, nil
}

// GetSubscription implements membergate.Store
func (s *Store) GetSubscription(ctx context.Context, id int64) (*membergate.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, membergate.ErrSubscriptionNotFound
	}
	subCopy := *sub
	return &subCopy, nil
}

// GetActiveSubscription implements membergate.Store
func (s *Store) GetActiveSubscription(ctx context.Context, userID int64, now time.Time) (*membergate.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *membergate.Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID || sub.Status != membergate.StatusActive || !sub.End.After(now) {
			continue
		}
		if newest == nil || sub.ID > newest.ID {
			newest = sub
		}
	}
	if newest == nil {
		return nil, membergate.ErrSubscriptionNotFound
	}
	subCopy := *newest
	return &subCopy, nil
}

// FindByExternalID implements membergate.Store
func (s *Store) FindByExternalID(ctx context.Context, externalID string) (*membergate.Subscription, error) {
	if externalID == "" {
		return nil, membergate.ErrSubscriptionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var newest *membergate.Subscription
	for _, sub := range s.subs {
		if sub.ExternalID != externalID {
			continue
		}
		if newest == nil || sub.ID > newest.ID {
			newest = sub
		}
	}
	if newest == nil {
		return nil, membergate.ErrSubscriptionNotFound
	}
	subCopy := *newest
	return &subCopy, nil
}

// UpdateSubscriptionStatus implements membergate.Store
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, subID int64, status membergate.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subID]
	if !ok {
		return membergate.ErrSubscriptionNotFound
	}
	sub.Status = status
	return nil
}

// ExtendSubscription implements membergate.Store
func (s *Store) ExtendSubscription(ctx context.Context, subID int64, newEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[subID]
	if !ok {
		return membergate.ErrSubscriptionNotFound
	}
	sub.End = newEnd.UTC()
	sub.Status = membergate.StatusActive
	return nil
}

// HasValidEntitlement implements membergate.Store
func (s *Store) HasValidEntitlement(ctx context.Context, userID int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasValidEntitlementLocked(userID, now, false), nil
}

// ignoreGrace drops the grace-window clause; forced sweeps use it so an
// operator can clear in-grace members too.
func (s *Store) hasValidEntitlementLocked(userID int64, now time.Time, ignoreGrace bool) bool {
	for _, sub := range s.subs {
		if sub.UserID != userID {
			continue
		}
		if sub.Status == membergate.StatusActive && sub.End.After(now) {
			return true
		}
		if !ignoreGrace && sub.Renewable() && inGrace(sub.End, now, s.config.Grace) {
			return true
		}
	}
	cutoff := now.Add(-s.config.RecentRenewalWindow)
	for _, rec := range s.renewals {
		if rec.UserID == userID && !rec.OccurredAt.Before(cutoff) {
			return true
		}
	}
	return false
}

func inGrace(end, now time.Time, grace time.Duration) bool {
	diff := end.Sub(now)
	if diff < 0 {
		diff = -diff
	}
	return diff <= grace
}

// SweepExpired implements membergate.Store
func (s *Store) SweepExpired(ctx context.Context, now time.Time, force bool) ([]membergate.ExpiredEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Move overdue ACTIVE rows to EXPIRED, sparing recurring external
	// subscriptions still inside the trailing grace window.
	for _, sub := range s.subs {
		if sub.Status != membergate.StatusActive || sub.End.After(now) {
			continue
		}
		if !force && sub.Renewable() && !sub.End.Before(now.Add(-s.config.Grace)) {
			continue
		}
		sub.Status = membergate.StatusExpired
	}

	// Surface every terminal subscription whose user has no other valid
	// entitlement. One entry per user, newest subscription wins.
	newestPerUser := make(map[int64]*membergate.Subscription)
	for _, sub := range s.subs {
		terminal := sub.Status == membergate.StatusExpired || sub.Status == membergate.StatusCancelled
		if !terminal {
			continue
		}
		if prev, ok := newestPerUser[sub.UserID]; !ok || sub.ID > prev.ID {
			newestPerUser[sub.UserID] = sub
		}
	}

	var out []membergate.ExpiredEntitlement
	for userID, sub := range newestPerUser {
		if s.hasValidEntitlementLocked(userID, now, force) {
			continue
		}
		out = append(out, membergate.ExpiredEntitlement{
			UserID:         userID,
			SubscriptionID: sub.ID,
			PlanID:         sub.PlanID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// ListExpiring implements membergate.Store
func (s *Store) ListExpiring(ctx context.Context, from, to time.Time) ([]*membergate.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*membergate.Subscription
	for _, sub := range s.subs {
		if sub.Status != membergate.StatusActive || !sub.Renewable() {
			continue
		}
		if sub.End.Before(from) || !sub.End.Before(to) {
			continue
		}
		subCopy := *sub
		out = append(out, &subCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].End.Before(out[j].End) })
	return out, nil
}

// ApplyStatusChange implements membergate.Store
func (s *Store) ApplyStatusChange(ctx context.Context, req *membergate.StatusChangeRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(req.EventID, req.EventType)
	if _, ok := s.processed[key]; ok {
		return false, nil
	}

	sub, ok := s.subs[req.SubscriptionID]
	if !ok {
		return false, membergate.ErrSubscriptionNotFound
	}

	s.processed[key] = &membergate.ProcessedEvent{
		EventID:        req.EventID,
		EventType:      req.EventType,
		SubscriptionID: &sub.ID,
		ProcessedAt:    req.Now,
	}

	// Cancelled rows never transition out; the marker is kept so the
	// delivery is not retried.
	if sub.Status == membergate.StatusCancelled && req.Status != membergate.StatusCancelled {
		return false, nil
	}

	sub.Status = req.Status
	return true, nil
}

// ApplyRenewal implements membergate.Store
func (s *Store) ApplyRenewal(ctx context.Context, req *membergate.RenewalRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(req.EventID, req.EventType)
	if _, ok := s.processed[key]; ok {
		return false, nil
	}

	sub, ok := s.subs[req.SubscriptionID]
	if !ok {
		return false, membergate.ErrSubscriptionNotFound
	}

	if sub.Status == membergate.StatusCancelled {
		// Record the event so replays are dropped, but never revive.
		s.processed[key] = &membergate.ProcessedEvent{
			EventID:        req.EventID,
			EventType:      req.EventType,
			SubscriptionID: &sub.ID,
			ProcessedAt:    req.Now,
		}
		return false, membergate.ErrSubscriptionCancelled
	}

	sub.End = req.NewEnd.UTC()
	sub.Status = membergate.StatusActive

	if req.Renewal != nil {
		recCopy := *req.Renewal
		s.renewals = append(s.renewals, &recCopy)
	}
	s.processed[key] = &membergate.ProcessedEvent{
		EventID:        req.EventID,
		EventType:      req.EventType,
		SubscriptionID: &sub.ID,
		ProcessedAt:    req.Now,
	}
	return true, nil
}

// MarkEventProcessed implements membergate.Store
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string, subID *int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(eventID, eventType)
	if _, ok := s.processed[key]; ok {
		return false, nil
	}
	s.processed[key] = &membergate.ProcessedEvent{
		EventID:        eventID,
		EventType:      eventType,
		SubscriptionID: subID,
		ProcessedAt:    now,
	}
	return true, nil
}

// IsEventProcessed implements membergate.Store
func (s *Store) IsEventProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.processed[eventKey(eventID, eventType)]
	return ok, nil
}

// SaveInviteLink implements membergate.Store
func (s *Store) SaveInviteLink(ctx context.Context, link *membergate.InviteLink) (int64, error) {
	if link == nil || link.Link == "" {
		return 0, fmt.Errorf("invalid invite link")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextInviteID++
	linkCopy := *link
	linkCopy.ID = s.nextInviteID
	s.invites[linkCopy.ID] = &linkCopy
	return linkCopy.ID, nil
}

// RecordRenewal implements membergate.Store
func (s *Store) RecordRenewal(ctx context.Context, rec *membergate.RenewalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.renewals = append(s.renewals, &recCopy)
	return nil
}

// RecordExpulsion implements membergate.Store
func (s *Store) RecordExpulsion(ctx context.Context, rec *membergate.ExpulsionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.expulsions = append(s.expulsions, &recCopy)
	return nil
}

// RecordFailedExpulsion implements membergate.Store
func (s *Store) RecordFailedExpulsion(ctx context.Context, rec *membergate.FailedExpulsionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *rec
	s.failed = append(s.failed, &recCopy)
	return nil
}

// ListFailedExpulsions implements membergate.Store
func (s *Store) ListFailedExpulsions(ctx context.Context, since time.Time) ([]*membergate.FailedExpulsionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*membergate.FailedExpulsionRecord
	for _, rec := range s.failed {
		if rec.OccurredAt.Before(since) {
			continue
		}
		recCopy := *rec
		out = append(out, &recCopy)
	}
	return out, nil
}

// RecordRenewalNotification implements membergate.Store
func (s *Store) RecordRenewalNotification(ctx context.Context, subID int64, sentAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if last, ok := s.notifications[subID]; ok {
		if sentAt.Sub(last) < s.config.NotificationSuppression {
			return false, nil
		}
	}
	s.notifications[subID] = sentAt
	return true, nil
}

// Stats implements membergate.Store
func (s *Store) Stats(ctx context.Context) (*membergate.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &membergate.StoreStats{
		Users:                len(s.users),
		InviteLinks:          len(s.invites),
		ProcessedEvents:      len(s.processed),
		Renewals:             len(s.renewals),
		Expulsions:           len(s.expulsions),
		FailedExpulsions:     len(s.failed),
		RenewalNotifications: len(s.notifications),
	}
	for _, sub := range s.subs {
		switch sub.Status {
		case membergate.StatusActive:
			stats.ActiveSubscriptions++
		case membergate.StatusExpired:
			stats.ExpiredSubscriptions++
		case membergate.StatusCancelled:
			stats.CancelledSubs++
		case membergate.StatusSuspended:
			stats.SuspendedSubs++
		}
	}
	return stats, nil
}

// Clear removes all data (useful for testing)
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users = make(map[int64]*membergate.User)
	s.subs = make(map[int64]*membergate.Subscription)
	s.invites = make(map[int64]*membergate.InviteLink)
	s.processed = make(map[string]*membergate.ProcessedEvent)
	s.renewals = nil
	s.expulsions = nil
	s.failed = nil
	s.notifications = make(map[int64]time.Time)
	s.nextSubID = 0
	s.nextInviteID = 0
}

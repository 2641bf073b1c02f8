package membergate_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/storage/memory"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Helper to create a manager with in-memory storage and a fake clock
func newTestManager(t *testing.T) (*membergate.Manager, *membergate.FakeClock, *memory.Store) {
	t.Helper()

	clock := membergate.NewFakeClock(testStart)
	store := memory.New()
	config := membergate.Config{
		Plans: map[string]membergate.PlanConfig{
			"monthly": {
				ID:           "monthly",
				DisplayName:  "Monthly",
				PriceUSD:     9.99,
				DurationDays: 30,
				Recurring:    true,
			},
			"week": {
				ID:           "week",
				DisplayName:  "Week Pass",
				PriceUSD:     3.50,
				DurationDays: 7,
				Recurring:    false,
			},
		},
		Clock: clock,
	}

	manager, err := membergate.NewManager(store, config)
	require.NoError(t, err)
	return manager, clock, store
}

func grantMonthly(t *testing.T, m *membergate.Manager, userID int64, externalID string) *membergate.Subscription {
	t.Helper()
	sub, err := m.Grant(context.Background(), &membergate.GrantRequest{
		User:       membergate.User{ID: userID, FirstName: "Test"},
		PlanID:     "monthly",
		ExternalID: externalID,
	})
	require.NoError(t, err)
	return sub
}

func TestNewManager(t *testing.T) {
	manager, _, _ := newTestManager(t)
	if manager == nil {
		t.Fatal("Expected non-nil manager")
	}

	_, err := membergate.NewManager(nil, membergate.Config{})
	if err != membergate.ErrStoreUnavailable {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestGrantCreatesActiveSubscription(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	sub := grantMonthly(t, manager, 100, "I-AAA111")

	require.Equal(t, membergate.StatusActive, sub.Status)
	require.Equal(t, clock.Now().Add(30*24*time.Hour), sub.End)

	valid, err := manager.HasValidEntitlement(ctx, 100)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestGrantUnknownPlan(t *testing.T) {
	manager, _, _ := newTestManager(t)

	_, err := manager.Grant(context.Background(), &membergate.GrantRequest{
		User:   membergate.User{ID: 100},
		PlanID: "lifetime",
	})
	require.ErrorIs(t, err, membergate.ErrUnknownPlan)
}

func TestWhitelistGrantHasNoExternalID(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	sub, err := manager.Grant(ctx, &membergate.GrantRequest{
		User:   membergate.User{ID: 200},
		PlanID: "monthly",
	})
	require.NoError(t, err)
	require.Empty(t, sub.ExternalID)
	require.False(t, sub.Renewable())
}

func TestEntitlementExpiresAfterGrace(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	grantMonthly(t, manager, 100, "I-AAA111")

	// Just past end but inside the 24h grace window
	clock.Advance(30*24*time.Hour + 12*time.Hour)
	valid, err := manager.HasValidEntitlement(ctx, 100)
	require.NoError(t, err)
	require.True(t, valid, "recurring subscription should ride out the grace window")

	// Past the grace window
	clock.Advance(13 * time.Hour)
	valid, err = manager.HasValidEntitlement(ctx, 100)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestNonRecurringGetsNoGrace(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	_, err := manager.Grant(ctx, &membergate.GrantRequest{
		User:       membergate.User{ID: 100},
		PlanID:     "week",
		ExternalID: "5O190127TN364715T",
	})
	require.NoError(t, err)

	clock.Advance(7*24*time.Hour + time.Minute)
	valid, err := manager.HasValidEntitlement(ctx, 100)
	require.NoError(t, err)
	require.False(t, valid, "one-time purchases end exactly at end")
}

func TestRenewExtendsFromEnd(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	sub := grantMonthly(t, manager, 100, "I-AAA111")
	originalEnd := sub.End

	// Renewal arrives two days before the cycle ends
	clock.Advance(28 * 24 * time.Hour)
	result, err := manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-AAA111",
		EventID:    "SALE-001",
		EventType:  "PAYMENT.SALE.COMPLETED",
		PaymentID:  "SALE-001",
		Amount:     9.99,
	})
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeExtended, result.Outcome)
	require.Equal(t, originalEnd.Add(30*24*time.Hour), result.Subscription.End,
		"early renewal extends from the current end, not from now")
}

func TestRenewExtendsFromNowWhenOverdue(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	grantMonthly(t, manager, 100, "I-AAA111")

	// Renewal arrives 12h after end, inside grace
	clock.Advance(30*24*time.Hour + 12*time.Hour)
	result, err := manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-AAA111",
		EventID:    "SALE-002",
		EventType:  "PAYMENT.SALE.COMPLETED",
		PaymentID:  "SALE-002",
	})
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeExtended, result.Outcome)
	require.Equal(t, clock.Now().Add(30*24*time.Hour), result.Subscription.End,
		"late renewal extends from now")
	require.Equal(t, membergate.StatusActive, result.Subscription.Status)
}

func TestRenewDuplicateEventIsDropped(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	grantMonthly(t, manager, 100, "I-AAA111")
	clock.Advance(20 * 24 * time.Hour)

	req := &membergate.RenewRequest{
		ExternalID: "I-AAA111",
		EventID:    "SALE-003",
		EventType:  "PAYMENT.SALE.COMPLETED",
		PaymentID:  "SALE-003",
	}

	first, err := manager.Renew(ctx, req)
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeExtended, first.Outcome)
	endAfterFirst := first.Subscription.End

	second, err := manager.Renew(ctx, req)
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeDuplicate, second.Outcome)

	sub, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, endAfterFirst, sub.End, "replayed sale must not extend twice")
}

func TestRenewInitialSaleDoesNotExtend(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	sub := grantMonthly(t, manager, 100, "I-AAA111")
	originalEnd := sub.End

	// The sale that accompanies creation lands five minutes later
	clock.Advance(5 * time.Minute)
	result, err := manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-AAA111",
		EventID:    "SALE-INITIAL",
		EventType:  "PAYMENT.SALE.COMPLETED",
		PaymentID:  "SALE-INITIAL",
	})
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeInitialSale, result.Outcome)

	after, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, originalEnd, after.End)

	// The event was still recorded, so a replay stays a no-op
	processed, err := manager.IsEventProcessed(ctx, "SALE-INITIAL", "PAYMENT.SALE.COMPLETED")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestRenewNeverRevivesCancelled(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	sub := grantMonthly(t, manager, 100, "I-AAA111")

	clock.Advance(10 * 24 * time.Hour)
	applied, err := manager.SetStatus(ctx, sub.ID, membergate.StatusCancelled,
		"I-AAA111", "BILLING.SUBSCRIPTION.CANCELLED")
	require.NoError(t, err)
	require.True(t, applied)

	clock.Advance(24 * time.Hour)
	result, err := manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-AAA111",
		EventID:    "SALE-STRAGGLER",
		EventType:  "PAYMENT.SALE.COMPLETED",
		PaymentID:  "SALE-STRAGGLER",
	})
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeCancelled, result.Outcome)

	after, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusCancelled, after.Status)

	// The straggler sale is in the ledger regardless
	processed, err := manager.IsEventProcessed(ctx, "SALE-STRAGGLER", "PAYMENT.SALE.COMPLETED")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestRenewUnknownSubscription(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	result, err := manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-NOSUCH",
		EventID:    "SALE-GHOST",
		EventType:  "PAYMENT.SALE.COMPLETED",
	})
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeNotFound, result.Outcome)

	processed, err := manager.IsEventProcessed(ctx, "SALE-GHOST", "PAYMENT.SALE.COMPLETED")
	require.NoError(t, err)
	require.True(t, processed, "unknown-subscription sales are recorded for replay protection")
}

func TestSetStatusDuplicateEvent(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	sub := grantMonthly(t, manager, 100, "I-AAA111")

	applied, err := manager.SetStatus(ctx, sub.ID, membergate.StatusSuspended,
		"EVT-1", "BILLING.SUBSCRIPTION.SUSPENDED")
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = manager.SetStatus(ctx, sub.ID, membergate.StatusSuspended,
		"EVT-1", "BILLING.SUBSCRIPTION.SUSPENDED")
	require.NoError(t, err)
	require.False(t, applied, "replayed status change must be dropped")
}

func TestSuspendReactivateCancelLifecycle(t *testing.T) {
	manager, _, store := newTestManager(t)
	ctx := context.Background()

	sub := grantMonthly(t, manager, 100, "I-AAA111")

	applied, err := manager.Suspend(ctx, sub.ID, "EVT-S", "BILLING.SUBSCRIPTION.SUSPENDED")
	require.NoError(t, err)
	require.True(t, applied)

	got, err := store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, membergate.StatusSuspended, got.Status)

	applied, err = manager.Activate(ctx, sub.ID, "EVT-A", "BILLING.SUBSCRIPTION.ACTIVATED")
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = manager.Cancel(ctx, sub.ID, "EVT-C", "BILLING.SUBSCRIPTION.CANCELLED")
	require.NoError(t, err)
	require.True(t, applied)

	// Terminal: a later reactivation event is absorbed without effect.
	applied, err = manager.Activate(ctx, sub.ID, "EVT-A2", "BILLING.SUBSCRIPTION.ACTIVATED")
	require.NoError(t, err)
	require.False(t, applied)

	got, err = store.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, membergate.StatusCancelled, got.Status)
}

func TestRecentRenewalKeepsEntitlement(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	grantMonthly(t, manager, 100, "I-AAA111")

	// Renew at day 29, then move well past the extended end minus the
	// renewal window to confirm the renewal record alone entitles.
	clock.Advance(29 * 24 * time.Hour)
	_, err := manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-AAA111",
		EventID:    "SALE-R",
		EventType:  "PAYMENT.SALE.COMPLETED",
	})
	require.NoError(t, err)

	clock.Advance(12 * time.Hour)
	valid, err := manager.HasValidEntitlement(ctx, 100)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestSweepExpiredSparesGraceWindow(t *testing.T) {
	manager, clock, _ := newTestManager(t)
	ctx := context.Background()

	grantMonthly(t, manager, 100, "I-AAA111")

	clock.Advance(30*24*time.Hour + time.Hour)
	expired, err := manager.SweepExpired(ctx, false)
	require.NoError(t, err)
	require.Empty(t, expired, "in-grace member must not be surfaced")

	forced, err := manager.SweepExpired(ctx, true)
	require.NoError(t, err)
	require.Len(t, forced, 1)
	require.Equal(t, int64(100), forced[0].UserID)
}

// wrappingStore decorates store errors the way a driver-backed store
// does, so manager code must match sentinels with errors.Is.
type wrappingStore struct {
	*memory.Store
	cancelRace bool
}

func (s *wrappingStore) FindByExternalID(ctx context.Context, externalID string) (*membergate.Subscription, error) {
	sub, err := s.Store.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("find by external id: %w", err)
	}
	return sub, nil
}

func (s *wrappingStore) ApplyRenewal(ctx context.Context, req *membergate.RenewalRequest) (bool, error) {
	if s.cancelRace {
		// A cancellation committed between the manager's read and the
		// renewal transaction.
		return false, fmt.Errorf("apply renewal: %w", membergate.ErrSubscriptionCancelled)
	}
	return s.Store.ApplyRenewal(ctx, req)
}

func TestRenewMatchesWrappedStoreErrors(t *testing.T) {
	clock := membergate.NewFakeClock(testStart)
	store := &wrappingStore{Store: memory.New()}
	manager, err := membergate.NewManager(store, membergate.Config{
		Plans: map[string]membergate.PlanConfig{
			"monthly": {ID: "monthly", DisplayName: "Monthly", PriceUSD: 9.99, DurationDays: 30, Recurring: true},
		},
		Clock: clock,
	})
	require.NoError(t, err)
	ctx := context.Background()

	result, err := manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-NOSUCH", EventID: "WH-1", EventType: "PAYMENT.SALE.COMPLETED",
	})
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeNotFound, result.Outcome)

	grantMonthly(t, manager, 100, "I-AAA111")
	clock.Advance(29 * 24 * time.Hour)

	store.cancelRace = true
	result, err = manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: "I-AAA111", EventID: "WH-2", EventType: "PAYMENT.SALE.COMPLETED",
	})
	require.NoError(t, err)
	require.Equal(t, membergate.OutcomeCancelled, result.Outcome)
}

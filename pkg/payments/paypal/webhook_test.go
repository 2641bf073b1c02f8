package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/payments"
	"github.com/membergate/membergate/storage/memory"
)

var webhookStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newWebhookFixture(t *testing.T) (*Provider, *membergate.Manager, *membergate.FakeClock) {
	t.Helper()

	clock := membergate.NewFakeClock(webhookStart)
	manager, err := membergate.NewManager(memory.New(), membergate.Config{
		Plans: map[string]membergate.PlanConfig{
			"monthly": {ID: "monthly", DisplayName: "Monthly", PriceUSD: 9.99, DurationDays: 30, Recurring: true},
		},
		Clock: clock,
	})
	require.NoError(t, err)

	client, err := NewClient(ClientConfig{
		ClientID: "test-client",
		Secret:   "test-secret",
		BaseURL:  "http://paypal.invalid",
	})
	require.NoError(t, err)

	provider, err := NewProvider(payments.Config{Manager: manager}, client)
	require.NoError(t, err)
	return provider, manager, clock
}

func grantSub(t *testing.T, m *membergate.Manager, userID int64, externalID string) *membergate.Subscription {
	t.Helper()
	sub, err := m.Grant(context.Background(), &membergate.GrantRequest{
		User:       membergate.User{ID: userID},
		PlanID:     "monthly",
		ExternalID: externalID,
	})
	require.NoError(t, err)
	return sub
}

func postWebhook(t *testing.T, p *Provider, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/payments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rec, req)
	return rec
}

func saleEvent(eventID, saleID, agreementID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"event_type": "PAYMENT.SALE.COMPLETED",
		"create_time": "2025-07-01T12:00:00Z",
		"resource": {
			"id": %q,
			"billing_agreement_id": %q,
			"amount": {"total": "9.99", "currency": "USD"}
		}
	}`, eventID, saleID, agreementID)
}

func cancelEvent(eventID, subscriptionID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"event_type": "BILLING.SUBSCRIPTION.CANCELLED",
		"create_time": "2025-07-01T12:00:00Z",
		"resource": {"id": %q, "status": "CANCELLED"}
	}`, eventID, subscriptionID)
}

func TestWebhookSaleExtendsSubscription(t *testing.T) {
	provider, manager, clock := newWebhookFixture(t)
	ctx := context.Background()

	sub := grantSub(t, manager, 100, "I-AAA111")
	originalEnd := sub.End
	clock.Advance(29 * 24 * time.Hour)

	rec := postWebhook(t, provider, saleEvent("WH-1", "SALE-100", "I-AAA111"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"success"`)

	after, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, originalEnd.Add(30*24*time.Hour), after.End)
}

func TestWebhookSaleReplayIsAckDropped(t *testing.T) {
	provider, manager, clock := newWebhookFixture(t)
	ctx := context.Background()

	grantSub(t, manager, 100, "I-AAA111")
	clock.Advance(29 * 24 * time.Hour)

	body := saleEvent("WH-1", "SALE-100", "I-AAA111")
	first := postWebhook(t, provider, body)
	require.Equal(t, http.StatusOK, first.Code)

	endAfterFirst, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)

	second := postWebhook(t, provider, body)
	require.Equal(t, http.StatusOK, second.Code, "replay must still be acknowledged")

	after, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, endAfterFirst.End, after.End, "replay must not extend again")
}

func TestWebhookDuplicateCancellation(t *testing.T) {
	provider, manager, _ := newWebhookFixture(t)
	ctx := context.Background()

	grantSub(t, manager, 100, "I-AAA111")

	first := postWebhook(t, provider, cancelEvent("WH-C1", "I-AAA111"))
	require.Equal(t, http.StatusOK, first.Code)

	sub, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusCancelled, sub.Status)

	// The processor redelivers the same notification
	second := postWebhook(t, provider, cancelEvent("WH-C1", "I-AAA111"))
	require.Equal(t, http.StatusOK, second.Code)

	sub, err = manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusCancelled, sub.Status)
}

func TestWebhookSaleAfterCancellationDoesNotRevive(t *testing.T) {
	provider, manager, clock := newWebhookFixture(t)
	ctx := context.Background()

	grantSub(t, manager, 100, "I-AAA111")
	clock.Advance(10 * 24 * time.Hour)

	rec := postWebhook(t, provider, cancelEvent("WH-C1", "I-AAA111"))
	require.Equal(t, http.StatusOK, rec.Code)

	clock.Advance(24 * time.Hour)
	rec = postWebhook(t, provider, saleEvent("WH-S9", "SALE-LATE", "I-AAA111"))
	require.Equal(t, http.StatusOK, rec.Code, "straggler sale is acknowledged")

	sub, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusCancelled, sub.Status)
}

func failedEvent(eventID, subscriptionID string) string {
	return fmt.Sprintf(`{
		"id": %q,
		"event_type": "BILLING.SUBSCRIPTION.PAYMENT.FAILED",
		"create_time": "2025-07-01T12:00:00Z",
		"resource": {"id": %q}
	}`, eventID, subscriptionID)
}

func TestWebhookPaymentFailedKeepsAccess(t *testing.T) {
	provider, manager, _ := newWebhookFixture(t)
	ctx := context.Background()

	sub := grantSub(t, manager, 100, "I-AAA111")
	originalEnd := sub.End

	rec := postWebhook(t, provider, failedEvent("WH-F1", "I-AAA111"))
	require.Equal(t, http.StatusOK, rec.Code)

	after, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusActive, after.Status,
		"a failed charge is retried by the processor and must not change the subscription")
	require.Equal(t, originalEnd, after.End)

	processed, err := manager.IsEventProcessed(ctx, "I-AAA111", "BILLING.SUBSCRIPTION.PAYMENT.FAILED")
	require.NoError(t, err)
	require.True(t, processed)

	// A redelivery is dropped by the ledger and still acknowledged.
	rec = postWebhook(t, provider, failedEvent("WH-F1", "I-AAA111"))
	require.Equal(t, http.StatusOK, rec.Code)
	after, err = manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusActive, after.Status)
}

func TestWebhookCallbackCarriesMemberIdentity(t *testing.T) {
	clock := membergate.NewFakeClock(webhookStart)
	manager, err := membergate.NewManager(memory.New(), membergate.Config{
		Plans: map[string]membergate.PlanConfig{
			"monthly": {ID: "monthly", DisplayName: "Monthly", PriceUSD: 9.99, DurationDays: 30, Recurring: true},
		},
		Clock: clock,
	})
	require.NoError(t, err)

	client, err := NewClient(ClientConfig{
		ClientID: "test-client",
		Secret:   "test-secret",
		BaseURL:  "http://paypal.invalid",
	})
	require.NoError(t, err)

	var got []*payments.Event
	provider, err := NewProvider(payments.Config{
		Manager: manager,
		Callback: func(ctx context.Context, event *payments.Event) {
			got = append(got, event)
		},
	}, client)
	require.NoError(t, err)

	sub := grantSub(t, manager, 100, "I-AAA111")

	rec := postWebhook(t, provider, failedEvent("WH-F1", "I-AAA111"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postWebhook(t, provider, cancelEvent("WH-C1", "I-AAA111"))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, got, 2)
	require.Equal(t, payments.KindPaymentFailed, got[0].Kind)
	require.Equal(t, int64(100), got[0].UserID)
	require.Equal(t, sub.ID, got[0].SubscriptionID)
	require.Equal(t, payments.KindSubscriptionCancelled, got[1].Kind)
	require.Equal(t, int64(100), got[1].UserID)
	require.Equal(t, sub.ID, got[1].SubscriptionID)
}

func TestWebhookSuspensionAndReactivation(t *testing.T) {
	provider, manager, _ := newWebhookFixture(t)
	ctx := context.Background()

	grantSub(t, manager, 100, "I-AAA111")

	suspend := `{
		"id": "WH-S1",
		"event_type": "BILLING.SUBSCRIPTION.SUSPENDED",
		"create_time": "2025-06-05T00:00:00Z",
		"resource": {"id": "I-AAA111"}
	}`
	rec := postWebhook(t, provider, suspend)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusSuspended, sub.Status)

	reactivate := `{
		"id": "WH-A1",
		"event_type": "BILLING.SUBSCRIPTION.ACTIVATED",
		"create_time": "2025-06-06T00:00:00Z",
		"resource": {"id": "I-AAA111"}
	}`
	rec = postWebhook(t, provider, reactivate)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err = manager.Store().FindByExternalID(ctx, "I-AAA111")
	require.NoError(t, err)
	require.Equal(t, membergate.StatusActive, sub.Status)
}

func TestWebhookUnparseablePayload(t *testing.T) {
	provider, _, _ := newWebhookFixture(t)

	rec := postWebhook(t, provider, `{"resource": `)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postWebhook(t, provider, `{"resource": {}}`)
	require.Equal(t, http.StatusBadRequest, rec.Code, "missing event_type is invalid")
}

func TestWebhookUnknownSubscriptionAcked(t *testing.T) {
	provider, manager, _ := newWebhookFixture(t)
	ctx := context.Background()

	rec := postWebhook(t, provider, cancelEvent("WH-GHOST", "I-NOSUCH"))
	require.Equal(t, http.StatusOK, rec.Code)

	processed, err := manager.IsEventProcessed(ctx, "I-NOSUCH", "BILLING.SUBSCRIPTION.CANCELLED")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestWebhookUnhandledEventKindAcked(t *testing.T) {
	provider, manager, _ := newWebhookFixture(t)
	ctx := context.Background()

	body := `{
		"id": "WH-MISC",
		"event_type": "CUSTOMER.DISPUTE.CREATED",
		"create_time": "2025-06-02T00:00:00Z",
		"resource": {"id": "PP-D-1"}
	}`
	rec := postWebhook(t, provider, body)
	require.Equal(t, http.StatusOK, rec.Code)

	processed, err := manager.IsEventProcessed(ctx, "PP-D-1", "CUSTOMER.DISPUTE.CREATED")
	require.NoError(t, err)
	require.True(t, processed)
}

func TestClassify(t *testing.T) {
	tests := map[string]payments.EventKind{
		"PAYMENT.SALE.COMPLETED":              payments.KindSaleCompleted,
		"BILLING.SUBSCRIPTION.ACTIVATED":      payments.KindSubscriptionActivated,
		"BILLING.SUBSCRIPTION.CANCELLED":      payments.KindSubscriptionCancelled,
		"BILLING.SUBSCRIPTION.EXPIRED":        payments.KindSubscriptionCancelled,
		"BILLING.SUBSCRIPTION.SUSPENDED":      payments.KindSubscriptionSuspended,
		"BILLING.SUBSCRIPTION.PAYMENT.FAILED": payments.KindPaymentFailed,
		"payment.sale.completed":              payments.KindSaleCompleted,
		"SOMETHING.ELSE":                      payments.KindOther,
	}
	for in, want := range tests {
		if got := classify(in); got != want {
			t.Errorf("classify(%q) = %v, want %v", in, got, want)
		}
	}
}

package paypal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/payments"
	"github.com/membergate/membergate/pkg/payments/internal"
)

const (
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Provider implements the payments.Provider interface for PayPal.
type Provider struct {
	manager     *membergate.Manager
	client      *Client
	rateLimiter *internal.RateLimiter
	callback    payments.Callback
	logger      membergate.Logger
	metrics     payments.Metrics
}

// NewProvider creates a PayPal payment provider around an API client.
func NewProvider(config payments.Config, client *Client) (*Provider, error) {
	if config.Manager == nil || client == nil {
		return nil, payments.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &membergate.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &payments.NoopMetrics{}
	}

	return &Provider{
		manager:     config.Manager,
		client:      client,
		rateLimiter: internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		callback:    config.Callback,
		logger:      logger,
		metrics:     metrics,
	}, nil
}

// Name implements payments.Provider
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler implements payments.Provider
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// VerifySubscription implements payments.Provider
func (p *Provider) VerifySubscription(ctx context.Context, subscriptionID string) (*payments.SubscriptionDetails, error) {
	sub, err := p.client.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return &payments.SubscriptionDetails{
		ID:          sub.ID,
		PlanID:      sub.PlanID,
		Status:      sub.Status,
		PayerID:     sub.Subscriber.PayerID,
		PayerEmail:  sub.Subscriber.Email,
		NextBilling: sub.BillingInfo.NextBillingTime,
	}, nil
}

// VerifyOrder implements payments.Provider
func (p *Provider) VerifyOrder(ctx context.Context, orderID string) (*payments.OrderDetails, error) {
	order, err := p.client.CaptureOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != "COMPLETED" {
		return nil, payments.ErrOrderNotApproved
	}

	details := &payments.OrderDetails{
		ID:      order.ID,
		Status:  order.Status,
		PayerID: order.Payer.PayerID,
	}
	if len(order.PurchaseUnits) > 0 {
		unit := order.PurchaseUnits[0]
		details.CustomID = unit.CustomID
		details.Currency = unit.Amount.CurrencyCode
		if len(unit.Payments.Captures) > 0 {
			capture := unit.Payments.Captures[0]
			details.ID = capture.ID
			if amount, err := strconv.ParseFloat(capture.Amount.Value, 64); err == nil {
				details.Amount = amount
			}
		}
	}
	return details, nil
}

// processEvent routes a normalized event into the entitlement state machine.
func (p *Provider) processEvent(ctx context.Context, event *payments.Event) error {
	switch event.Kind {
	case payments.KindSaleCompleted:
		return p.processSale(ctx, event)
	case payments.KindSubscriptionActivated:
		return p.processStatus(ctx, event, membergate.StatusActive)
	case payments.KindSubscriptionCancelled:
		return p.processStatus(ctx, event, membergate.StatusCancelled)
	case payments.KindSubscriptionSuspended:
		return p.processStatus(ctx, event, membergate.StatusSuspended)
	case payments.KindPaymentFailed:
		return p.processPaymentFailed(ctx, event)
	default:
		// Unhandled kinds are recorded so replays stay cheap, then dropped.
		_, err := p.manager.MarkEventProcessed(ctx, event.PaymentID(), event.Type, nil)
		return err
	}
}

func (p *Provider) processSale(ctx context.Context, event *payments.Event) error {
	result, err := p.manager.Renew(ctx, &membergate.RenewRequest{
		ExternalID: event.ExternalID,
		EventID:    event.PaymentID(),
		EventType:  event.Type,
		PaymentID:  event.PaymentID(),
		Amount:     event.Amount,
	})
	if err != nil {
		return err
	}
	if result.Subscription != nil {
		event.UserID = result.Subscription.UserID
		event.SubscriptionID = result.Subscription.ID
	}

	p.logger.Info("sale processed",
		membergate.Field{Key: "external_id", Value: event.ExternalID},
		membergate.Field{Key: "outcome", Value: result.Outcome})
	return nil
}

// processPaymentFailed records a failed-charge notification without
// touching the subscription: the processor retries the charge on its own
// schedule, and the grace window covers the gap. The event still lands in
// the dedup ledger so replays are dropped.
func (p *Provider) processPaymentFailed(ctx context.Context, event *payments.Event) error {
	sub, err := p.manager.Store().FindByExternalID(ctx, event.ExternalID)
	if errors.Is(err, membergate.ErrSubscriptionNotFound) {
		_, err := p.manager.MarkEventProcessed(ctx, event.PaymentID(), event.Type, nil)
		return err
	}
	if err != nil {
		return err
	}
	event.UserID = sub.UserID
	event.SubscriptionID = sub.ID

	if _, err := p.manager.MarkEventProcessed(ctx, event.PaymentID(), event.Type, &sub.ID); err != nil {
		return err
	}

	p.logger.Warn("payment failed, awaiting processor retry",
		membergate.Field{Key: "external_id", Value: event.ExternalID},
		membergate.Field{Key: "subscription_id", Value: sub.ID})
	return nil
}

func (p *Provider) processStatus(ctx context.Context, event *payments.Event, status membergate.SubscriptionStatus) error {
	sub, err := p.manager.Store().FindByExternalID(ctx, event.ExternalID)
	if errors.Is(err, membergate.ErrSubscriptionNotFound) {
		// Lifecycle event for a subscription this system never granted
		// (activation races the checkout return flow). Record and drop.
		_, err := p.manager.MarkEventProcessed(ctx, event.PaymentID(), event.Type, nil)
		return err
	}
	if err != nil {
		return err
	}
	event.UserID = sub.UserID
	event.SubscriptionID = sub.ID

	applied, err := p.manager.SetStatus(ctx, sub.ID, status, event.PaymentID(), event.Type)
	if err != nil {
		return err
	}
	if !applied {
		p.logger.Debug("duplicate status change dropped",
			membergate.Field{Key: "external_id", Value: event.ExternalID},
			membergate.Field{Key: "event_type", Value: event.Type})
	}
	return nil
}

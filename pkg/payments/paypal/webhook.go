package paypal

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/payments"
	"github.com/membergate/membergate/pkg/payments/internal"
)

const maxWebhookBodySize = 64 * 1024

// webhookEnvelope is the PayPal webhook notification shape. Only the
// fields the gatekeeper consumes are declared.
type webhookEnvelope struct {
	ID         string `json:"id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Resource   struct {
		ID                 string `json:"id"`
		BillingAgreementID string `json:"billing_agreement_id"`
		State              string `json:"state"`
		Status             string `json:"status"`
		Amount             struct {
			Total    string `json:"total"`
			Currency string `json:"currency"`
		} `json:"amount"`
	} `json:"resource"`
}

func classify(eventType string) payments.EventKind {
	switch strings.ToUpper(strings.TrimSpace(eventType)) {
	case "PAYMENT.SALE.COMPLETED":
		return payments.KindSaleCompleted
	case "BILLING.SUBSCRIPTION.ACTIVATED", "BILLING.SUBSCRIPTION.CREATED":
		return payments.KindSubscriptionActivated
	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
		return payments.KindSubscriptionCancelled
	case "BILLING.SUBSCRIPTION.SUSPENDED":
		return payments.KindSubscriptionSuspended
	case "BILLING.SUBSCRIPTION.PAYMENT.FAILED":
		return payments.KindPaymentFailed
	default:
		return payments.KindOther
	}
}

func parseEvent(body []byte) (*payments.Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, payments.ErrInvalidWebhookPayload
	}
	if env.EventType == "" {
		return nil, payments.ErrInvalidWebhookPayload
	}

	event := &payments.Event{
		ID:         env.ID,
		Type:       env.EventType,
		Kind:       classify(env.EventType),
		ResourceID: env.Resource.ID,
		Currency:   env.Resource.Amount.Currency,
	}
	if occurred, err := membergate.ParseProcessorTime(env.CreateTime); err == nil {
		event.OccurredAt = occurred
	}

	// Sale events reference their subscription through billing_agreement_id;
	// subscription lifecycle events carry the subscription id as the resource.
	if env.Resource.BillingAgreementID != "" {
		event.ExternalID = env.Resource.BillingAgreementID
	} else {
		event.ExternalID = env.Resource.ID
	}

	if env.Resource.Amount.Total != "" {
		if amount, err := strconv.ParseFloat(env.Resource.Amount.Total, 64); err == nil {
			event.Amount = amount
		}
	}

	return event, nil
}

func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodySize)
	if err != nil {
		if strings.Contains(err.Error(), "too large") {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := parseEvent(body)
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	eventType := event.Type
	paymentID := event.PaymentID()
	if paymentID == "" {
		// Nothing to key idempotency on; acknowledge so PayPal stops retrying.
		p.ack(w)
		p.metrics.RecordWebhookEvent(providerName, eventType, "success")
		return
	}

	// Replays are acknowledged without reprocessing. The per-kind handlers
	// below re-check inside their storage transaction, so this is only a
	// fast path.
	processed, err := p.manager.IsEventProcessed(ctx, paymentID, eventType)
	if err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		return
	}
	if processed {
		p.logger.Info("webhook replay dropped",
			membergate.Field{Key: "event_type", Value: eventType},
			membergate.Field{Key: "payment_id", Value: paymentID})
		p.ack(w)
		p.metrics.RecordWebhookEvent(providerName, eventType, "duplicate")
		return
	}

	if err := p.processEvent(ctx, event); err != nil {
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	p.ack(w)
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	if p.callback != nil {
		p.callback(ctx, event)
	}
}

func (p *Provider) ack(w http.ResponseWriter) {
	_ = internal.WriteJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

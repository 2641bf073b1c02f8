package paypal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
)

// Product is a PayPal catalog product.
type Product struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Category    string `json:"category,omitempty"`
}

// BillingCycle is one cycle of a PayPal billing plan.
type BillingCycle struct {
	Frequency struct {
		IntervalUnit  string `json:"interval_unit"`
		IntervalCount int    `json:"interval_count"`
	} `json:"frequency"`
	TenureType    string `json:"tenure_type"`
	Sequence      int    `json:"sequence"`
	TotalCycles   int    `json:"total_cycles"`
	PricingScheme struct {
		FixedPrice Money `json:"fixed_price"`
	} `json:"pricing_scheme"`
}

// Money is a PayPal currency amount.
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// BillingPlan is a PayPal subscription billing plan.
type BillingPlan struct {
	ID                 string         `json:"id,omitempty"`
	ProductID          string         `json:"product_id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Status             string         `json:"status,omitempty"`
	BillingCycles      []BillingCycle `json:"billing_cycles"`
	PaymentPreferences struct {
		AutoBillOutstanding     bool   `json:"auto_bill_outstanding"`
		SetupFeeFailureAction   string `json:"setup_fee_failure_action,omitempty"`
		PaymentFailureThreshold int    `json:"payment_failure_threshold,omitempty"`
	} `json:"payment_preferences"`
}

// BillingInterval converts a plan duration into the PayPal frequency the
// billing plan API accepts. PayPal caps DAY intervals, so long durations
// are expressed in whole months or weeks, shorter ones in days.
func BillingInterval(d time.Duration) (unit string, count int) {
	days := int(d.Hours() / 24)
	switch {
	case days < 1:
		return "DAY", 1
	case days >= 30:
		return "MONTH", days / 30
	case days >= 7:
		return "WEEK", days / 7
	default:
		return "DAY", days
	}
}

// CreateProduct creates a catalog product for the group subscription.
func (c *Client) CreateProduct(ctx context.Context, name, description string) (*Product, error) {
	product := &Product{
		Name:        name,
		Description: description,
		Type:        "SERVICE",
		Category:    "ONLINE_SERVICES_NOT_ELSEWHERE_CLASSIFIED",
	}
	var created Product
	if err := c.do(ctx, http.MethodPost, "/v1/catalogs/products", product, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// CreatePlan creates an active billing plan for the given product from a
// local plan configuration.
func (c *Client) CreatePlan(ctx context.Context, productID string, plan membergate.PlanConfig) (*BillingPlan, error) {
	unit, count := BillingInterval(plan.Duration())

	var cycle BillingCycle
	cycle.Frequency.IntervalUnit = unit
	cycle.Frequency.IntervalCount = count
	cycle.TenureType = "REGULAR"
	cycle.Sequence = 1
	cycle.TotalCycles = 0
	cycle.PricingScheme.FixedPrice = Money{
		CurrencyCode: "USD",
		Value:        fmt.Sprintf("%.2f", plan.PriceUSD),
	}

	req := &BillingPlan{
		ProductID:     productID,
		Name:          plan.DisplayName,
		Description:   plan.DisplayName,
		Status:        "ACTIVE",
		BillingCycles: []BillingCycle{cycle},
	}
	req.PaymentPreferences.AutoBillOutstanding = true
	req.PaymentPreferences.PaymentFailureThreshold = 3

	var created BillingPlan
	if err := c.do(ctx, http.MethodPost, "/v1/billing/plans", req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

type planListResponse struct {
	Plans []BillingPlan `json:"plans"`
}

// ListPlans lists billing plans for a product.
func (c *Client) ListPlans(ctx context.Context, productID string) ([]BillingPlan, error) {
	var out planListResponse
	path := "/v1/billing/plans?page_size=20&product_id=" + productID
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Plans, nil
}

// GetSubscription fetches a billing subscription by id.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*subscriptionResponse, error) {
	var out subscriptionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+subscriptionID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type createSubscriptionRequest struct {
	PlanID             string          `json:"plan_id"`
	CustomID           string          `json:"custom_id,omitempty"`
	ApplicationContext checkoutContext `json:"application_context"`
}

// CreateSubscription starts a billing subscription awaiting buyer
// approval. It returns the subscription id and the approval URL the buyer
// must visit to confirm.
func (c *Client) CreateSubscription(ctx context.Context, processorPlanID, customID, returnURL, cancelURL string) (string, string, error) {
	req := &createSubscriptionRequest{
		PlanID:   processorPlanID,
		CustomID: customID,
		ApplicationContext: checkoutContext{
			ReturnURL:  returnURL,
			CancelURL:  cancelURL,
			UserAction: "SUBSCRIBE_NOW",
		},
	}
	var out struct {
		ID     string    `json:"id"`
		Status string    `json:"status"`
		Links  []apiLink `json:"links"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions", req, &out); err != nil {
		return "", "", err
	}
	return out.ID, approveURL(out.Links), nil
}

// CancelSubscription cancels a billing subscription at the processor.
// The resulting status change arrives back through the webhook.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	return c.do(ctx, http.MethodPost,
		"/v1/billing/subscriptions/"+subscriptionID+"/cancel",
		map[string]string{"reason": reason}, nil, http.StatusNoContent)
}

type subscriptionResponse struct {
	ID         string `json:"id"`
	PlanID     string `json:"plan_id"`
	Status     string `json:"status"`
	Subscriber struct {
		PayerID string `json:"payer_id"`
		Email   string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info"`
}

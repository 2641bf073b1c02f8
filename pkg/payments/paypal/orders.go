package paypal

import (
	"context"
	"net/http"
	"strconv"
)

type orderRequest struct {
	Intent             string           `json:"intent"`
	PurchaseUnits      []purchaseUnit   `json:"purchase_units"`
	ApplicationContext *checkoutContext `json:"application_context,omitempty"`
}

// checkoutContext carries the redirect URLs for buyer approval.
type checkoutContext struct {
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url"`
	UserAction string `json:"user_action,omitempty"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	Amount      Money  `json:"amount"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  struct {
		PayerID string `json:"payer_id"`
	} `json:"payer"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Amount   Money  `json:"amount"`
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Amount Money  `json:"amount"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []apiLink `json:"links"`
}

// CreateOrder creates a one-time CAPTURE order and returns its id plus
// the buyer-approval URL. customID carries the internal user id so the
// capture can be attributed on return.
func (c *Client) CreateOrder(ctx context.Context, amountUSD float64, customID, returnURL, cancelURL string) (string, string, error) {
	req := &orderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			CustomID: customID,
			Amount: Money{
				CurrencyCode: "USD",
				Value:        strconv.FormatFloat(amountUSD, 'f', 2, 64),
			},
		}},
	}
	if returnURL != "" || cancelURL != "" {
		req.ApplicationContext = &checkoutContext{
			ReturnURL:  returnURL,
			CancelURL:  cancelURL,
			UserAction: "PAY_NOW",
		}
	}
	var out orderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", req, &out); err != nil {
		return "", "", err
	}
	return out.ID, approveURL(out.Links), nil
}

// CaptureOrder captures an approved order and returns the final state.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*orderResponse, error) {
	var out orderResponse
	err := c.do(ctx, http.MethodPost, "/v2/checkout/orders/"+orderID+"/capture",
		struct{}{}, &out, http.StatusCreated, http.StatusOK)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrder fetches an order by id without capturing it.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*orderResponse, error) {
	var out orderResponse
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+orderID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

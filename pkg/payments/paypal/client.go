// Package paypal implements the payments.Provider interface for PayPal.
// It covers the subset of the REST API the gatekeeper needs: OAuth2
// client-credentials tokens, catalog products, billing plans, orders, and
// webhook event processing.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/membergate/membergate/pkg/membergate"
	"github.com/membergate/membergate/pkg/payments"
)

const (
	providerName       = "paypal"
	sandboxAPIBaseURL  = "https://api-m.sandbox.paypal.com"
	liveAPIBaseURL     = "https://api-m.paypal.com"
	defaultHTTPTimeout = 10 * time.Second

	// Refresh the token a minute before PayPal says it expires.
	tokenExpirySlack = time.Minute
)

// Client is a minimal PayPal REST API client.
type Client struct {
	clientID   string
	secret     string
	baseURL    string
	httpClient *http.Client
	logger     membergate.Logger
	metrics    payments.Metrics

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// ClientConfig configures a PayPal API client.
type ClientConfig struct {
	ClientID string
	Secret   string

	// Sandbox selects the sandbox API host. Defaults to live.
	Sandbox bool

	// BaseURL overrides the API host entirely (tests).
	BaseURL string

	HTTPClient *http.Client
	Logger     membergate.Logger
	Metrics    payments.Metrics
}

// NewClient creates a PayPal API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.ClientID == "" || config.Secret == "" {
		return nil, payments.ErrProviderNotConfigured
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		if config.Sandbox {
			baseURL = sandboxAPIBaseURL
		} else {
			baseURL = liveAPIBaseURL
		}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = &membergate.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &payments.NoopMetrics{}
	}

	return &Client{
		clientID:   config.ClientID,
		secret:     config.Secret,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// apiLink is a HATEOAS entry in PayPal responses.
type apiLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// approveURL picks the buyer-approval link out of a response.
func approveURL(links []apiLink) string {
	for _, l := range links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// token returns a cached access token, fetching a new one when the cached
// token is absent or close to expiry.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.clientID, c.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", payments.ErrAuthFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.RecordAPICall(providerName, "/v1/oauth2/token", strconv.Itoa(resp.StatusCode))
	c.metrics.RecordAPICallDuration(providerName, "/v1/oauth2/token", time.Since(start))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", payments.ErrAuthFailed, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: %v", payments.ErrAuthFailed, err)
	}
	if tok.AccessToken == "" {
		return "", payments.ErrAuthFailed
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpirySlack)
	return c.accessToken, nil
}

// do performs an authenticated API request and decodes the JSON response
// into out when out is non-nil. Accepted statuses default to 200 and 201.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, accept ...int) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", payments.ErrProviderAPIError, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.RecordAPICall(providerName, path, strconv.Itoa(resp.StatusCode))
	c.metrics.RecordAPICallDuration(providerName, path, time.Since(start))

	if len(accept) == 0 {
		accept = []int{http.StatusOK, http.StatusCreated}
	}
	ok := false
	for _, code := range accept {
		if resp.StatusCode == code {
			ok = true
			break
		}
	}
	if !ok {
		if resp.StatusCode == http.StatusNotFound {
			return payments.ErrSubscriptionNotFound
		}
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s returned %d: %s",
			payments.ErrProviderAPIError, method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

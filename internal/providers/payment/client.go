// Package payment is a thin REST client for the billing provider's API.
// Every request is form-encoded and authenticated with the account secret.
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/orinchat/billing/internal/config"
	"github.com/orinchat/billing/internal/webhook"
)

// CheckoutSessionParams describes a hosted checkout to create. The user id
// is threaded through session and subscription metadata so later webhook
// events can be correlated back to the local account.
type CheckoutSessionParams struct {
	UserID     string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the provider's hosted checkout handle.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PortalSessionParams describes a billing portal session to create.
type PortalSessionParams struct {
	CustomerID string
	ReturnURL  string
}

// PortalSession is the provider-hosted management URL.
type PortalSession struct {
	URL string `json:"url"`
}

// Client talks to the billing provider's REST API.
type Client interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*webhook.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*webhook.Subscription, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, params PortalSessionParams) (*PortalSession, error)
}

type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.Config) Client {
	return &client{
		baseURL: strings.TrimRight(cfg.ProviderAPIBase, "/"),
		apiKey:  cfg.ProviderAPIKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *client) GetSubscription(ctx context.Context, subscriptionID string) (*webhook.Subscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("payment: empty subscription id")
	}

	var sub webhook.Subscription
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*webhook.Subscription, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, fmt.Errorf("payment: empty subscription id")
	}

	form := url.Values{}
	form.Set("cancel_at_period_end", "true")

	var sub webhook.Subscription
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(subscriptionID), form, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *client) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", params.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", params.SuccessURL)
	form.Set("cancel_url", params.CancelURL)
	form.Set("client_reference_id", params.UserID)
	form.Set("metadata[user_id]", params.UserID)
	form.Set("subscription_data[metadata][user_id]", params.UserID)

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *client) CreatePortalSession(ctx context.Context, params PortalSessionParams) (*PortalSession, error) {
	form := url.Values{}
	form.Set("customer", params.CustomerID)
	form.Set("return_url", params.ReturnURL)

	var session PortalSession
	if err := c.do(ctx, http.MethodPost, "/v1/billing_portal/sessions", form, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp.StatusCode, payload)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment: provider returned %d: %s", e.StatusCode, e.Message)
}

func newAPIError(status int, payload []byte) *APIError {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := strings.TrimSpace(string(payload))
	if err := json.Unmarshal(payload, &body); err == nil && strings.TrimSpace(body.Error.Message) != "" {
		message = strings.TrimSpace(body.Error.Message)
	}
	return &APIError{StatusCode: status, Message: message}
}

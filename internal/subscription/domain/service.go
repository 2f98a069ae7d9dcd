package domain

import (
	"context"
	"errors"
)

// LoadSubscriptionRequest identifies the caller.
type LoadSubscriptionRequest struct {
	UserID string
}

// CheckAccessRequest asks whether a user may use a feature right now.
type CheckAccessRequest struct {
	UserID  string
	Feature string
	IsAdmin bool
}

// CancelSubscriptionRequest requests cancellation at period end.
type CancelSubscriptionRequest struct {
	UserID string
}

// CreateCheckoutSessionRequest starts a hosted checkout for a price.
type CreateCheckoutSessionRequest struct {
	UserID  string
	PriceID string
}

// CreateCheckoutSessionResponse carries the hosted checkout handle.
type CreateCheckoutSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// CreatePortalSessionRequest opens the provider-hosted management portal.
type CreatePortalSessionRequest struct {
	UserID string
}

// CreatePortalSessionResponse carries the portal redirect target.
type CreatePortalSessionResponse struct {
	URL string `json:"url"`
}

// Service is the client-facing subscription surface.
type Service interface {
	LoadSubscription(ctx context.Context, req LoadSubscriptionRequest) (*SubscriptionRecord, error)
	CheckAccess(ctx context.Context, req CheckAccessRequest) (bool, error)
	CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) error
	CreateCheckoutSession(ctx context.Context, req CreateCheckoutSessionRequest) (CreateCheckoutSessionResponse, error)
	CreatePortalSession(ctx context.Context, req CreatePortalSessionRequest) (CreatePortalSessionResponse, error)
}

// Reconciler applies one verified provider event to local state. Processing
// the identical event id twice must leave stored state unchanged.
type Reconciler interface {
	ProcessEvent(ctx context.Context, payload []byte, signatureHeader string) error
}

var (
	ErrInvalidUser           = errors.New("invalid_user")
	ErrInvalidPrice          = errors.New("invalid_price")
	ErrInvalidFeature        = errors.New("invalid_feature")
	ErrMissingCorrelation    = errors.New("missing_correlation")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrNoActiveSubscription  = errors.New("no_active_subscription")
	ErrProviderUnavailable   = errors.New("provider_unavailable")
)

package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/orinchat/billing/internal/clock"
	"github.com/orinchat/billing/internal/config"
	"github.com/orinchat/billing/internal/providers/payment"
	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Cfg      config.Config
	Features *config.FeatureConfigHolder
	Repo     subscriptiondomain.Repository
	Provider payment.Client
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	cfg      config.Config
	features *config.FeatureConfigHolder
	repo     subscriptiondomain.Repository
	provider payment.Client
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		clock:    p.Clock,
		cfg:      p.Cfg,
		features: p.Features,
		repo:     p.Repo,
		provider: p.Provider,
	}
}

// LoadSubscription returns the stored record, or a synthesized free-tier
// default when the user never subscribed.
func (s *Service) LoadSubscription(ctx context.Context, req subscriptiondomain.LoadSubscriptionRequest) (*subscriptiondomain.SubscriptionRecord, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidUser
	}

	record, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return subscriptiondomain.DefaultRecord(userID), nil
	}
	return record, nil
}

func (s *Service) CheckAccess(ctx context.Context, req subscriptiondomain.CheckAccessRequest) (bool, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return false, subscriptiondomain.ErrInvalidUser
	}
	feature := strings.TrimSpace(req.Feature)
	if feature == "" {
		return false, subscriptiondomain.ErrInvalidFeature
	}

	record, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return false, err
	}
	return subscriptiondomain.CheckAccess(record, feature, req.IsAdmin, s.clock.Now(), s.features.Get()), nil
}

// CancelSubscription requests cancellation at period end. Access continues
// until the paid-for period expires; cancel never means immediate loss.
func (s *Service) CancelSubscription(ctx context.Context, req subscriptiondomain.CancelSubscriptionRequest) error {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return subscriptiondomain.ErrInvalidUser
	}

	record, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return err
	}
	if record == nil || record.ProviderSubscriptionID == "" {
		return subscriptiondomain.ErrNoActiveSubscription
	}

	sub, err := s.provider.CancelAtPeriodEnd(ctx, record.ProviderSubscriptionID)
	if err != nil {
		return fmt.Errorf("cancel subscription %s: %w", record.ProviderSubscriptionID, err)
	}

	// Reflect the cancellation locally right away. The provider's
	// subscription.updated webhook converges on the same row.
	changes := subscriptiondomain.ProviderChanges{
		Tier:               tierForPrice(s.features.Get(), sub.PriceID()),
		Status:             deriveStatus(sub.Status, sub.CancelAtPeriodEnd),
		StartDate:          unixTime(sub.CurrentPeriodStart),
		EndDate:            unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		ProviderCustomerID: sub.Customer,
		ProviderPriceID:    sub.PriceID(),
	}
	if _, err := s.repo.ApplyProviderChanges(ctx, s.db, record.ProviderSubscriptionID, changes, s.clock.Now()); err != nil {
		return err
	}

	s.log.Info("subscription cancellation requested",
		zap.String("user_id", userID),
		zap.String("provider_subscription_id", record.ProviderSubscriptionID),
	)
	return nil
}

func (s *Service) CreateCheckoutSession(ctx context.Context, req subscriptiondomain.CreateCheckoutSessionRequest) (subscriptiondomain.CreateCheckoutSessionResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return subscriptiondomain.CreateCheckoutSessionResponse{}, subscriptiondomain.ErrInvalidUser
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return subscriptiondomain.CreateCheckoutSessionResponse{}, subscriptiondomain.ErrInvalidPrice
	}

	session, err := s.provider.CreateCheckoutSession(ctx, payment.CheckoutSessionParams{
		UserID:     userID,
		PriceID:    priceID,
		SuccessURL: s.cfg.CheckoutSuccessURL,
		CancelURL:  s.cfg.CheckoutCancelURL,
	})
	if err != nil {
		return subscriptiondomain.CreateCheckoutSessionResponse{}, fmt.Errorf("create checkout session: %w", err)
	}

	s.log.Info("checkout session created",
		zap.String("user_id", userID),
		zap.String("price_id", priceID),
		zap.String("session_id", session.ID),
	)
	return subscriptiondomain.CreateCheckoutSessionResponse{
		SessionID: session.ID,
		URL:       session.URL,
	}, nil
}

func (s *Service) CreatePortalSession(ctx context.Context, req subscriptiondomain.CreatePortalSessionRequest) (subscriptiondomain.CreatePortalSessionResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return subscriptiondomain.CreatePortalSessionResponse{}, subscriptiondomain.ErrInvalidUser
	}

	record, err := s.repo.FindByUserID(ctx, s.db, userID)
	if err != nil {
		return subscriptiondomain.CreatePortalSessionResponse{}, err
	}
	if record == nil || record.ProviderCustomerID == "" {
		return subscriptiondomain.CreatePortalSessionResponse{}, subscriptiondomain.ErrNoActiveSubscription
	}

	session, err := s.provider.CreatePortalSession(ctx, payment.PortalSessionParams{
		CustomerID: record.ProviderCustomerID,
		ReturnURL:  s.cfg.PortalReturnURL,
	})
	if err != nil {
		return subscriptiondomain.CreatePortalSessionResponse{}, fmt.Errorf("create portal session: %w", err)
	}
	return subscriptiondomain.CreatePortalSessionResponse{URL: session.URL}, nil
}

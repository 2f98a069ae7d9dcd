package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/orinchat/billing/internal/billingevent/domain"
	"github.com/orinchat/billing/internal/clock"
	"github.com/orinchat/billing/internal/config"
	"github.com/orinchat/billing/internal/providers/payment"
	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
	"github.com/orinchat/billing/internal/webhook"
	"github.com/orinchat/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ReconcilerParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Node      *snowflake.Node
	Clock     clock.Clock
	Cfg       config.Config
	Features  *config.FeatureConfigHolder
	Verifier  *webhook.Verifier
	Repo      subscriptiondomain.Repository
	EventRepo billingeventdomain.Repository
	Provider  payment.Client
}

// Reconciler converts verified provider events into canonical subscription
// records. Every write path is a single atomic statement so unordered or
// duplicated deliveries converge instead of racing.
type Reconciler struct {
	db        *gorm.DB
	log       *zap.Logger
	node      *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	features  *config.FeatureConfigHolder
	verifier  *webhook.Verifier
	repo      subscriptiondomain.Repository
	eventRepo billingeventdomain.Repository
	provider  payment.Client
}

func NewReconciler(p ReconcilerParams) subscriptiondomain.Reconciler {
	return &Reconciler{
		db:        p.DB,
		log:       p.Log.Named("subscription.reconciler"),
		node:      p.Node,
		clock:     p.Clock,
		cfg:       p.Cfg,
		features:  p.Features,
		verifier:  p.Verifier,
		repo:      p.Repo,
		eventRepo: p.EventRepo,
		provider:  p.Provider,
	}
}

// ProcessEvent verifies, deduplicates and applies one inbound provider
// event. Verification and parse failures are terminal; everything after a
// successful claim either completes or releases the claim so the provider's
// retry can try again.
func (r *Reconciler) ProcessEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := r.verifier.Verify(payload, signatureHeader); err != nil {
		return err
	}

	env, err := webhook.ParseEnvelope(payload)
	if err != nil {
		return err
	}

	handler := r.handlerFor(env.Type)
	if handler == nil {
		r.log.Debug("ignoring unhandled event type",
			zap.String("event_id", env.ID),
			zap.String("event_type", env.Type),
		)
		return webhook.ErrEventIgnored
	}

	claimed, err := r.eventRepo.Claim(ctx, r.db, &billingeventdomain.EventRecord{
		ID:              r.node.Generate(),
		ProviderEventID: env.ID,
		Type:            env.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      r.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("claim event %s: %w", env.ID, err)
	}
	if !claimed {
		r.log.Debug("event already processed",
			zap.String("event_id", env.ID),
			zap.String("event_type", env.Type),
		)
		return subscriptiondomain.ErrEventAlreadyProcessed
	}

	if err := handler(ctx, env); err != nil {
		if isAcknowledged(err) {
			_ = r.eventRepo.MarkProcessed(ctx, r.db, env.ID, r.clock.Now())
			return err
		}
		if releaseErr := r.eventRepo.Release(ctx, r.db, env.ID); releaseErr != nil {
			r.log.Error("failed to release event claim",
				zap.String("event_id", env.ID),
				zap.Error(releaseErr),
			)
		}
		return err
	}

	if err := r.eventRepo.MarkProcessed(ctx, r.db, env.ID, r.clock.Now()); err != nil {
		r.log.Warn("failed to mark event processed",
			zap.String("event_id", env.ID),
			zap.Error(err),
		)
	}
	return nil
}

// isAcknowledged reports whether the failure cannot be repaired by a
// provider retry, so the event claim should stand.
func isAcknowledged(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrMissingCorrelation)
}

type eventHandler func(ctx context.Context, env *webhook.Envelope) error

func (r *Reconciler) handlerFor(eventType string) eventHandler {
	switch eventType {
	case webhook.EventCheckoutCompleted:
		return r.handleCheckoutCompleted
	case webhook.EventSubscriptionCreated, webhook.EventSubscriptionUpdated:
		return r.handleSubscriptionUpserted
	case webhook.EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted
	case webhook.EventPaymentSucceeded:
		return r.handlePaymentSucceeded
	case webhook.EventPaymentFailed:
		return r.handlePaymentFailed
	default:
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, env *webhook.Envelope) error {
	session, err := webhook.DecodeCheckoutSession(env)
	if err != nil {
		return err
	}

	userID := session.UserID()
	if userID == "" {
		// Retrying cannot repair missing correlation data.
		r.log.Warn("checkout session without correlation user id",
			zap.String("event_id", env.ID),
			zap.String("session_id", session.ID),
		)
		return subscriptiondomain.ErrMissingCorrelation
	}

	if session.Subscription == "" {
		r.log.Info("checkout session references no subscription",
			zap.String("event_id", env.ID),
			zap.String("session_id", session.ID),
		)
		return nil
	}

	sub, err := r.provider.GetSubscription(ctx, session.Subscription)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", session.Subscription, err)
	}
	return r.upsertFromProviderObject(ctx, sub, userID)
}

func (r *Reconciler) handleSubscriptionUpserted(ctx context.Context, env *webhook.Envelope) error {
	sub, err := webhook.DecodeSubscription(env)
	if err != nil {
		return err
	}

	userID := sub.UserID()
	if userID == "" {
		// No correlation metadata on the provider object. An existing row
		// keyed by the provider subscription id can still be updated in
		// place; without one the event is unrecoverable.
		changes := r.providerChanges(sub)
		rows, err := r.repo.ApplyProviderChanges(ctx, r.db, sub.ID, changes, r.clock.Now())
		if err != nil {
			return fmt.Errorf("apply changes for %s: %w", sub.ID, err)
		}
		if rows == 0 {
			r.log.Warn("subscription event without correlation user id",
				zap.String("event_id", env.ID),
				zap.String("provider_subscription_id", sub.ID),
			)
			return subscriptiondomain.ErrMissingCorrelation
		}
		return nil
	}

	return r.upsertFromProviderObject(ctx, sub, userID)
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, env *webhook.Envelope) error {
	sub, err := webhook.DecodeSubscription(env)
	if err != nil {
		return err
	}

	rows, err := r.repo.MarkCanceled(ctx, r.db, sub.ID, r.clock.Now())
	if err != nil {
		return fmt.Errorf("mark canceled %s: %w", sub.ID, err)
	}
	if rows == 0 {
		// Deleting something already absent is not an error.
		r.log.Debug("delete event for unknown subscription",
			zap.String("event_id", env.ID),
			zap.String("provider_subscription_id", sub.ID),
		)
	}
	return nil
}

func (r *Reconciler) handlePaymentSucceeded(ctx context.Context, env *webhook.Envelope) error {
	invoice, err := webhook.DecodeInvoice(env)
	if err != nil {
		return err
	}
	if invoice.Subscription == "" {
		return nil
	}

	rows, err := r.repo.SetStatus(ctx, r.db, invoice.Subscription, subscriptiondomain.StatusActive, r.clock.Now())
	if err != nil {
		return fmt.Errorf("set status for %s: %w", invoice.Subscription, err)
	}
	if rows == 0 {
		r.log.Debug("payment succeeded for unknown subscription",
			zap.String("event_id", env.ID),
			zap.String("provider_subscription_id", invoice.Subscription),
		)
	}
	return nil
}

func (r *Reconciler) handlePaymentFailed(ctx context.Context, env *webhook.Envelope) error {
	invoice, err := webhook.DecodeInvoice(env)
	if err != nil {
		return err
	}
	if invoice.Subscription == "" {
		return nil
	}

	status := subscriptiondomain.StatusPastDue
	if invoice.AttemptCount >= r.failureThreshold() {
		status = subscriptiondomain.StatusCanceled
	}

	rows, err := r.repo.SetStatus(ctx, r.db, invoice.Subscription, status, r.clock.Now())
	if err != nil {
		return fmt.Errorf("set status for %s: %w", invoice.Subscription, err)
	}
	if rows == 0 {
		r.log.Warn("payment failed for unknown subscription",
			zap.String("event_id", env.ID),
			zap.String("provider_subscription_id", invoice.Subscription),
		)
		return nil
	}

	r.log.Info("payment failure recorded",
		zap.String("provider_subscription_id", invoice.Subscription),
		zap.Int("attempt_count", invoice.AttemptCount),
		zap.String("status", string(status)),
	)
	return nil
}

// upsertFromProviderObject writes the canonical record for one provider
// subscription in a single atomic statement. A duplicate user_id means the
// user moved to a new provider subscription, which is resolved with one
// atomic UPDATE on the user's existing row.
func (r *Reconciler) upsertFromProviderObject(ctx context.Context, sub *webhook.Subscription, userID string) error {
	now := r.clock.Now()
	changes := r.providerChanges(sub)

	record := &subscriptiondomain.SubscriptionRecord{
		ID:                     r.node.Generate(),
		UserID:                 userID,
		Tier:                   changes.Tier,
		Status:                 changes.Status,
		StartDate:              changes.StartDate,
		EndDate:                changes.EndDate,
		CancelAtPeriodEnd:      changes.CancelAtPeriodEnd,
		ProviderCustomerID:     changes.ProviderCustomerID,
		ProviderPriceID:        changes.ProviderPriceID,
		ProviderSubscriptionID: sub.ID,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err := r.repo.Upsert(ctx, r.db, record)
	if err == nil {
		return nil
	}
	if !db.IsDuplicateKeyErr(err) {
		return fmt.Errorf("upsert subscription %s: %w", sub.ID, err)
	}

	// The user already owns a row for a different provider subscription
	// (plan change through a fresh checkout). Replace it in place.
	rows, err := r.repo.UpdateByUserID(ctx, r.db, userID, record)
	if err != nil {
		return fmt.Errorf("replace subscription for user %s: %w", userID, err)
	}
	if rows == 0 {
		return fmt.Errorf("replace subscription for user %s: %w", userID, subscriptiondomain.ErrSubscriptionNotFound)
	}
	return nil
}

func (r *Reconciler) providerChanges(sub *webhook.Subscription) subscriptiondomain.ProviderChanges {
	return subscriptiondomain.ProviderChanges{
		Tier:               tierForPrice(r.features.Get(), sub.PriceID()),
		Status:             deriveStatus(sub.Status, sub.CancelAtPeriodEnd),
		StartDate:          unixTime(sub.CurrentPeriodStart),
		EndDate:            unixTime(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		ProviderCustomerID: sub.Customer,
		ProviderPriceID:    sub.PriceID(),
	}
}

func (r *Reconciler) failureThreshold() int {
	threshold := r.features.Get().PaymentFailureThreshold
	if threshold <= 0 {
		threshold = r.cfg.PaymentFailureThreshold
	}
	if threshold <= 0 {
		threshold = 3
	}
	return threshold
}

// deriveStatus maps the provider's subscription status onto local states.
// An active subscription pending cancellation stays usable until the period
// ends, so it maps to active_until_period_end rather than canceled.
func deriveStatus(providerStatus string, cancelAtPeriodEnd bool) subscriptiondomain.SubscriptionStatus {
	var status subscriptiondomain.SubscriptionStatus
	switch providerStatus {
	case "active", "trialing":
		status = subscriptiondomain.StatusActive
	case "past_due", "incomplete":
		status = subscriptiondomain.StatusPastDue
	case "canceled":
		status = subscriptiondomain.StatusCanceled
	case "unpaid", "incomplete_expired":
		status = subscriptiondomain.StatusExpired
	default:
		status = subscriptiondomain.StatusExpired
	}

	if cancelAtPeriodEnd && status == subscriptiondomain.StatusActive {
		status = subscriptiondomain.StatusActiveUntilPeriodEnd
	}
	return status
}

func tierForPrice(features config.FeatureConfig, priceID string) subscriptiondomain.SubscriptionTier {
	if features.TierForPrice(priceID) == string(subscriptiondomain.TierFree) {
		return subscriptiondomain.TierFree
	}
	return subscriptiondomain.TierPremium
}

func unixTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}

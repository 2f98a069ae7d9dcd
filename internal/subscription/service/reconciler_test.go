package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventrepo "github.com/orinchat/billing/internal/billingevent/repository"
	"github.com/orinchat/billing/internal/clock"
	"github.com/orinchat/billing/internal/config"
	"github.com/orinchat/billing/internal/providers/payment"
	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
	subscriptionrepo "github.com/orinchat/billing/internal/subscription/repository"
	subscriptionservice "github.com/orinchat/billing/internal/subscription/service"
	"github.com/orinchat/billing/internal/webhook"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testWebhookSecret = "whsec_test"

type fakeProvider struct {
	subs map[string]*webhook.Subscription

	getCalls int
}

func (f *fakeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*webhook.Subscription, error) {
	f.getCalls++
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, &payment.APIError{StatusCode: 404, Message: "no such subscription"}
	}
	return sub, nil
}

func (f *fakeProvider) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*webhook.Subscription, error) {
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, &payment.APIError{StatusCode: 404, Message: "no such subscription"}
	}
	out := *sub
	out.CancelAtPeriodEnd = true
	return &out, nil
}

func (f *fakeProvider) CreateCheckoutSession(ctx context.Context, params payment.CheckoutSessionParams) (*payment.CheckoutSession, error) {
	return &payment.CheckoutSession{ID: "cs_test", URL: "https://checkout.example.com/cs_test"}, nil
}

func (f *fakeProvider) CreatePortalSession(ctx context.Context, params payment.PortalSessionParams) (*payment.PortalSession, error) {
	return &payment.PortalSession{URL: "https://portal.example.com/session"}, nil
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE subscriptions (
			id BIGINT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			start_date TIMESTAMP,
			end_date TIMESTAMP,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			provider_customer_id TEXT,
			provider_price_id TEXT,
			provider_subscription_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_subscriptions_user_id ON subscriptions(user_id)`,
		`CREATE UNIQUE INDEX ux_subscriptions_provider_subscription_id ON subscriptions(provider_subscription_id)`,
		`CREATE TABLE billing_events (
			id BIGINT PRIMARY KEY,
			provider_event_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload JSONB NOT NULL,
			received_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX ux_billing_events_provider_event_id ON billing_events(provider_event_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type reconcilerFixture struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	provider *fakeProvider
	repo     subscriptiondomain.Repository

	reconciler subscriptiondomain.Reconciler
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	db := setupTestDB(t)
	fakeClock := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	verifier, err := webhook.NewVerifier([]string{testWebhookSecret}, 5*time.Minute, fakeClock)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	provider := &fakeProvider{subs: map[string]*webhook.Subscription{}}
	features := config.NewStaticFeatureConfigHolder(config.FeatureConfig{
		PremiumFeatures:         []string{"advanced_models"},
		PriceTiers:              map[string]string{"price_premium": "premium"},
		PaymentFailureThreshold: 3,
	})
	repo := subscriptionrepo.Provide()

	reconciler := subscriptionservice.NewReconciler(subscriptionservice.ReconcilerParams{
		DB:        db,
		Log:       zap.NewNop(),
		Node:      node,
		Clock:     fakeClock,
		Cfg:       config.Config{PaymentFailureThreshold: 3},
		Features:  features,
		Verifier:  verifier,
		Repo:      repo,
		EventRepo: billingeventrepo.Provide(),
		Provider:  provider,
	})

	return &reconcilerFixture{
		db:         db,
		clock:      fakeClock,
		provider:   provider,
		repo:       repo,
		reconciler: reconciler,
	}
}

func signPayload(secret string, payload []byte, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func (f *reconcilerFixture) deliver(t *testing.T, payload []byte) error {
	t.Helper()
	header := signPayload(testWebhookSecret, payload, f.clock.Now().Unix())
	return f.reconciler.ProcessEvent(context.Background(), payload, header)
}

func subscriptionEvent(eventID, eventType, subID, userID, status string, cancelAtPeriodEnd bool, periodEnd int64) []byte {
	metadata := "{}"
	if userID != "" {
		metadata = fmt.Sprintf(`{"user_id":"%s"}`, userID)
	}
	return []byte(fmt.Sprintf(
		`{"id":"%s","type":"%s","created":1748779200,"data":{"object":{"id":"%s","customer":"cus_1","status":"%s","cancel_at_period_end":%t,"current_period_start":1748779200,"current_period_end":%d,"items":{"data":[{"price":{"id":"price_premium"}}]},"metadata":%s}}}`,
		eventID, eventType, subID, status, cancelAtPeriodEnd, periodEnd, metadata,
	))
}

func invoiceEvent(eventID, eventType, subID string, attemptCount int) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"%s","type":"%s","created":1748779200,"data":{"object":{"id":"in_1","customer":"cus_1","subscription":"%s","attempt_count":%d,"paid":%t}}}`,
		eventID, eventType, subID, attemptCount, eventType == webhook.EventPaymentSucceeded,
	))
}

func TestProcessEventCreatesSubscription(t *testing.T) {
	f := newReconcilerFixture(t)

	payload := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	if err := f.deliver(t, payload); err != nil {
		t.Fatalf("process event: %v", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	if record == nil {
		t.Fatal("expected subscription record")
	}
	if record.Tier != subscriptiondomain.TierPremium {
		t.Errorf("tier = %s, want premium", record.Tier)
	}
	if record.Status != subscriptiondomain.StatusActive {
		t.Errorf("status = %s, want active", record.Status)
	}
	if record.ProviderSubscriptionID != "sub_1" {
		t.Errorf("provider subscription id = %s, want sub_1", record.ProviderSubscriptionID)
	}
	if record.EndDate == nil || record.EndDate.Unix() != 1751371200 {
		t.Errorf("end date = %v, want 1751371200", record.EndDate)
	}
}

func TestProcessEventDuplicateEventID(t *testing.T) {
	f := newReconcilerFixture(t)

	payload := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	if err := f.deliver(t, payload); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	before, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || before == nil {
		t.Fatalf("find record after first delivery: %v", err)
	}

	err = f.deliver(t, payload)
	if !errors.Is(err, subscriptiondomain.ErrEventAlreadyProcessed) {
		t.Fatalf("second delivery err = %v, want ErrEventAlreadyProcessed", err)
	}

	after, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || after == nil {
		t.Fatalf("find record after second delivery: %v", err)
	}
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status || after.ID != before.ID {
		t.Errorf("record changed by duplicate delivery:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestProcessEventRedeliveryConverges(t *testing.T) {
	f := newReconcilerFixture(t)

	// Same provider object delivered under two distinct event ids, as
	// happens when the provider retries after a lost acknowledgment.
	first := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	second := subscriptionEvent("evt_2", webhook.EventSubscriptionUpdated, "sub_1", "user_1", "active", false, 1751371200)

	if err := f.deliver(t, first); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := f.deliver(t, second); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Status != subscriptiondomain.StatusActive || record.ProviderSubscriptionID != "sub_1" {
		t.Errorf("unexpected record after redelivery: %+v", record)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM subscriptions`).Scan(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("subscription rows = %d, want 1", count)
	}
}

func TestProcessEventRejectsBadSignature(t *testing.T) {
	f := newReconcilerFixture(t)

	payload := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	header := signPayload("whsec_wrong", payload, f.clock.Now().Unix())

	err := f.reconciler.ProcessEvent(context.Background(), payload, header)
	if !errors.Is(err, webhook.ErrInvalidSignature) {
		t.Fatalf("err = %v, want ErrInvalidSignature", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	if record != nil {
		t.Errorf("rejected event must not write state, got %+v", record)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM billing_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Errorf("billing_events rows = %d, want 0", count)
	}
}

func TestProcessEventIgnoresUnknownType(t *testing.T) {
	f := newReconcilerFixture(t)

	payload := []byte(`{"id":"evt_1","type":"customer.created","created":1748779200,"data":{"object":{"id":"cus_1"}}}`)
	err := f.deliver(t, payload)
	if !errors.Is(err, webhook.ErrEventIgnored) {
		t.Fatalf("err = %v, want ErrEventIgnored", err)
	}

	// Ignored types never occupy dedupe rows.
	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM billing_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Errorf("billing_events rows = %d, want 0", count)
	}
}

func TestCheckoutCompletedFetchesSubscription(t *testing.T) {
	f := newReconcilerFixture(t)
	f.provider.subs["sub_9"] = &webhook.Subscription{
		ID:                 "sub_9",
		Customer:           "cus_9",
		Status:             "active",
		CurrentPeriodStart: 1748779200,
		CurrentPeriodEnd:   1751371200,
		Items: webhook.SubscriptionItems{
			Data: []webhook.SubscriptionItem{{Price: webhook.SubscriptionPrice{ID: "price_premium"}}},
		},
	}

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","created":1748779200,"data":{"object":{"id":"cs_1","customer":"cus_9","subscription":"sub_9","client_reference_id":"user_9","metadata":{}}}}`)
	if err := f.deliver(t, payload); err != nil {
		t.Fatalf("process event: %v", err)
	}

	if f.provider.getCalls != 1 {
		t.Errorf("provider fetches = %d, want 1", f.provider.getCalls)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_9")
	if err != nil || record == nil {
		t.Fatalf("find record: %v (record=%v)", err, record)
	}
	if record.ProviderCustomerID != "cus_9" || record.ProviderSubscriptionID != "sub_9" {
		t.Errorf("unexpected record: %+v", record)
	}
}

func TestCheckoutCompletedWithoutCorrelation(t *testing.T) {
	f := newReconcilerFixture(t)

	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","created":1748779200,"data":{"object":{"id":"cs_1","customer":"cus_1","subscription":"sub_1","metadata":{}}}}`)
	err := f.deliver(t, payload)
	if !errors.Is(err, subscriptiondomain.ErrMissingCorrelation) {
		t.Fatalf("err = %v, want ErrMissingCorrelation", err)
	}

	// The claim stands so the provider's retry is acknowledged, not retried.
	var processed int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM billing_events WHERE processed_at IS NOT NULL`).Scan(&processed).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if processed != 1 {
		t.Errorf("processed billing_events = %d, want 1", processed)
	}
}

func TestSubscriptionUpdatedWithoutMetadata(t *testing.T) {
	f := newReconcilerFixture(t)

	created := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	if err := f.deliver(t, created); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	// Provider-initiated update carries no metadata; the row is matched by
	// the provider subscription id instead.
	updated := subscriptionEvent("evt_2", webhook.EventSubscriptionUpdated, "sub_1", "", "past_due", false, 1751371200)
	if err := f.deliver(t, updated); err != nil {
		t.Fatalf("process update: %v", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Status != subscriptiondomain.StatusPastDue {
		t.Errorf("status = %s, want past_due", record.Status)
	}
}

func TestSubscriptionUpdatedUnknownAndUncorrelated(t *testing.T) {
	f := newReconcilerFixture(t)

	payload := subscriptionEvent("evt_1", webhook.EventSubscriptionUpdated, "sub_missing", "", "active", false, 1751371200)
	err := f.deliver(t, payload)
	if !errors.Is(err, subscriptiondomain.ErrMissingCorrelation) {
		t.Fatalf("err = %v, want ErrMissingCorrelation", err)
	}
}

func TestSubscriptionDeletedMarksCanceled(t *testing.T) {
	f := newReconcilerFixture(t)

	created := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	if err := f.deliver(t, created); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	deleted := subscriptionEvent("evt_2", webhook.EventSubscriptionDeleted, "sub_1", "user_1", "canceled", false, 1751371200)
	if err := f.deliver(t, deleted); err != nil {
		t.Fatalf("process delete: %v", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Status != subscriptiondomain.StatusCanceled {
		t.Errorf("status = %s, want canceled", record.Status)
	}
	if record.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end should clear on final deletion")
	}
}

func TestSubscriptionDeletedUnknownIsNoop(t *testing.T) {
	f := newReconcilerFixture(t)

	deleted := subscriptionEvent("evt_1", webhook.EventSubscriptionDeleted, "sub_missing", "user_1", "canceled", false, 1751371200)
	if err := f.deliver(t, deleted); err != nil {
		t.Fatalf("process delete: %v", err)
	}
}

func TestCancelAtPeriodEndKeepsAccessWindow(t *testing.T) {
	f := newReconcilerFixture(t)

	created := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	if err := f.deliver(t, created); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	updated := subscriptionEvent("evt_2", webhook.EventSubscriptionUpdated, "sub_1", "user_1", "active", true, 1751371200)
	if err := f.deliver(t, updated); err != nil {
		t.Fatalf("process update: %v", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Status != subscriptiondomain.StatusActiveUntilPeriodEnd {
		t.Errorf("status = %s, want active_until_period_end", record.Status)
	}
	if !record.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end should be set")
	}
}

func TestPaymentFailedEscalation(t *testing.T) {
	f := newReconcilerFixture(t)

	created := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "active", false, 1751371200)
	if err := f.deliver(t, created); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	if err := f.deliver(t, invoiceEvent("evt_2", webhook.EventPaymentFailed, "sub_1", 1)); err != nil {
		t.Fatalf("process first failure: %v", err)
	}
	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Status != subscriptiondomain.StatusPastDue {
		t.Errorf("status after first failure = %s, want past_due", record.Status)
	}

	if err := f.deliver(t, invoiceEvent("evt_3", webhook.EventPaymentFailed, "sub_1", 3)); err != nil {
		t.Fatalf("process third failure: %v", err)
	}
	record, err = f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Status != subscriptiondomain.StatusCanceled {
		t.Errorf("status after third failure = %s, want canceled", record.Status)
	}
}

func TestPaymentSucceededRestoresActive(t *testing.T) {
	f := newReconcilerFixture(t)

	created := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_1", "user_1", "past_due", false, 1751371200)
	if err := f.deliver(t, created); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	if err := f.deliver(t, invoiceEvent("evt_2", webhook.EventPaymentSucceeded, "sub_1", 1)); err != nil {
		t.Fatalf("process payment: %v", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.Status != subscriptiondomain.StatusActive {
		t.Errorf("status = %s, want active", record.Status)
	}
}

func TestPlanChangeReplacesUserRow(t *testing.T) {
	f := newReconcilerFixture(t)

	first := subscriptionEvent("evt_1", webhook.EventSubscriptionCreated, "sub_old", "user_1", "active", false, 1751371200)
	if err := f.deliver(t, first); err != nil {
		t.Fatalf("seed first subscription: %v", err)
	}

	// A fresh checkout gives the same user a brand new provider
	// subscription id. The insert trips the user uniqueness rule and the
	// existing row is replaced in place.
	second := subscriptionEvent("evt_2", webhook.EventSubscriptionCreated, "sub_new", "user_1", "active", false, 1753963200)
	if err := f.deliver(t, second); err != nil {
		t.Fatalf("process plan change: %v", err)
	}

	record, err := f.repo.FindByUserID(context.Background(), f.db, "user_1")
	if err != nil || record == nil {
		t.Fatalf("find record: %v", err)
	}
	if record.ProviderSubscriptionID != "sub_new" {
		t.Errorf("provider subscription id = %s, want sub_new", record.ProviderSubscriptionID)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM subscriptions WHERE user_id = ?`, "user_1").Scan(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("rows for user_1 = %d, want 1", count)
	}
}

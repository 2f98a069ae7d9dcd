package repository

import (
	"context"
	"time"

	subscriptiondomain "github.com/orinchat/billing/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

// Upsert inserts or rewrites the row for record.ProviderSubscriptionID in a
// single statement. Concurrent deliveries of the same provider object
// converge on the conflict target instead of racing.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, record *subscriptiondomain.SubscriptionRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, user_id, tier, status, start_date, end_date, cancel_at_period_end,
			provider_customer_id, provider_price_id, provider_subscription_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			tier = excluded.tier,
			status = excluded.status,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			cancel_at_period_end = excluded.cancel_at_period_end,
			provider_customer_id = excluded.provider_customer_id,
			provider_price_id = excluded.provider_price_id,
			updated_at = excluded.updated_at`,
		record.ID,
		record.UserID,
		record.Tier,
		record.Status,
		record.StartDate,
		record.EndDate,
		record.CancelAtPeriodEnd,
		record.ProviderCustomerID,
		record.ProviderPriceID,
		record.ProviderSubscriptionID,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

// UpdateByUserID replaces the provider-owned fields of the row owned by
// userID. Used when an insert trips the user_id unique constraint, meaning
// the user moved to a new provider subscription.
func (r *repo) UpdateByUserID(ctx context.Context, db *gorm.DB, userID string, record *subscriptiondomain.SubscriptionRecord) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			tier = ?,
			status = ?,
			start_date = ?,
			end_date = ?,
			cancel_at_period_end = ?,
			provider_customer_id = ?,
			provider_price_id = ?,
			provider_subscription_id = ?,
			updated_at = ?
		 WHERE user_id = ?`,
		record.Tier,
		record.Status,
		record.StartDate,
		record.EndDate,
		record.CancelAtPeriodEnd,
		record.ProviderCustomerID,
		record.ProviderPriceID,
		record.ProviderSubscriptionID,
		record.UpdatedAt,
		userID,
	)
	return result.RowsAffected, result.Error
}

// ApplyProviderChanges rewrites the provider fields of the row matching the
// provider subscription id. Zero rows means no local record exists yet.
func (r *repo) ApplyProviderChanges(ctx context.Context, db *gorm.DB, providerSubscriptionID string, changes subscriptiondomain.ProviderChanges, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			tier = ?,
			status = ?,
			start_date = ?,
			end_date = ?,
			cancel_at_period_end = ?,
			provider_customer_id = ?,
			provider_price_id = ?,
			updated_at = ?
		 WHERE provider_subscription_id = ?`,
		changes.Tier,
		changes.Status,
		changes.StartDate,
		changes.EndDate,
		changes.CancelAtPeriodEnd,
		changes.ProviderCustomerID,
		changes.ProviderPriceID,
		now,
		providerSubscriptionID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, providerSubscriptionID string, endDate time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?,
			end_date = ?,
			cancel_at_period_end = ?,
			updated_at = ?
		 WHERE provider_subscription_id = ?`,
		subscriptiondomain.StatusCanceled,
		endDate,
		false,
		endDate,
		providerSubscriptionID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) SetStatus(ctx context.Context, db *gorm.DB, providerSubscriptionID string, status subscriptiondomain.SubscriptionStatus, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE provider_subscription_id = ?`,
		status,
		now,
		providerSubscriptionID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*subscriptiondomain.SubscriptionRecord, error) {
	var record subscriptiondomain.SubscriptionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, tier, status, start_date, end_date, cancel_at_period_end,
		 provider_customer_id, provider_price_id, provider_subscription_id, created_at, updated_at
		 FROM subscriptions WHERE user_id = ?`,
		userID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*subscriptiondomain.SubscriptionRecord, error) {
	var record subscriptiondomain.SubscriptionRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, tier, status, start_date, end_date, cancel_at_period_end,
		 provider_customer_id, provider_price_id, provider_subscription_id, created_at, updated_at
		 FROM subscriptions WHERE provider_subscription_id = ?`,
		providerSubscriptionID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

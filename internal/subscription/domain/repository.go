package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// ProviderChanges carries the fields a provider event may rewrite on an
// existing record. Applied in a single UPDATE statement.
type ProviderChanges struct {
	Tier               SubscriptionTier
	Status             SubscriptionStatus
	StartDate          *time.Time
	EndDate            *time.Time
	CancelAtPeriodEnd  bool
	ProviderCustomerID string
	ProviderPriceID    string
}

// Repository persists subscription records. Every write is a single atomic
// statement; callers never read-modify-write across two calls.
type Repository interface {
	// Upsert inserts the record or, on provider_subscription_id conflict,
	// rewrites the provider-owned fields of the existing row.
	Upsert(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) error
	// UpdateByUserID atomically replaces the provider fields of the row
	// owned by userID. Returns rows affected.
	UpdateByUserID(ctx context.Context, db *gorm.DB, userID string, record *SubscriptionRecord) (int64, error)
	// ApplyProviderChanges updates the row matching the provider
	// subscription id. Returns rows affected.
	ApplyProviderChanges(ctx context.Context, db *gorm.DB, providerSubscriptionID string, changes ProviderChanges, now time.Time) (int64, error)
	// MarkCanceled soft-deletes the row matching the provider subscription
	// id. Returns rows affected; zero rows is not an error.
	MarkCanceled(ctx context.Context, db *gorm.DB, providerSubscriptionID string, endDate time.Time) (int64, error)
	// SetStatus rewrites only the status of the row matching the provider
	// subscription id. Returns rows affected.
	SetStatus(ctx context.Context, db *gorm.DB, providerSubscriptionID string, status SubscriptionStatus, now time.Time) (int64, error)
	FindByUserID(ctx context.Context, db *gorm.DB, userID string) (*SubscriptionRecord, error)
	FindByProviderSubscriptionID(ctx context.Context, db *gorm.DB, providerSubscriptionID string) (*SubscriptionRecord, error)
}

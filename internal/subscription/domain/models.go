// Package domain contains the canonical subscription record and the
// contracts for reconciling provider billing events against it.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionTier is the local plan tier a user is entitled to.
type SubscriptionTier string

const (
	TierFree    SubscriptionTier = "free"
	TierPremium SubscriptionTier = "premium"
)

// SubscriptionStatus represents lifecycle states for a subscription record.
type SubscriptionStatus string

const (
	StatusNone                 SubscriptionStatus = "none"
	StatusActive               SubscriptionStatus = "active"
	StatusActiveUntilPeriodEnd SubscriptionStatus = "active_until_period_end"
	StatusPastDue              SubscriptionStatus = "past_due"
	StatusCanceled             SubscriptionStatus = "canceled"
	StatusExpired              SubscriptionStatus = "expired"
)

// SubscriptionRecord is the canonical local view of one user's subscription.
// Exactly one row per user; at most one row per provider subscription id.
// Rows are soft-deleted (status canceled) and never removed.
type SubscriptionRecord struct {
	ID                     snowflake.ID       `gorm:"primaryKey"`
	UserID                 string             `gorm:"type:text;not null;uniqueIndex"`
	Tier                   SubscriptionTier   `gorm:"type:text;not null"`
	Status                 SubscriptionStatus `gorm:"type:text;not null"`
	StartDate              *time.Time         `gorm:""`
	EndDate                *time.Time         `gorm:""`
	CancelAtPeriodEnd      bool               `gorm:"not null;default:false"`
	ProviderCustomerID     string             `gorm:"type:text;index"`
	ProviderPriceID        string             `gorm:"type:text"`
	ProviderSubscriptionID string             `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt              time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionRecord) TableName() string { return "subscriptions" }

// DefaultRecord is the synthesized view for a user with no stored row.
func DefaultRecord(userID string) *SubscriptionRecord {
	return &SubscriptionRecord{
		UserID: userID,
		Tier:   TierFree,
		Status: StatusNone,
	}
}

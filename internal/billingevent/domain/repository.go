package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	// Claim records the event id. Returns false when the id was already
	// recorded, meaning another delivery of the same event won the race.
	Claim(ctx context.Context, db *gorm.DB, record *EventRecord) (bool, error)
	// MarkProcessed stamps the event after reconciliation succeeds.
	MarkProcessed(ctx context.Context, db *gorm.DB, providerEventID string, at time.Time) error
	// Release drops the claim so the provider's retry can reprocess an
	// event whose reconciliation failed transiently.
	Release(ctx context.Context, db *gorm.DB, providerEventID string) error
	FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*EventRecord, error)
}

package repository

import (
	"context"
	"time"

	billingeventdomain "github.com/orinchat/billing/internal/billingevent/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() billingeventdomain.Repository {
	return &repo{}
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, record *billingeventdomain.EventRecord) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (id, provider_event_id, type, payload, received_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider_event_id) DO NOTHING`,
		record.ID,
		record.ProviderEventID,
		record.Type,
		record.Payload,
		record.ReceivedAt,
		record.ProcessedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, providerEventID string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_events SET processed_at = ? WHERE provider_event_id = ?`,
		at,
		providerEventID,
	).Error
}

func (r *repo) Release(ctx context.Context, db *gorm.DB, providerEventID string) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM billing_events WHERE provider_event_id = ? AND processed_at IS NULL`,
		providerEventID,
	).Error
}

func (r *repo) FindByProviderEventID(ctx context.Context, db *gorm.DB, providerEventID string) (*billingeventdomain.EventRecord, error) {
	var record billingeventdomain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider_event_id, type, payload, received_at, processed_at
		 FROM billing_events WHERE provider_event_id = ?`,
		providerEventID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

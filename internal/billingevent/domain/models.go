// Package domain contains the durable record of received provider events,
// used to make webhook processing idempotent across redeliveries.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventRecord marks one provider event as seen. The unique provider event
// id is what collapses provider redeliveries into a single reconciliation.
// The verified payload is kept alongside the claim for auditing and replay.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	ProviderEventID string         `gorm:"type:text;not null;uniqueIndex"`
	Type            string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "billing_events" }

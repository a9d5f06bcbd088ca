package models

import (
	"time"

	"gorm.io/datatypes"
)

// BillingWebhookEvent is the event ledger: one row per distinct provider
// notification. IdempotencyKey is the only thing standing between a provider
// retry and a second side effect.
type BillingWebhookEvent struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	IdempotencyKey  string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_webhook_events_idempotency_key" json:"idempotency_key"`
	ProviderEventID *string        `gorm:"type:varchar(191);default:null;index" json:"provider_event_id,omitempty"`
	EventType       string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	ObjectID        string         `gorm:"type:varchar(191);not null;default:''" json:"object_id"`
	ObjectStatus    string         `gorm:"type:varchar(64);not null;default:''" json:"object_status"`
	TraceID         string         `gorm:"type:varchar(16);not null;index" json:"trace_id"`
	RawPayload      datatypes.JSON `gorm:"type:json;not null" json:"raw_payload"`
	ReceivedAt      time.Time      `gorm:"not null;index" json:"received_at"`
	EnqueuedAt      *time.Time     `gorm:"default:null" json:"enqueued_at,omitempty"`
	ProcessedAt     *time.Time     `gorm:"default:null;index" json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
}

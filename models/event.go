package models

import (
	"time"

	"gorm.io/gorm"
)

// LeadEventType identifies what happened to a lead.
type LeadEventType string

const (
	EventSMSSent       LeadEventType = "SMS_SENT"
	EventEmailSent     LeadEventType = "EMAIL_SENT"
	EventCallOutbound  LeadEventType = "CALL_OUTBOUND"
	EventSMSReceived   LeadEventType = "SMS_RECEIVED"
	EventEmailReceived LeadEventType = "EMAIL_RECEIVED"
	EventCallInbound   LeadEventType = "CALL_INBOUND"
	EventTimer7D       LeadEventType = "TIMER_7D"
	EventTimer14D      LeadEventType = "TIMER_14D"
	EventObjection     LeadEventType = "OBJECTION"
	EventBackOff       LeadEventType = "BACK_OFF"
	EventOptOut        LeadEventType = "OPT_OUT"
	EventSendFailed    LeadEventType = "SEND_FAILED"
	EventStateChanged  LeadEventType = "STATE_CHANGED"
)

// LeadEvent is an immutable append-only audit row. State transitions record
// previous and new canonical state so the funnel history can be replayed.
type LeadEvent struct {
	ID     uint `gorm:"primarykey" json:"id"`
	TeamID uint `gorm:"not null;index" json:"team_id"`
	LeadID uint `gorm:"not null;index:idx_lead_events_lead_created" json:"lead_id"`

	EventType LeadEventType `gorm:"type:varchar(32);not null;index" json:"event_type"`
	Source    string        `gorm:"not null" json:"source"` // sweep, webhook, objection_engine, api

	DedupeKey *string `gorm:"uniqueIndex" json:"dedupe_key,omitempty"`

	PreviousState LeadState `gorm:"type:varchar(32)" json:"previous_state,omitempty"`
	NewState      LeadState `gorm:"type:varchar(32)" json:"new_state,omitempty"`

	Payload string `gorm:"type:text" json:"payload,omitempty"`

	// Append only, no UpdatedAt.
	CreatedAt time.Time `gorm:"not null;index:idx_lead_events_lead_created" json:"created_at"`
}

// WebhookReceipt provides inbound idempotency: duplicate provider
// deliveries of the same message are acknowledged and skipped.
type WebhookReceipt struct {
	gorm.Model
	TeamID uint `gorm:"not null;uniqueIndex:idx_receipt_idem" json:"team_id"`

	IdempotencyKey string `gorm:"not null;uniqueIndex:idx_receipt_idem" json:"idempotency_key"`
	WebhookType    string `gorm:"not null;index" json:"webhook_type"` // inbound, status
	EventType      string `json:"event_type"`

	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	ProcessingResult string     `json:"processing_result,omitempty"` // success, failed, skipped
	ErrorMessage     string     `gorm:"type:text" json:"error_message,omitempty"`
}

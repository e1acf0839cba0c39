package models

import (
	"time"

	"gorm.io/gorm"
)

// Channel is the outbound delivery channel of a sequence step.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
)

// CampaignStatus values: draft, active, paused, ended.
type CampaignStatus string

const (
	CampaignDraft  CampaignStatus = "draft"
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
	CampaignEnded  CampaignStatus = "ended"
)

// Campaign owns an ordered list of sequence steps plus score eligibility
// bounds for enrollment.
type Campaign struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      CampaignStatus `gorm:"type:varchar(16);default:'draft'" json:"status"`

	// Eligibility: a lead's score must fall inside [MinScore, MaxScore].
	MinScore int `gorm:"default:0" json:"min_score"`
	MaxScore int `gorm:"default:100" json:"max_score"`

	// Denormalized counters
	EnrolledCount int `gorm:"default:0" json:"enrolled_count"`
	SentCount     int `gorm:"default:0" json:"sent_count"`

	Steps []SequenceStep `gorm:"foreignKey:CampaignID" json:"steps,omitempty"`
}

// StepAt returns the step at the given 1-based position, or nil past the end.
func (c *Campaign) StepAt(position int) *SequenceStep {
	for i := range c.Steps {
		if c.Steps[i].Position == position {
			return &c.Steps[i]
		}
	}
	return nil
}

// SequenceStep is one timed touch in a campaign. Position values are unique
// and contiguous starting at 1 within a campaign. Delays are relative to the
// previous step's completion and compose additively, not as calendar days.
type SequenceStep struct {
	gorm.Model
	CampaignID uint `gorm:"not null;uniqueIndex:idx_campaign_position" json:"campaign_id"`

	Position   int     `gorm:"not null;uniqueIndex:idx_campaign_position" json:"position"`
	Channel    Channel `gorm:"type:varchar(8);not null" json:"channel"`
	DelayDays  int     `gorm:"not null;default:0" json:"delay_days"`
	DelayHours int     `gorm:"not null;default:0" json:"delay_hours"`
	TemplateID string  `gorm:"not null" json:"template_id"`

	// Tracking
	SentCount int `gorm:"default:0" json:"sent_count"`
}

// Delay is the additive wait before this step fires.
func (s *SequenceStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// ExecutionStatus values for the campaign execution log.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionSent      ExecutionStatus = "sent"
	ExecutionDelivered ExecutionStatus = "delivered"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSkipped   ExecutionStatus = "skipped"
)

// CampaignExecution is the append-only log of attempted sends, one row per
// (lead, step) attempt. A pending row is the in-flight guard: a second sweep
// seeing it will not dispatch the step again.
type CampaignExecution struct {
	gorm.Model
	TeamID     uint `gorm:"not null;index" json:"team_id"`
	CampaignID uint `gorm:"not null;index" json:"campaign_id"`
	LeadID     uint `gorm:"not null;index" json:"lead_id"`
	StepID     uint `gorm:"not null;index" json:"step_id"`

	Channel    Channel         `gorm:"type:varchar(8)" json:"channel"`
	TemplateID string          `json:"template_id"`
	Status     ExecutionStatus `gorm:"type:varchar(16);default:'pending';index" json:"status"`

	ProviderMessageID string     `gorm:"index" json:"provider_message_id,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
}

// OutboundMessage records every message handed to a provider, keyed by a
// unique send key for at-most-once delivery per (lead, template, window).
type OutboundMessage struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`
	LeadID uint `gorm:"not null;index" json:"lead_id"`

	SendKey    string  `gorm:"not null;uniqueIndex" json:"send_key"`
	Channel    Channel `gorm:"type:varchar(8);not null;default:'sms'" json:"channel"`
	TemplateID string  `json:"template_id"`
	Body       string  `gorm:"type:text" json:"body"`

	ProviderMessageID string `gorm:"index" json:"provider_message_id,omitempty"`
	Status            string `gorm:"default:'pending'" json:"status"`
	FailureReason     string `json:"failure_reason,omitempty"`

	SentAt *time.Time `json:"sent_at,omitempty"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// LeadState is the canonical lifecycle state of a lead. Ordered roughly by
// funnel depth; suppressed is reachable from any non-terminal state.
type LeadState string

const (
	StateNew               LeadState = "new"
	StateTouched           LeadState = "touched"
	StateRetargeting       LeadState = "retargeting"
	StateResponded         LeadState = "responded"
	StateSoftInterest      LeadState = "soft_interest"
	StateContentNurture    LeadState = "content_nurture"
	StateHighIntent        LeadState = "high_intent"
	StateAppointmentBooked LeadState = "appointment_booked"
	StateInCallQueue       LeadState = "in_call_queue"
	StateClosed            LeadState = "closed"
	StateSuppressed        LeadState = "suppressed"
)

// ValidStateTransitions lists the forward transitions per state. Suppressed
// is handled separately in CanTransitionTo so every non-terminal state can
// reach it without listing it eleven times.
var ValidStateTransitions = map[LeadState][]LeadState{
	StateNew:               {StateTouched},
	StateTouched:           {StateRetargeting, StateResponded},
	StateRetargeting:       {StateResponded},
	StateResponded:         {StateSoftInterest, StateContentNurture, StateHighIntent, StateInCallQueue},
	StateSoftInterest:      {StateContentNurture, StateHighIntent, StateInCallQueue},
	StateContentNurture:    {StateHighIntent, StateInCallQueue},
	StateHighIntent:        {StateAppointmentBooked, StateInCallQueue, StateClosed},
	StateAppointmentBooked: {StateInCallQueue, StateClosed},
	StateInCallQueue:       {StateClosed},
	StateClosed:            {},
	StateSuppressed:        {},
}

// Terminal reports whether no transition may ever leave this state.
func (s LeadState) Terminal() bool {
	return s == StateClosed || s == StateSuppressed
}

// CanTransitionTo validates a state transition against the table.
func (s LeadState) CanTransitionTo(to LeadState) bool {
	if s.Terminal() {
		return false
	}
	if to == StateSuppressed {
		return true
	}
	for _, next := range ValidStateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// SequenceStatus tracks where a lead stands in its campaign sequence.
type SequenceStatus string

const (
	SequencePending   SequenceStatus = "pending"
	SequenceActive    SequenceStatus = "active"
	SequenceCompleted SequenceStatus = "completed"
	SequenceFailed    SequenceStatus = "failed"
	SequenceCancelled SequenceStatus = "cancelled"
)

// Lead represents a single contact moving through the outreach funnel.
type Lead struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Phone     string `gorm:"index" json:"phone"`
	Email     string `json:"email"`
	Source    string `json:"source"`
	Score     int    `gorm:"default:0" json:"score"`

	// Canonical state machine
	CanonicalState LeadState `gorm:"type:varchar(32);not null;default:'new';index" json:"canonical_state"`
	EnteredStateAt time.Time `gorm:"not null" json:"entered_state_at"`

	// Sequence scheduling
	CampaignID       *uint          `gorm:"index" json:"campaign_id,omitempty"`
	SequencePosition int            `gorm:"default:1" json:"sequence_position"`
	SequenceStatus   SequenceStatus `gorm:"type:varchar(16);default:'pending';index" json:"sequence_status"`
	LastTouchAt      *time.Time     `json:"last_touch_at,omitempty"`
	NextRunAt        *time.Time     `gorm:"index" json:"next_run_at,omitempty"`

	// Delivery failure tracking
	SendFailures int    `gorm:"default:0" json:"send_failures"`
	LastError    string `json:"last_error,omitempty"`

	OptedOutAt *time.Time `json:"opted_out_at,omitempty"`

	// Relations
	Tags []LeadTag `gorm:"foreignKey:LeadID" json:"tags,omitempty"`
}

// DaysInState computes whole days spent in the current canonical state.
// Both the sweep and the workspace counters use this, so the two can never
// disagree about which tier a lead is in.
func (l *Lead) DaysInState(now time.Time) int {
	if l.EnteredStateAt.IsZero() || now.Before(l.EnteredStateAt) {
		return 0
	}
	return int(now.Sub(l.EnteredStateAt).Hours() / 24)
}

// HasTag reports whether a system tag is already present.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t.Tag == tag {
			return true
		}
	}
	return false
}

// LeadTag represents tags for leads (normalized). The unique index makes
// system tag writes idempotent: appending "responded" twice is a no-op.
type LeadTag struct {
	gorm.Model
	LeadID uint   `gorm:"not null;uniqueIndex:idx_lead_tag" json:"lead_id"`
	Tag    string `gorm:"not null;uniqueIndex:idx_lead_tag" json:"tag"`
}

package engine

import (
	"context"
	"time"

	"leadflow/models"
)

// Repository interfaces expose only the operations the core needs, so the
// state machine is testable without a database. GORM-backed implementations
// live in the store package.

// LeadRepository is the single shared mutable resource of the core.
type LeadRepository interface {
	Get(ctx context.Context, id uint) (*models.Lead, error)

	// Due returns leads with next_run_at <= now and sequence_status =
	// active, ordered by (next_run_at, id) for deterministic sweeps.
	Due(ctx context.Context, now time.Time, limit int) ([]models.Lead, error)

	// RetargetDue returns touched leads whose state began at or before
	// cutoff, regardless of sequence status: reply timers outlive a
	// completed sequence.
	RetargetDue(ctx context.Context, cutoff time.Time, limit int) ([]models.Lead, error)

	// NudgeDue returns retargeting leads whose state began at or before
	// cutoff and that do not yet carry the nudge tag.
	NudgeDue(ctx context.Context, cutoff time.Time, limit int) ([]models.Lead, error)

	Save(ctx context.Context, lead *models.Lead) error

	// AddTag appends a system tag; adding the same tag twice is a no-op.
	// Reports whether the tag was newly added.
	AddTag(ctx context.Context, leadID uint, tag string) (bool, error)

	// StateSnapshots returns (state, enteredStateAt) for every lead of a
	// team; the workspace counter derives day tiers from it.
	StateSnapshots(ctx context.Context, teamID uint) ([]StateSnapshot, error)
}

// StateSnapshot is the minimal projection the workspace mapper needs.
type StateSnapshot struct {
	State          models.LeadState
	EnteredStateAt time.Time
}

// CampaignRepository reads campaign and step definitions. Read-mostly; safe
// to cache.
type CampaignRepository interface {
	Get(ctx context.Context, id uint) (*models.Campaign, error)
	StepAt(ctx context.Context, campaignID uint, position int) (*models.SequenceStep, error)
}

// ExecutionRepository appends to and inspects the campaign execution log.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *models.CampaignExecution) error
	Update(ctx context.Context, exec *models.CampaignExecution) error

	// HasPending reports an execution row still pending for (lead, step) -
	// the in-flight guard against duplicate sweeps.
	HasPending(ctx context.Context, leadID, stepID uint) (bool, error)

	// HasExecuted reports whether the lead already completed the step.
	HasExecuted(ctx context.Context, leadID, stepID uint) (bool, error)

	// CancelPending marks all pending executions for a lead skipped.
	CancelPending(ctx context.Context, leadID uint, reason string) error

	ByProviderMessageID(ctx context.Context, messageID string) (*models.CampaignExecution, error)
}

// ObjectionSessionRepository tracks rebuttal counters per (lead, type).
type ObjectionSessionRepository interface {
	GetOrCreate(ctx context.Context, teamID, leadID uint, objectionType string, maxRebuttals int) (*models.ObjectionSession, error)
	Save(ctx context.Context, session *models.ObjectionSession) error
}

// EventRepository appends to the immutable lead event log.
type EventRepository interface {
	Append(ctx context.Context, event *models.LeadEvent) error
	ForLead(ctx context.Context, leadID uint, limit int) ([]models.LeadEvent, error)
}

// Sender is the execution router boundary: the single choke point through
// which all outbound sends pass. Implementations must be idempotent for
// duplicate calls sharing an idempotency key within the dedup window.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendReceipt, error)
}

// SendRequest describes one outbound touch.
type SendRequest struct {
	TeamID     uint
	LeadID     uint
	Channel    models.Channel
	TemplateID string
	Body       string
	To         string
	Variables  map[string]string

	// IdempotencyKey discriminates sends that share (lead, template) but
	// are distinct attempts, e.g. objection rebuttal numbers.
	IdempotencyKey string
}

// SendReceipt reports the provider acknowledgement. Duplicate is true when
// the dedup window swallowed the call without dispatching.
type SendReceipt struct {
	MessageID string
	Duplicate bool
}

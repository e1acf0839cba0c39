package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/utils"
)

// Scheduler advances a lead through its campaign's ordered, timed touches.
// It only computes positions and timestamps; dispatch belongs to the
// transition engine.
type Scheduler struct {
	campaigns  CampaignRepository
	executions ExecutionRepository
	log        *logrus.Logger
}

func NewScheduler(campaigns CampaignRepository, executions ExecutionRepository, log *logrus.Logger) *Scheduler {
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{campaigns: campaigns, executions: executions, log: log}
}

// Enroll attaches a lead to a campaign and schedules step 1. Eligibility:
// campaign active, lead not terminal, score inside [MinScore, MaxScore].
func (s *Scheduler) Enroll(ctx context.Context, lead *models.Lead, campaign *models.Campaign, now time.Time) error {
	if lead.CanonicalState.Terminal() {
		return ErrLeadSuppressed
	}
	if campaign.Status != models.CampaignActive {
		return fmt.Errorf("%w: campaign %d is %s", ErrNotEligible, campaign.ID, campaign.Status)
	}
	if lead.Score < campaign.MinScore || lead.Score > campaign.MaxScore {
		return fmt.Errorf("%w: score %d outside [%d, %d]", ErrNotEligible, lead.Score, campaign.MinScore, campaign.MaxScore)
	}

	first := campaign.StepAt(1)
	if first == nil {
		return fmt.Errorf("campaign %d has no steps", campaign.ID)
	}

	lead.CampaignID = &campaign.ID
	lead.SequencePosition = 1
	lead.SequenceStatus = models.SequenceActive
	lead.NextRunAt = utils.Pointer(now.Add(first.Delay()))
	return nil
}

// DueStep returns the step the lead should execute now, guarding against a
// step whose execution is still pending (duplicate sweep protection).
// A nil step with nil error means the sequence just completed.
func (s *Scheduler) DueStep(ctx context.Context, lead *models.Lead) (*models.SequenceStep, error) {
	if lead.CampaignID == nil {
		return nil, ErrNoCampaign
	}
	step, err := s.campaigns.StepAt(ctx, *lead.CampaignID, lead.SequencePosition)
	if err != nil {
		return nil, fmt.Errorf("step at position %d: %w", lead.SequencePosition, err)
	}
	if step == nil {
		// Ran off the end of the sequence.
		lead.SequenceStatus = models.SequenceCompleted
		lead.NextRunAt = nil
		return nil, nil
	}

	pending, err := s.executions.HasPending(ctx, lead.ID, step.ID)
	if err != nil {
		return nil, fmt.Errorf("pending check: %w", err)
	}
	if pending {
		return nil, ErrStepInFlight
	}
	return step, nil
}

// Complete records a successful step execution: advances the position, sets
// lastTouchAt, and computes the next run time additively from the next
// step's delay. Clears nextRunAt when the sequence is done.
func (s *Scheduler) Complete(ctx context.Context, lead *models.Lead, now time.Time) error {
	if lead.CampaignID == nil {
		return ErrNoCampaign
	}
	lead.SequencePosition++
	lead.LastTouchAt = utils.Pointer(now)

	next, err := s.campaigns.StepAt(ctx, *lead.CampaignID, lead.SequencePosition)
	if err != nil {
		return fmt.Errorf("next step lookup: %w", err)
	}
	if next == nil {
		lead.SequenceStatus = models.SequenceCompleted
		lead.NextRunAt = nil
		return nil
	}
	lead.NextRunAt = utils.Pointer(now.Add(next.Delay()))
	return nil
}

// Cancel clears any pending scheduled action for the lead. Safe to call
// concurrently with an in-flight execution attempt: the executor re-checks
// state immediately before dispatch.
func (s *Scheduler) Cancel(ctx context.Context, lead *models.Lead, reason string) error {
	if lead.SequenceStatus == models.SequenceActive || lead.SequenceStatus == models.SequencePending {
		lead.SequenceStatus = models.SequenceCancelled
	}
	lead.NextRunAt = nil
	if err := s.executions.CancelPending(ctx, lead.ID, reason); err != nil {
		return fmt.Errorf("cancel pending executions: %w", err)
	}
	return nil
}

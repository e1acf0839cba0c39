package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/utils"
)

// TagResponded boosts external prioritization and is written idempotently
// on the first inbound reply.
const (
	TagResponded       = "responded"
	TagNudgeEscalated  = "nudge_escalated"
	TagHumanReview     = "needs_human_review"
	TagDeliveryBlocked = "delivery_blocked"
	TagDNC             = "dnc"
	TagHardNo          = "hard_no"
)

// Config carries the timing and retry policy of the state machine.
type Config struct {
	RetargetAfter time.Duration // touched -> retargeting with no reply
	EscalateAfter time.Duration // nudge escalation, measured from first touch

	RetryBackoff    time.Duration // fixed backoff after a transient send failure
	MaxSendFailures int           // consecutive failures before sequence_status = failed
	SendTimeout     time.Duration // bound on gateway calls
	BatchLimit      int           // leads per sweep
	MaxConcurrent   int           // parallel lead units per sweep

	// SuppressOnHardFail suppresses a lead on a permanent delivery failure
	// (invalid number, hard bounce); when false the lead is flagged for
	// triage instead.
	SuppressOnHardFail bool
}

// DefaultConfig returns the production defaults: 7-day retarget, 14-day
// escalate, bounded retries.
func DefaultConfig() Config {
	return Config{
		RetargetAfter:      7 * 24 * time.Hour,
		EscalateAfter:      14 * 24 * time.Hour,
		RetryBackoff:       30 * time.Minute,
		MaxSendFailures:    3,
		SendTimeout:        10 * time.Second,
		BatchLimit:         100,
		MaxConcurrent:      8,
		SuppressOnHardFail: true,
	}
}

// Deps bundles the constructor-injected collaborators of the engine.
type Deps struct {
	Leads      LeadRepository
	Campaigns  CampaignRepository
	Executions ExecutionRepository
	Events     EventRepository
	Scheduler  *Scheduler
	Objections *ObjectionEngine
	Classifier Classifier
	Sender     Sender
	Logger     *logrus.Logger
	Now        func() time.Time
}

// TransitionEngine is the top-level state machine. It consumes timer sweeps
// and inbound events and applies canonical state transitions, delegating to
// the scheduler, the objection engine and the execution router.
//
// All mutations to one lead are serialized through a per-lead mutex;
// cross-lead work is fully parallel.
type TransitionEngine struct {
	leads      LeadRepository
	campaigns  CampaignRepository
	executions ExecutionRepository
	events     EventRepository
	scheduler  *Scheduler
	objections *ObjectionEngine
	classifier Classifier
	sender     Sender
	cfg        Config
	log        *logrus.Logger
	now        func() time.Time

	mu    sync.Mutex
	locks map[uint]*leadLock
}

// leadLock is a refcounted mutex entry; the count tracks holders and
// waiters so the entry can be evicted once nobody references it.
type leadLock struct {
	sync.Mutex
	refs int
}

func NewTransitionEngine(deps Deps, cfg Config) *TransitionEngine {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Classifier == nil {
		deps.Classifier = KeywordClassifier{}
	}
	return &TransitionEngine{
		leads:      deps.Leads,
		campaigns:  deps.Campaigns,
		executions: deps.Executions,
		events:     deps.Events,
		scheduler:  deps.Scheduler,
		objections: deps.Objections,
		classifier: deps.Classifier,
		sender:     deps.Sender,
		cfg:        cfg,
		log:        deps.Logger,
		now:        deps.Now,
		locks:      make(map[uint]*leadLock),
	}
}

// lockLead blocks until the per-lead lock is held. Entries are evicted on
// release, so the map is bounded by the number of leads currently being
// worked on rather than every lead ever touched.
func (e *TransitionEngine) lockLead(id uint) *leadLock {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &leadLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()
	l.Lock()
	return l
}

func (e *TransitionEngine) unlockLead(id uint, l *leadLock) {
	l.Unlock()
	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, id)
	}
	e.mu.Unlock()
}

// Sweep runs one periodic pass: time-based promotions first, then due
// sequence steps. Returns the number of leads advanced. Idempotent for a
// repeated now: the in-flight guard and the moved next_run_at make the
// second pass a no-op. One lead's failure never aborts the batch.
func (e *TransitionEngine) Sweep(ctx context.Context, now time.Time) (int, error) {
	var advanced int64

	// Day-count promotions take priority over step execution so state
	// freshness is never stale by more than one sweep interval.
	promoted, err := e.sweepTimers(ctx, now)
	if err != nil {
		return int(advanced), err
	}
	advanced += int64(promoted)

	due, err := e.leads.Due(ctx, now, e.cfg.BatchLimit)
	if err != nil {
		return int(advanced), fmt.Errorf("select due leads: %w", err)
	}

	sem := make(chan struct{}, e.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i := range due {
		leadID := due[i].ID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			ok, err := e.processDueLead(ctx, leadID, now)
			if err != nil {
				e.log.WithError(err).WithField("lead_id", leadID).Warn("sweep: lead advancement failed")
				e.captureError(err, leadID)
			}
			if ok {
				atomic.AddInt64(&advanced, 1)
			}
		}()
	}
	wg.Wait()

	return int(advanced), nil
}

// sweepTimers applies the 7-day retarget and 14-day nudge promotions.
func (e *TransitionEngine) sweepTimers(ctx context.Context, now time.Time) (int, error) {
	advanced := 0

	retargetCutoff := now.Add(-e.cfg.RetargetAfter)
	touched, err := e.leads.RetargetDue(ctx, retargetCutoff, e.cfg.BatchLimit)
	if err != nil {
		return advanced, fmt.Errorf("select retarget due: %w", err)
	}
	for i := range touched {
		if err := e.promoteToRetargeting(ctx, touched[i].ID, now); err != nil {
			e.log.WithError(err).WithField("lead_id", touched[i].ID).Warn("sweep: retarget promotion failed")
			e.captureError(err, touched[i].ID)
			continue
		}
		advanced++
	}

	// Nudge escalation is a derived tier, not a state change: the lead
	// stays in retargeting, gains the nudge tag once, and its messaging
	// intensity and workspace view shift.
	nudgeCutoff := now.Add(-(e.cfg.EscalateAfter - e.cfg.RetargetAfter))
	nudgeable, err := e.leads.NudgeDue(ctx, nudgeCutoff, e.cfg.BatchLimit)
	if err != nil {
		return advanced, fmt.Errorf("select nudge due: %w", err)
	}
	for i := range nudgeable {
		if err := e.escalateNudge(ctx, nudgeable[i].ID, now); err != nil {
			e.log.WithError(err).WithField("lead_id", nudgeable[i].ID).Warn("sweep: nudge escalation failed")
			continue
		}
	}

	return advanced, nil
}

func (e *TransitionEngine) promoteToRetargeting(ctx context.Context, leadID uint, now time.Time) error {
	lock := e.lockLead(leadID)
	defer e.unlockLead(leadID, lock)

	lead, err := e.leads.Get(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	// Re-check under the lock: a webhook may have moved the lead already.
	if lead.CanonicalState != models.StateTouched {
		return nil
	}
	if now.Sub(lead.EnteredStateAt) < e.cfg.RetargetAfter {
		return nil
	}
	prev := lead.CanonicalState
	if err := e.transitionTo(ctx, lead, models.StateRetargeting, "sweep", now); err != nil {
		return err
	}
	e.appendEvent(ctx, lead, models.EventTimer7D, "sweep", prev, lead.CanonicalState, "")
	return e.leads.Save(ctx, lead)
}

func (e *TransitionEngine) escalateNudge(ctx context.Context, leadID uint, now time.Time) error {
	lock := e.lockLead(leadID)
	defer e.unlockLead(leadID, lock)

	lead, err := e.leads.Get(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if lead.CanonicalState != models.StateRetargeting {
		return nil
	}
	added, err := e.leads.AddTag(ctx, lead.ID, TagNudgeEscalated)
	if err != nil {
		return fmt.Errorf("tag nudge: %w", err)
	}
	if added {
		e.appendEvent(ctx, lead, models.EventTimer14D, "sweep", lead.CanonicalState, lead.CanonicalState, "")
	}
	return nil
}

// processDueLead executes the next sequence step of one due lead as an
// independently schedulable unit of work.
func (e *TransitionEngine) processDueLead(ctx context.Context, leadID uint, now time.Time) (bool, error) {
	lock := e.lockLead(leadID)
	defer e.unlockLead(leadID, lock)

	lead, err := e.leads.Get(ctx, leadID)
	if err != nil {
		return false, fmt.Errorf("load lead: %w", err)
	}
	if lead.CanonicalState.Terminal() || lead.SequenceStatus != models.SequenceActive {
		return false, nil
	}
	if lead.NextRunAt == nil || lead.NextRunAt.After(now) {
		return false, nil
	}

	if lead.CampaignID != nil {
		campaign, err := e.campaigns.Get(ctx, *lead.CampaignID)
		if err != nil {
			return false, fmt.Errorf("load campaign: %w", err)
		}
		if campaign.Status != models.CampaignActive {
			// A paused campaign holds its leads in place; the step fires
			// on the first sweep after reactivation.
			return false, nil
		}
	}

	step, err := e.scheduler.DueStep(ctx, lead)
	switch {
	case errors.Is(err, ErrStepInFlight):
		// A previous sweep's execution is still pending. Idempotent no-op.
		return false, nil
	case errors.Is(err, ErrNoCampaign):
		// Invariant violation: exclude from future sweeps, never drop
		// silently.
		lead.SequenceStatus = models.SequenceFailed
		lead.NextRunAt = nil
		lead.LastError = err.Error()
		if saveErr := e.leads.Save(ctx, lead); saveErr != nil {
			return false, saveErr
		}
		e.log.WithField("lead_id", lead.ID).Error("lead excluded from sweeps: no owning campaign")
		return false, nil
	case err != nil:
		return false, err
	}
	if step == nil {
		// Sequence ran to completion; DueStep already cleared scheduling.
		if err := e.leads.Save(ctx, lead); err != nil {
			return false, err
		}
		return true, nil
	}

	return e.executeStep(ctx, lead, step, now)
}

func (e *TransitionEngine) executeStep(ctx context.Context, lead *models.Lead, step *models.SequenceStep, now time.Time) (bool, error) {
	exec := &models.CampaignExecution{
		TeamID:     lead.TeamID,
		CampaignID: step.CampaignID,
		LeadID:     lead.ID,
		StepID:     step.ID,
		Channel:    step.Channel,
		TemplateID: step.TemplateID,
		Status:     models.ExecutionPending,
	}
	if err := e.executions.Create(ctx, exec); err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}

	// Re-check canonical state immediately before dispatch: an opt-out or
	// cancellation racing this sweep wins, and we skip without sending.
	fresh, err := e.leads.Get(ctx, lead.ID)
	if err != nil {
		return false, fmt.Errorf("pre-dispatch reload: %w", err)
	}
	if fresh.CanonicalState == models.StateSuppressed || fresh.SequenceStatus == models.SequenceCancelled {
		exec.Status = models.ExecutionSkipped
		exec.FailureReason = "lead suppressed or cancelled before dispatch"
		if err := e.executions.Update(ctx, exec); err != nil {
			return false, err
		}
		return false, nil
	}
	lead = fresh

	variables := map[string]string{
		"first_name": lead.FirstName,
		"last_name":  lead.LastName,
		"company":    lead.Company,
	}
	if NudgeEscalated(lead.CanonicalState, lead.DaysInState(now)) {
		variables["intensity"] = "nudge"
	}

	to := lead.Phone
	if step.Channel == models.ChannelEmail {
		to = lead.Email
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	receipt, sendErr := e.sender.Send(sctx, SendRequest{
		TeamID:         lead.TeamID,
		LeadID:         lead.ID,
		Channel:        step.Channel,
		TemplateID:     step.TemplateID,
		To:             to,
		Variables:      variables,
		IdempotencyKey: "step-" + strconv.FormatUint(uint64(step.ID), 10),
	})
	if sendErr != nil {
		return false, e.handleSendFailure(ctx, lead, exec, sendErr, now)
	}

	exec.Status = models.ExecutionSent
	exec.ProviderMessageID = receipt.MessageID
	exec.SentAt = utils.Pointer(now)
	if err := e.executions.Update(ctx, exec); err != nil {
		return false, err
	}

	lead.SendFailures = 0
	lead.LastError = ""
	if err := e.scheduler.Complete(ctx, lead, now); err != nil {
		return false, err
	}
	prev := lead.CanonicalState
	if lead.CanonicalState == models.StateNew {
		if err := e.transitionTo(ctx, lead, models.StateTouched, "sweep", now); err != nil {
			return false, err
		}
	}
	e.appendEvent(ctx, lead, outboundEventType(step.Channel), "sweep", prev, lead.CanonicalState, receipt.MessageID)

	if err := e.leads.Save(ctx, lead); err != nil {
		return false, err
	}
	return true, nil
}

// handleSendFailure applies the error taxonomy: transient failures back off
// with a fixed schedule and a capped attempt count; permanent ones suppress
// or flag the lead depending on policy.
func (e *TransitionEngine) handleSendFailure(ctx context.Context, lead *models.Lead, exec *models.CampaignExecution, sendErr error, now time.Time) error {
	exec.Status = models.ExecutionFailed
	exec.FailureReason = sendErr.Error()
	if err := e.executions.Update(ctx, exec); err != nil {
		return err
	}
	e.appendEvent(ctx, lead, models.EventSendFailed, "sweep", lead.CanonicalState, lead.CanonicalState, sendErr.Error())

	if IsPermanentSendError(sendErr) {
		if e.cfg.SuppressOnHardFail {
			if err := e.suppressLocked(ctx, lead, "delivery", now); err != nil {
				return err
			}
			return e.leads.Save(ctx, lead)
		}
		lead.SequenceStatus = models.SequenceFailed
		lead.NextRunAt = nil
		lead.LastError = sendErr.Error()
		if _, err := e.leads.AddTag(ctx, lead.ID, TagDeliveryBlocked); err != nil {
			return err
		}
		return e.leads.Save(ctx, lead)
	}

	// Transient: retry with a fixed backoff distinct from the step's own
	// delay; the position does not move.
	lead.SendFailures++
	lead.LastError = sendErr.Error()
	if lead.SendFailures >= e.cfg.MaxSendFailures {
		lead.SequenceStatus = models.SequenceFailed
		lead.NextRunAt = nil
		e.log.WithFields(logrus.Fields{
			"lead_id":  lead.ID,
			"failures": lead.SendFailures,
		}).Warn("lead excluded from sweeps after consecutive send failures")
	} else {
		lead.NextRunAt = utils.Pointer(now.Add(e.cfg.RetryBackoff))
	}
	return e.leads.Save(ctx, lead)
}

// InboundResult reports the transition applied for an inbound message.
type InboundResult struct {
	PreviousState models.LeadState
	NewState      models.LeadState
	Label         ReplyLabel
	Rebuttal      *ObjectionOutcome
}

// OnInboundMessage handles a reply webhook: classifies the text, applies
// the responded transition and the classification-driven follow-up, cancels
// any pending scheduled step, and runs the objection protocol when the
// reply is an objection.
func (e *TransitionEngine) OnInboundMessage(ctx context.Context, leadID uint, text string, channel models.Channel, dedupeKey string) (InboundResult, error) {
	lock := e.lockLead(leadID)
	defer e.unlockLead(leadID, lock)

	now := e.now()
	lead, err := e.leads.Get(ctx, leadID)
	if err != nil {
		return InboundResult{}, fmt.Errorf("load lead: %w", err)
	}
	result := InboundResult{PreviousState: lead.CanonicalState, NewState: lead.CanonicalState}
	if lead.CanonicalState.Terminal() {
		return result, nil
	}

	classification := e.classify(ctx, text)
	result.Label = classification.Label

	if classification.Label == LabelOptOut {
		if err := e.optOutLocked(ctx, lead, now); err != nil {
			return result, err
		}
		result.NewState = lead.CanonicalState
		return result, nil
	}

	e.appendInboundEvent(ctx, lead, channel, dedupeKey)

	// Any inbound reply cancels the pending scheduled step: the sequence
	// must not keep touching a lead who is talking to us.
	if err := e.scheduler.Cancel(ctx, lead, "inbound reply"); err != nil {
		return result, err
	}

	if lead.CanonicalState == models.StateTouched || lead.CanonicalState == models.StateRetargeting {
		if err := e.transitionTo(ctx, lead, models.StateResponded, "webhook", now); err != nil {
			return result, err
		}
		if _, err := e.leads.AddTag(ctx, lead.ID, TagResponded); err != nil {
			return result, err
		}
	}

	if target, ok := stateForLabel(classification.Label); ok &&
		lead.CanonicalState == models.StateResponded &&
		lead.CanonicalState.CanTransitionTo(target) {
		if err := e.transitionTo(ctx, lead, target, "classification", now); err != nil {
			return result, err
		}
	}
	if classification.Label == LabelHardNo {
		if _, err := e.leads.AddTag(ctx, lead.ID, TagHardNo); err != nil {
			return result, err
		}
	}

	if classification.Label == LabelObjection {
		outcome, err := e.handleObjection(ctx, lead, text, classification.ObjectionType, now)
		if err != nil {
			return result, err
		}
		result.Rebuttal = &outcome
	}

	if err := e.leads.Save(ctx, lead); err != nil {
		return result, err
	}
	result.NewState = lead.CanonicalState
	return result, nil
}

func (e *TransitionEngine) handleObjection(ctx context.Context, lead *models.Lead, text, forcedType string, now time.Time) (ObjectionOutcome, error) {
	outcome, err := e.objections.Handle(ctx, lead, text, forcedType)
	if err != nil {
		return ObjectionOutcome{}, err
	}

	if outcome.BackOff {
		// Hand the lead to the human-review queue instead of persuading
		// further.
		if _, err := e.leads.AddTag(ctx, lead.ID, TagHumanReview); err != nil {
			return outcome, err
		}
		if lead.CanonicalState.CanTransitionTo(models.StateInCallQueue) {
			if err := e.transitionTo(ctx, lead, models.StateInCallQueue, "objection_engine", now); err != nil {
				return outcome, err
			}
		}
		e.appendEvent(ctx, lead, models.EventBackOff, "objection_engine", lead.CanonicalState, lead.CanonicalState, outcome.ObjectionType)
		return outcome, nil
	}

	// The idempotency key carries the rebuttal number so at-least-once
	// webhook delivery cannot double-send the same rebuttal.
	sctx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	_, sendErr := e.sender.Send(sctx, SendRequest{
		TeamID:         lead.TeamID,
		LeadID:         lead.ID,
		Channel:        models.ChannelSMS,
		TemplateID:     "rebuttal:" + outcome.ObjectionType,
		Body:           outcome.Message,
		To:             lead.Phone,
		IdempotencyKey: fmt.Sprintf("rebuttal-%s-%d", outcome.ObjectionType, outcome.RebuttalNumber),
	})
	if sendErr != nil {
		e.log.WithError(sendErr).WithField("lead_id", lead.ID).Warn("rebuttal send failed")
		e.captureError(sendErr, lead.ID)
	}
	e.appendEvent(ctx, lead, models.EventObjection, "objection_engine", lead.CanonicalState, lead.CanonicalState,
		fmt.Sprintf("%s rebuttal %d", outcome.ObjectionType, outcome.RebuttalNumber))
	return outcome, nil
}

// OnOptOut suppresses a lead unconditionally from any non-terminal state,
// pre-empting all pending actions.
func (e *TransitionEngine) OnOptOut(ctx context.Context, leadID uint) error {
	lock := e.lockLead(leadID)
	defer e.unlockLead(leadID, lock)

	now := e.now()
	lead, err := e.leads.Get(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if lead.CanonicalState.Terminal() {
		return nil
	}
	if err := e.optOutLocked(ctx, lead, now); err != nil {
		return err
	}
	return nil
}

func (e *TransitionEngine) optOutLocked(ctx context.Context, lead *models.Lead, now time.Time) error {
	if err := e.suppressLocked(ctx, lead, "opt_out", now); err != nil {
		return err
	}
	lead.OptedOutAt = utils.Pointer(now)
	if _, err := e.leads.AddTag(ctx, lead.ID, TagDNC); err != nil {
		return err
	}
	e.appendEvent(ctx, lead, models.EventOptOut, "webhook", lead.CanonicalState, lead.CanonicalState, "")
	return e.leads.Save(ctx, lead)
}

func (e *TransitionEngine) suppressLocked(ctx context.Context, lead *models.Lead, source string, now time.Time) error {
	if err := e.scheduler.Cancel(ctx, lead, source); err != nil {
		return err
	}
	return e.transitionTo(ctx, lead, models.StateSuppressed, source, now)
}

// OnDeliveryStatus handles provider status webhooks (delivered / failed).
func (e *TransitionEngine) OnDeliveryStatus(ctx context.Context, providerMessageID, status, reason string) error {
	exec, err := e.executions.ByProviderMessageID(ctx, providerMessageID)
	if err != nil {
		return fmt.Errorf("execution lookup: %w", err)
	}
	if exec == nil {
		return nil
	}

	now := e.now()
	switch status {
	case "delivered":
		exec.Status = models.ExecutionDelivered
		exec.DeliveredAt = utils.Pointer(now)
		return e.executions.Update(ctx, exec)
	case "failed":
		lock := e.lockLead(exec.LeadID)
		defer e.unlockLead(exec.LeadID, lock)

		lead, err := e.leads.Get(ctx, exec.LeadID)
		if err != nil {
			return err
		}
		return e.handleAsyncSendFailure(ctx, lead, exec, reason, now)
	}
	return nil
}

// handleAsyncSendFailure applies a provider-reported failure that arrives
// after dispatch. The lead's position already advanced when the send was
// accepted, so unlike the synchronous path this never reschedules: writing
// a backoff here would overwrite the next step's configured delay, and a
// cancelled or completed sequence must not regain a nextRunAt.
func (e *TransitionEngine) handleAsyncSendFailure(ctx context.Context, lead *models.Lead, exec *models.CampaignExecution, reason string, now time.Time) error {
	exec.Status = models.ExecutionFailed
	exec.FailureReason = reason
	if err := e.executions.Update(ctx, exec); err != nil {
		return err
	}
	e.appendEvent(ctx, lead, models.EventSendFailed, "webhook", lead.CanonicalState, lead.CanonicalState, reason)

	if lead.CanonicalState.Terminal() {
		return nil
	}
	if permanentReason(reason) {
		if e.cfg.SuppressOnHardFail {
			if err := e.suppressLocked(ctx, lead, "delivery", now); err != nil {
				return err
			}
			return e.leads.Save(ctx, lead)
		}
		if lead.SequenceStatus == models.SequenceActive {
			lead.SequenceStatus = models.SequenceFailed
			lead.NextRunAt = nil
		}
		lead.LastError = reason
		if _, err := e.leads.AddTag(ctx, lead.ID, TagDeliveryBlocked); err != nil {
			return err
		}
		return e.leads.Save(ctx, lead)
	}

	lead.LastError = reason
	return e.leads.Save(ctx, lead)
}

// ResetSequence re-arms a failed lead for sweeping (manual triage action).
func (e *TransitionEngine) ResetSequence(ctx context.Context, leadID uint) error {
	lock := e.lockLead(leadID)
	defer e.unlockLead(leadID, lock)

	lead, err := e.leads.Get(ctx, leadID)
	if err != nil {
		return fmt.Errorf("load lead: %w", err)
	}
	if lead.CanonicalState.Terminal() {
		return ErrLeadSuppressed
	}
	if lead.SequenceStatus != models.SequenceFailed {
		return fmt.Errorf("lead %d sequence is %s, not failed", leadID, lead.SequenceStatus)
	}
	lead.SequenceStatus = models.SequenceActive
	lead.SendFailures = 0
	lead.LastError = ""
	lead.NextRunAt = utils.Pointer(e.now())
	return e.leads.Save(ctx, lead)
}

func (e *TransitionEngine) transitionTo(ctx context.Context, lead *models.Lead, to models.LeadState, source string, now time.Time) error {
	if !lead.CanonicalState.CanTransitionTo(to) {
		err := &InvalidTransitionError{From: lead.CanonicalState, To: to}
		e.log.WithFields(logrus.Fields{
			"lead_id": lead.ID,
			"from":    lead.CanonicalState,
			"to":      to,
		}).Error("invalid state transition")
		return err
	}
	prev := lead.CanonicalState
	lead.CanonicalState = to
	lead.EnteredStateAt = now
	e.appendEvent(ctx, lead, models.EventStateChanged, source, prev, to, "")
	return nil
}

func (e *TransitionEngine) classify(ctx context.Context, text string) Classification {
	classification, err := e.classifier.Classify(ctx, text)
	if err == nil {
		return classification
	}
	// Collaborator unavailable: fall back to the generic nurture path
	// rather than blocking the webhook.
	e.log.WithError(err).Warn("classifier unavailable, falling back to keyword rules")
	fallback, fbErr := KeywordClassifier{}.Classify(ctx, text)
	if fbErr != nil {
		return Classification{Label: LabelNeutral}
	}
	return fallback
}

func (e *TransitionEngine) appendEvent(ctx context.Context, lead *models.Lead, eventType models.LeadEventType, source string, prev, next models.LeadState, payload string) {
	event := &models.LeadEvent{
		TeamID:        lead.TeamID,
		LeadID:        lead.ID,
		EventType:     eventType,
		Source:        source,
		PreviousState: prev,
		NewState:      next,
		Payload:       payload,
		CreatedAt:     e.now(),
	}
	if err := e.events.Append(ctx, event); err != nil {
		e.log.WithError(err).WithField("lead_id", lead.ID).Warn("event append failed")
	}
}

func (e *TransitionEngine) appendInboundEvent(ctx context.Context, lead *models.Lead, channel models.Channel, dedupeKey string) {
	event := &models.LeadEvent{
		TeamID:    lead.TeamID,
		LeadID:    lead.ID,
		EventType: inboundEventType(channel),
		Source:    "webhook",
		CreatedAt: e.now(),
	}
	if dedupeKey != "" {
		event.DedupeKey = &dedupeKey
	}
	if err := e.events.Append(ctx, event); err != nil {
		e.log.WithError(err).WithField("lead_id", lead.ID).Warn("inbound event append failed")
	}
}

func (e *TransitionEngine) captureError(err error, leadID uint) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("lead_id", strconv.FormatUint(uint64(leadID), 10))
		sentry.CaptureException(err)
	})
}

// stateForLabel maps a reply classification to the post-responded state.
func stateForLabel(label ReplyLabel) (models.LeadState, bool) {
	switch label {
	case LabelInterested, LabelWantsCall:
		return models.StateHighIntent, true
	case LabelQuestion, LabelNeutral:
		return models.StateContentNurture, true
	case LabelSoftNo, LabelObjection:
		return models.StateSoftInterest, true
	}
	return "", false
}

func outboundEventType(channel models.Channel) models.LeadEventType {
	switch channel {
	case models.ChannelEmail:
		return models.EventEmailSent
	case models.ChannelVoice:
		return models.EventCallOutbound
	}
	return models.EventSMSSent
}

func inboundEventType(channel models.Channel) models.LeadEventType {
	switch channel {
	case models.ChannelEmail:
		return models.EventEmailReceived
	case models.ChannelVoice:
		return models.EventCallInbound
	}
	return models.EventSMSReceived
}

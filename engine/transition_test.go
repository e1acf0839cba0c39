package engine

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	engine     *TransitionEngine
	leads      *fakeLeadRepo
	campaigns  *fakeCampaignRepo
	executions *fakeExecutionRepo
	events     *fakeEventRepo
	objections *fakeObjectionRepo
	sender     *fakeSender
}

func newTestEnv(t *testing.T, cfg Config, leads ...*models.Lead) *testEnv {
	t.Helper()
	campaign := &models.Campaign{
		TeamID:   1,
		Name:     "sms drip",
		Status:   models.CampaignActive,
		MinScore: 0,
		MaxScore: 100,
		Steps: []models.SequenceStep{
			{Model: gorm.Model{ID: 11}, CampaignID: 1, Position: 1, Channel: models.ChannelSMS, TemplateID: "intro", DelayDays: 0},
			{Model: gorm.Model{ID: 12}, CampaignID: 1, Position: 2, Channel: models.ChannelSMS, TemplateID: "followup", DelayDays: 2},
			{Model: gorm.Model{ID: 13}, CampaignID: 1, Position: 3, Channel: models.ChannelSMS, TemplateID: "final", DelayDays: 3, DelayHours: 12},
		},
	}
	campaign.ID = 1

	env := &testEnv{
		leads:      newFakeLeadRepo(leads...),
		campaigns:  newFakeCampaignRepo(campaign),
		executions: newFakeExecutionRepo(),
		events:     newFakeEventRepo(),
		objections: newFakeObjectionRepo(),
		sender:     &fakeSender{},
	}
	env.engine = NewTransitionEngine(Deps{
		Leads:      env.leads,
		Campaigns:  env.campaigns,
		Executions: env.executions,
		Events:     env.events,
		Scheduler:  NewScheduler(env.campaigns, env.executions, nil),
		Objections: NewObjectionEngine(env.objections, nil),
		Sender:     env.sender,
		Now:        func() time.Time { return testNow },
	}, cfg)
	return env
}

func activeLead(id uint, state models.LeadState, enteredAt time.Time) *models.Lead {
	lead := &models.Lead{
		TeamID:           1,
		FirstName:        "Dana",
		Phone:            "+15550100",
		CanonicalState:   state,
		EnteredStateAt:   enteredAt,
		CampaignID:       utils.Pointer(uint(1)),
		SequencePosition: 1,
		SequenceStatus:   models.SequenceActive,
		NextRunAt:        utils.Pointer(enteredAt),
	}
	lead.ID = id
	return lead
}

func mustGet(t *testing.T, leads *fakeLeadRepo, id uint) *models.Lead {
	t.Helper()
	lead, err := leads.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get lead %d: %v", id, err)
	}
	return lead
}

func TestSweepExecutesDueStepAndTouchesLead(t *testing.T) {
	lead := activeLead(1, models.StateNew, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	advanced, err := env.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("advanced = %d, want 1", advanced)
	}

	got := mustGet(t, env.leads, 1)
	if got.CanonicalState != models.StateTouched {
		t.Errorf("state = %s, want touched", got.CanonicalState)
	}
	if got.SequencePosition != 2 {
		t.Errorf("position = %d, want 2", got.SequencePosition)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(testNow.Add(2*24*time.Hour)) {
		t.Errorf("nextRunAt = %v, want %v", got.NextRunAt, testNow.Add(2*24*time.Hour))
	}
	if got.LastTouchAt == nil || !got.LastTouchAt.Equal(testNow) {
		t.Errorf("lastTouchAt = %v, want %v", got.LastTouchAt, testNow)
	}

	calls := env.sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	if calls[0].Req.TemplateID != "intro" || calls[0].Req.To != "+15550100" {
		t.Errorf("unexpected send request %+v", calls[0].Req)
	}
	sentEvents := env.events.ofType(1, models.EventSMSSent)
	if len(sentEvents) != 1 {
		t.Fatalf("SMS_SENT events = %d, want 1", len(sentEvents))
	}
	if sentEvents[0].PreviousState != models.StateNew || sentEvents[0].NewState != models.StateTouched {
		t.Errorf("SMS_SENT event = %s -> %s, want new -> touched",
			sentEvents[0].PreviousState, sentEvents[0].NewState)
	}
}

func TestSweepHoldsLeadsOfPausedCampaign(t *testing.T) {
	lead := activeLead(1, models.StateNew, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)
	env.campaigns.campaigns[1].Status = models.CampaignPaused

	advanced, err := env.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if advanced != 0 {
		t.Fatalf("advanced = %d, want 0", advanced)
	}
	if calls := env.sender.sent(); len(calls) != 0 {
		t.Fatalf("sends = %d, want 0", len(calls))
	}

	// Reactivating lets the held step fire on the next pass.
	env.campaigns.campaigns[1].Status = models.CampaignActive
	advanced, err = env.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if advanced != 1 {
		t.Fatalf("advanced after reactivation = %d, want 1", advanced)
	}
}

func TestSweepIsIdempotentForSameInstant(t *testing.T) {
	lead := activeLead(1, models.StateNew, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	for i := 0; i < 3; i++ {
		if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	if calls := env.sender.sent(); len(calls) != 1 {
		t.Fatalf("sends = %d, want exactly 1", len(calls))
	}
	got := mustGet(t, env.leads, 1)
	if got.SequencePosition != 2 {
		t.Errorf("position = %d, want 2", got.SequencePosition)
	}
}

func TestSweepInFlightGuardSkipsPendingStep(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	// Simulate a crashed dispatch from a previous sweep.
	pending := &models.CampaignExecution{
		TeamID: 1, CampaignID: 1, LeadID: 1, StepID: 11,
		Channel: models.ChannelSMS, Status: models.ExecutionPending,
	}
	if err := env.executions.Create(context.Background(), pending); err != nil {
		t.Fatal(err)
	}

	advanced, err := env.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if advanced != 0 {
		t.Errorf("advanced = %d, want 0", advanced)
	}
	if calls := env.sender.sent(); len(calls) != 0 {
		t.Errorf("sends = %d, want 0", len(calls))
	}
}

func TestSweepPromotesTouchedToRetargetingAtSevenDays(t *testing.T) {
	stale := activeLead(1, models.StateTouched, testNow.Add(-8*24*time.Hour))
	stale.SequenceStatus = models.SequenceCompleted
	stale.NextRunAt = nil
	fresh := activeLead(2, models.StateTouched, testNow.Add(-3*24*time.Hour))
	fresh.NextRunAt = nil
	env := newTestEnv(t, DefaultConfig(), stale, fresh)

	advanced, err := env.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if advanced != 1 {
		t.Errorf("advanced = %d, want 1", advanced)
	}

	if got := mustGet(t, env.leads, 1); got.CanonicalState != models.StateRetargeting {
		t.Errorf("stale lead state = %s, want retargeting", got.CanonicalState)
	}
	if got := mustGet(t, env.leads, 2); got.CanonicalState != models.StateTouched {
		t.Errorf("fresh lead state = %s, want touched", got.CanonicalState)
	}
	timers := env.events.ofType(1, models.EventTimer7D)
	if len(timers) != 1 {
		t.Fatalf("TIMER_7D events = %d, want 1", len(timers))
	}
	if timers[0].PreviousState != models.StateTouched || timers[0].NewState != models.StateRetargeting {
		t.Errorf("TIMER_7D event = %s -> %s, want touched -> retargeting",
			timers[0].PreviousState, timers[0].NewState)
	}
}

func TestSweepNudgeEscalationFiresOnce(t *testing.T) {
	lead := activeLead(1, models.StateRetargeting, testNow.Add(-8*24*time.Hour))
	lead.SequenceStatus = models.SequenceCompleted
	lead.NextRunAt = nil
	env := newTestEnv(t, DefaultConfig(), lead)

	for i := 0; i < 2; i++ {
		if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	if !env.leads.hasTag(1, TagNudgeEscalated) {
		t.Error("nudge tag missing")
	}
	if got := mustGet(t, env.leads, 1); got.CanonicalState != models.StateRetargeting {
		t.Errorf("state = %s, want retargeting (nudge is a tier, not a state)", got.CanonicalState)
	}
	if n := len(env.events.ofType(1, models.EventTimer14D)); n != 1 {
		t.Errorf("TIMER_14D events = %d, want exactly 1", n)
	}
}

func TestSweepTransientFailureBacksOffThenFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSendFailures = 2
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, cfg, lead)
	env.sender.fail(&SendError{Reason: "provider timeout"})

	now := testNow
	if _, err := env.engine.Sweep(context.Background(), now); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.SendFailures != 1 {
		t.Fatalf("sendFailures = %d, want 1", got.SendFailures)
	}
	if got.SequenceStatus != models.SequenceActive {
		t.Fatalf("sequenceStatus = %s, want active", got.SequenceStatus)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(now.Add(cfg.RetryBackoff)) {
		t.Fatalf("nextRunAt = %v, want now+backoff", got.NextRunAt)
	}
	if got.SequencePosition != 1 {
		t.Fatalf("position = %d, want 1 (retry does not advance)", got.SequencePosition)
	}

	// Second consecutive failure hits the cap.
	now = now.Add(cfg.RetryBackoff)
	if _, err := env.engine.Sweep(context.Background(), now); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	got = mustGet(t, env.leads, 1)
	if got.SequenceStatus != models.SequenceFailed {
		t.Errorf("sequenceStatus = %s, want failed", got.SequenceStatus)
	}
	if got.NextRunAt != nil {
		t.Errorf("nextRunAt = %v, want nil", got.NextRunAt)
	}
	if got.CanonicalState != models.StateTouched {
		t.Errorf("state = %s, transient failures must not change canonical state", got.CanonicalState)
	}
}

func TestSweepSuccessResetsFailureCounter(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	lead.SendFailures = 2
	lead.LastError = "provider timeout"
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.SendFailures != 0 || got.LastError != "" {
		t.Errorf("failure bookkeeping not reset: failures=%d lastError=%q", got.SendFailures, got.LastError)
	}
}

func TestSweepPermanentFailureSuppressesLead(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)
	env.sender.fail(&SendError{Permanent: true, Reason: "invalid number"})

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.CanonicalState != models.StateSuppressed {
		t.Errorf("state = %s, want suppressed", got.CanonicalState)
	}
	if got.SequenceStatus != models.SequenceCancelled {
		t.Errorf("sequenceStatus = %s, want cancelled", got.SequenceStatus)
	}
}

func TestSweepPermanentFailureFlagsWhenSuppressionDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuppressOnHardFail = false
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, cfg, lead)
	env.sender.fail(&SendError{Permanent: true, Reason: "hard bounce"})

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.CanonicalState == models.StateSuppressed {
		t.Error("lead suppressed despite policy")
	}
	if got.SequenceStatus != models.SequenceFailed {
		t.Errorf("sequenceStatus = %s, want failed", got.SequenceStatus)
	}
	if !env.leads.hasTag(1, TagDeliveryBlocked) {
		t.Error("delivery_blocked tag missing")
	}
}

func TestSweepCompletedSequenceClearsScheduling(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	lead.SequencePosition = 4 // past the last step
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.SequenceStatus != models.SequenceCompleted {
		t.Errorf("sequenceStatus = %s, want completed", got.SequenceStatus)
	}
	if got.NextRunAt != nil {
		t.Errorf("nextRunAt = %v, want nil", got.NextRunAt)
	}
	if calls := env.sender.sent(); len(calls) != 0 {
		t.Errorf("sends = %d, want 0", len(calls))
	}
}

func TestSweepOrphanedLeadExcludedNotDropped(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	lead.CampaignID = nil
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.SequenceStatus != models.SequenceFailed {
		t.Errorf("sequenceStatus = %s, want failed", got.SequenceStatus)
	}
	if got.LastError == "" {
		t.Error("lastError empty, invariant violation must be recorded")
	}
}

func TestInboundReplyMovesTouchedToClassifiedState(t *testing.T) {
	cases := []struct {
		name string
		text string
		want models.LeadState
	}{
		{"interested", "yes tell me more", models.StateHighIntent},
		{"wants call", "can we schedule a call", models.StateHighIntent},
		{"question", "what is this about?", models.StateContentNurture},
		{"neutral", "hmm", models.StateContentNurture},
		{"soft no", "maybe later", models.StateSoftInterest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
			env := newTestEnv(t, DefaultConfig(), lead)

			result, err := env.engine.OnInboundMessage(context.Background(), 1, tc.text, models.ChannelSMS, "")
			if err != nil {
				t.Fatalf("inbound: %v", err)
			}
			if result.NewState != tc.want {
				t.Errorf("state = %s, want %s", result.NewState, tc.want)
			}
			got := mustGet(t, env.leads, 1)
			if got.SequenceStatus != models.SequenceCancelled {
				t.Errorf("sequenceStatus = %s, want cancelled after reply", got.SequenceStatus)
			}
			if got.NextRunAt != nil {
				t.Errorf("nextRunAt = %v, want nil after reply", got.NextRunAt)
			}
			if !env.leads.hasTag(1, TagResponded) {
				t.Error("responded tag missing")
			}
		})
	}
}

func TestInboundReplyFromRetargetingAlsoResponds(t *testing.T) {
	lead := activeLead(1, models.StateRetargeting, testNow.Add(-10*24*time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	result, err := env.engine.OnInboundMessage(context.Background(), 1, "yes please", models.ChannelSMS, "")
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if result.PreviousState != models.StateRetargeting || result.NewState != models.StateHighIntent {
		t.Errorf("transition %s -> %s, want retargeting -> high_intent", result.PreviousState, result.NewState)
	}
}

func TestInboundOptOutSuppressesFromAnyState(t *testing.T) {
	states := []models.LeadState{
		models.StateNew, models.StateTouched, models.StateRetargeting,
		models.StateResponded, models.StateHighIntent, models.StateInCallQueue,
	}
	for _, state := range states {
		t.Run(string(state), func(t *testing.T) {
			lead := activeLead(1, state, testNow.Add(-time.Hour))
			env := newTestEnv(t, DefaultConfig(), lead)

			result, err := env.engine.OnInboundMessage(context.Background(), 1, "STOP", models.ChannelSMS, "")
			if err != nil {
				t.Fatalf("inbound: %v", err)
			}
			if result.Label != LabelOptOut {
				t.Errorf("label = %s, want opt_out", result.Label)
			}
			got := mustGet(t, env.leads, 1)
			if got.CanonicalState != models.StateSuppressed {
				t.Errorf("state = %s, want suppressed", got.CanonicalState)
			}
			if got.OptedOutAt == nil {
				t.Error("optedOutAt not set")
			}
			if !env.leads.hasTag(1, TagDNC) {
				t.Error("dnc tag missing")
			}
			// Opt-out must not trigger a confirmation send.
			if calls := env.sender.sent(); len(calls) != 0 {
				t.Errorf("sends = %d, want 0", len(calls))
			}
		})
	}
}

func TestInboundOptOutBeatsObjectionKeywords(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	// "stop" and "not interested" both present: compliance wins.
	result, err := env.engine.OnInboundMessage(context.Background(), 1, "not interested, stop texting me", models.ChannelSMS, "")
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if result.Label != LabelOptOut {
		t.Errorf("label = %s, want opt_out", result.Label)
	}
	if got := mustGet(t, env.leads, 1); got.CanonicalState != models.StateSuppressed {
		t.Errorf("state = %s, want suppressed", got.CanonicalState)
	}
}

func TestInboundTerminalLeadIsNoOp(t *testing.T) {
	lead := activeLead(1, models.StateSuppressed, testNow.Add(-time.Hour))
	lead.SequenceStatus = models.SequenceCancelled
	lead.NextRunAt = nil
	env := newTestEnv(t, DefaultConfig(), lead)

	result, err := env.engine.OnInboundMessage(context.Background(), 1, "yes actually", models.ChannelSMS, "")
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if result.NewState != models.StateSuppressed {
		t.Errorf("state = %s, suppressed must be absorbing", result.NewState)
	}
	if calls := env.sender.sent(); len(calls) != 0 {
		t.Errorf("sends = %d, want 0", len(calls))
	}
}

func TestObjectionRebuttalsThenBackOff(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	// too_busy allows 3 rebuttals.
	for i := 1; i <= 3; i++ {
		result, err := env.engine.OnInboundMessage(context.Background(), 1, "sorry, too busy right now", models.ChannelSMS, "")
		if err != nil {
			t.Fatalf("inbound %d: %v", i, err)
		}
		if result.Rebuttal == nil {
			t.Fatalf("inbound %d: no rebuttal outcome", i)
		}
		if result.Rebuttal.BackOff {
			t.Fatalf("inbound %d: backed off before cap", i)
		}
		if result.Rebuttal.RebuttalNumber != i {
			t.Errorf("inbound %d: rebuttal number = %d", i, result.Rebuttal.RebuttalNumber)
		}
	}
	if calls := env.sender.sent(); len(calls) != 3 {
		t.Fatalf("rebuttal sends = %d, want 3", len(calls))
	}

	// Fourth objection of the same type: back off, no further persuasion.
	result, err := env.engine.OnInboundMessage(context.Background(), 1, "still busy", models.ChannelSMS, "")
	if err != nil {
		t.Fatalf("fourth inbound: %v", err)
	}
	if result.Rebuttal == nil || !result.Rebuttal.BackOff {
		t.Fatal("expected back-off outcome")
	}
	if calls := env.sender.sent(); len(calls) != 3 {
		t.Errorf("sends = %d, back-off must not send", len(calls))
	}
	got := mustGet(t, env.leads, 1)
	if got.CanonicalState != models.StateInCallQueue {
		t.Errorf("state = %s, want in_call_queue on back-off", got.CanonicalState)
	}
	if !env.leads.hasTag(1, TagHumanReview) {
		t.Error("needs_human_review tag missing")
	}
}

func TestObjectionRebuttalIdempotencyKeyCarriesAttempt(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.OnInboundMessage(context.Background(), 1, "is this a scam?", models.ChannelSMS, ""); err != nil {
		t.Fatal(err)
	}
	calls := env.sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	if calls[0].Req.IdempotencyKey != "rebuttal-scam_accusation-1" {
		t.Errorf("idempotency key = %q", calls[0].Req.IdempotencyKey)
	}
}

func TestClassifierFailureFallsBackToKeywords(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)
	env.engine.classifier = fixedClassifier{err: context.DeadlineExceeded}

	result, err := env.engine.OnInboundMessage(context.Background(), 1, "STOP", models.ChannelSMS, "")
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if result.Label != LabelOptOut {
		t.Errorf("label = %s, fallback classifier must still catch opt-out", result.Label)
	}
}

func TestOnOptOutDirect(t *testing.T) {
	lead := activeLead(1, models.StateHighIntent, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	if err := env.engine.OnOptOut(context.Background(), 1); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	// Idempotent on repeat.
	if err := env.engine.OnOptOut(context.Background(), 1); err != nil {
		t.Fatalf("repeat opt out: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.CanonicalState != models.StateSuppressed {
		t.Errorf("state = %s, want suppressed", got.CanonicalState)
	}
	if n := len(env.events.ofType(1, models.EventOptOut)); n != 1 {
		t.Errorf("OPT_OUT events = %d, want 1", n)
	}
}

func TestOnDeliveryStatusDelivered(t *testing.T) {
	lead := activeLead(1, models.StateNew, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	sent := env.executions.byStatus(models.ExecutionSent)
	if len(sent) != 1 {
		t.Fatalf("sent executions = %d, want 1", len(sent))
	}

	if err := env.engine.OnDeliveryStatus(context.Background(), sent[0].ProviderMessageID, "delivered", ""); err != nil {
		t.Fatalf("delivery status: %v", err)
	}
	delivered := env.executions.byStatus(models.ExecutionDelivered)
	if len(delivered) != 1 || delivered[0].DeliveredAt == nil {
		t.Errorf("delivered executions = %+v", delivered)
	}
}

func TestOnDeliveryStatusHardFailureSuppresses(t *testing.T) {
	lead := activeLead(1, models.StateNew, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	sent := env.executions.byStatus(models.ExecutionSent)
	if len(sent) != 1 {
		t.Fatalf("sent executions = %d, want 1", len(sent))
	}

	if err := env.engine.OnDeliveryStatus(context.Background(), sent[0].ProviderMessageID, "failed", "invalid destination number"); err != nil {
		t.Fatalf("delivery status: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.CanonicalState != models.StateSuppressed {
		t.Errorf("state = %s, want suppressed on hard delivery failure", got.CanonicalState)
	}
}

func TestOnDeliveryStatusTransientFailureKeepsSchedule(t *testing.T) {
	lead := activeLead(1, models.StateNew, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	sent := env.executions.byStatus(models.ExecutionSent)
	if len(sent) != 1 {
		t.Fatalf("sent executions = %d, want 1", len(sent))
	}
	nextStep := testNow.Add(2 * 24 * time.Hour)

	if err := env.engine.OnDeliveryStatus(context.Background(), sent[0].ProviderMessageID, "failed", "provider timeout"); err != nil {
		t.Fatalf("delivery status: %v", err)
	}

	// The position advanced at send time, so the next step's delay must
	// survive the late failure report.
	got := mustGet(t, env.leads, 1)
	if got.SequenceStatus != models.SequenceActive {
		t.Errorf("sequenceStatus = %s, want active", got.SequenceStatus)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(nextStep) {
		t.Errorf("nextRunAt = %v, want %v", got.NextRunAt, nextStep)
	}
	if got.LastError != "provider timeout" {
		t.Errorf("lastError = %q", got.LastError)
	}
	if len(env.executions.byStatus(models.ExecutionFailed)) != 1 {
		t.Error("execution row not marked failed")
	}
}

func TestOnDeliveryStatusFailureAfterCancelStaysUnscheduled(t *testing.T) {
	lead := activeLead(1, models.StateNew, testNow.Add(-time.Hour))
	env := newTestEnv(t, DefaultConfig(), lead)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	sent := env.executions.byStatus(models.ExecutionSent)
	if len(sent) != 1 {
		t.Fatalf("sent executions = %d, want 1", len(sent))
	}

	cancelled := mustGet(t, env.leads, 1)
	cancelled.SequenceStatus = models.SequenceCancelled
	cancelled.NextRunAt = nil
	if err := env.leads.Save(context.Background(), cancelled); err != nil {
		t.Fatal(err)
	}

	if err := env.engine.OnDeliveryStatus(context.Background(), sent[0].ProviderMessageID, "failed", "provider timeout"); err != nil {
		t.Fatalf("delivery status: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.SequenceStatus != models.SequenceCancelled {
		t.Errorf("sequenceStatus = %s, want cancelled", got.SequenceStatus)
	}
	if got.NextRunAt != nil {
		t.Errorf("nextRunAt = %v, a cancelled sequence must stay unscheduled", got.NextRunAt)
	}
}

func TestOnDeliveryStatusUnknownMessageIgnored(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	if err := env.engine.OnDeliveryStatus(context.Background(), "nope", "delivered", ""); err != nil {
		t.Fatalf("unknown message id should be ignored, got %v", err)
	}
}

func TestResetSequenceReArmsFailedLead(t *testing.T) {
	lead := activeLead(1, models.StateTouched, testNow.Add(-time.Hour))
	lead.SequenceStatus = models.SequenceFailed
	lead.SendFailures = 3
	lead.LastError = "provider timeout"
	lead.NextRunAt = nil
	env := newTestEnv(t, DefaultConfig(), lead)

	if err := env.engine.ResetSequence(context.Background(), 1); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got := mustGet(t, env.leads, 1)
	if got.SequenceStatus != models.SequenceActive || got.SendFailures != 0 || got.NextRunAt == nil {
		t.Errorf("reset bookkeeping wrong: %+v", got)
	}

	// Only failed sequences reset.
	if err := env.engine.ResetSequence(context.Background(), 1); err == nil {
		t.Error("resetting an active sequence should error")
	}
}

func TestResetSequenceRefusesTerminalLead(t *testing.T) {
	lead := activeLead(1, models.StateSuppressed, testNow.Add(-time.Hour))
	lead.SequenceStatus = models.SequenceFailed
	env := newTestEnv(t, DefaultConfig(), lead)

	if err := env.engine.ResetSequence(context.Background(), 1); err == nil {
		t.Error("reset of a suppressed lead must fail")
	}
}

func TestLeadLocksEvictedAfterUse(t *testing.T) {
	var leads []*models.Lead
	for i := uint(1); i <= 10; i++ {
		leads = append(leads, activeLead(i, models.StateNew, testNow.Add(-time.Hour)))
	}
	env := newTestEnv(t, DefaultConfig(), leads...)

	if _, err := env.engine.Sweep(context.Background(), testNow); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.OnInboundMessage(context.Background(), 1, "sounds good", models.ChannelSMS, "msg-lock-1"); err != nil {
		t.Fatal(err)
	}

	env.engine.mu.Lock()
	n := len(env.engine.locks)
	env.engine.mu.Unlock()
	if n != 0 {
		t.Errorf("lock entries after quiescence = %d, want 0", n)
	}
}

func TestSweepParallelLeadsAllAdvance(t *testing.T) {
	var leads []*models.Lead
	for i := uint(1); i <= 20; i++ {
		leads = append(leads, activeLead(i, models.StateNew, testNow.Add(-time.Hour)))
	}
	env := newTestEnv(t, DefaultConfig(), leads...)

	advanced, err := env.engine.Sweep(context.Background(), testNow)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if advanced != 20 {
		t.Errorf("advanced = %d, want 20", advanced)
	}
	if calls := env.sender.sent(); len(calls) != 20 {
		t.Errorf("sends = %d, want 20", len(calls))
	}
}

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"leadflow/models"
)

// In-memory fakes for the repository boundary. Each fake is safe for
// concurrent use since the sweep processes leads in parallel.

type fakeLeadRepo struct {
	mu    sync.Mutex
	leads map[uint]*models.Lead
	tags  map[uint]map[string]bool
}

func newFakeLeadRepo(leads ...*models.Lead) *fakeLeadRepo {
	r := &fakeLeadRepo{
		leads: make(map[uint]*models.Lead),
		tags:  make(map[uint]map[string]bool),
	}
	for _, l := range leads {
		cp := *l
		r.leads[l.ID] = &cp
	}
	return r
}

func (r *fakeLeadRepo) Get(_ context.Context, id uint) (*models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[id]
	if !ok {
		return nil, fmt.Errorf("lead %d not found", id)
	}
	cp := *l
	for tag := range r.tags[id] {
		cp.Tags = append(cp.Tags, models.LeadTag{LeadID: id, Tag: tag})
	}
	return &cp, nil
}

func (r *fakeLeadRepo) Due(_ context.Context, now time.Time, limit int) ([]models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Lead
	for _, l := range r.leads {
		if l.SequenceStatus != models.SequenceActive || l.NextRunAt == nil || l.NextRunAt.After(now) {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt.Equal(*out[j].NextRunAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].NextRunAt.Before(*out[j].NextRunAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeLeadRepo) RetargetDue(_ context.Context, cutoff time.Time, limit int) ([]models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Lead
	for _, l := range r.leads {
		if l.CanonicalState == models.StateTouched && !l.EnteredStateAt.After(cutoff) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeLeadRepo) NudgeDue(_ context.Context, cutoff time.Time, limit int) ([]models.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Lead
	for _, l := range r.leads {
		if l.CanonicalState != models.StateRetargeting || l.EnteredStateAt.After(cutoff) {
			continue
		}
		if r.tags[l.ID]["nudge_escalated"] {
			continue
		}
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeLeadRepo) Save(_ context.Context, lead *models.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *lead
	cp.Tags = nil
	r.leads[lead.ID] = &cp
	return nil
}

func (r *fakeLeadRepo) AddTag(_ context.Context, leadID uint, tag string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tags[leadID] == nil {
		r.tags[leadID] = make(map[string]bool)
	}
	if r.tags[leadID][tag] {
		return false, nil
	}
	r.tags[leadID][tag] = true
	return true, nil
}

func (r *fakeLeadRepo) StateSnapshots(_ context.Context, teamID uint) ([]StateSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StateSnapshot
	for _, l := range r.leads {
		if l.TeamID == teamID {
			out = append(out, StateSnapshot{State: l.CanonicalState, EnteredStateAt: l.EnteredStateAt})
		}
	}
	return out, nil
}

func (r *fakeLeadRepo) hasTag(leadID uint, tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags[leadID][tag]
}

type fakeCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[uint]*models.Campaign
}

func newFakeCampaignRepo(campaigns ...*models.Campaign) *fakeCampaignRepo {
	r := &fakeCampaignRepo{campaigns: make(map[uint]*models.Campaign)}
	for _, c := range campaigns {
		r.campaigns[c.ID] = c
	}
	return r
}

func (r *fakeCampaignRepo) Get(_ context.Context, id uint) (*models.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %d not found", id)
	}
	return c, nil
}

func (r *fakeCampaignRepo) StepAt(_ context.Context, campaignID uint, position int) (*models.SequenceStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[campaignID]
	if !ok {
		return nil, fmt.Errorf("campaign %d not found", campaignID)
	}
	return c.StepAt(position), nil
}

type fakeExecutionRepo struct {
	mu     sync.Mutex
	nextID uint
	execs  []*models.CampaignExecution
}

func newFakeExecutionRepo() *fakeExecutionRepo {
	return &fakeExecutionRepo{}
}

func (r *fakeExecutionRepo) Create(_ context.Context, exec *models.CampaignExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	exec.ID = r.nextID
	cp := *exec
	r.execs = append(r.execs, &cp)
	return nil
}

func (r *fakeExecutionRepo) Update(_ context.Context, exec *models.CampaignExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.execs {
		if e.ID == exec.ID {
			cp := *exec
			r.execs[i] = &cp
			return nil
		}
	}
	return fmt.Errorf("execution %d not found", exec.ID)
}

func (r *fakeExecutionRepo) HasPending(_ context.Context, leadID, stepID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.execs {
		if e.LeadID == leadID && e.StepID == stepID && e.Status == models.ExecutionPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeExecutionRepo) HasExecuted(_ context.Context, leadID, stepID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.execs {
		if e.LeadID == leadID && e.StepID == stepID &&
			(e.Status == models.ExecutionSent || e.Status == models.ExecutionDelivered) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeExecutionRepo) CancelPending(_ context.Context, leadID uint, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.execs {
		if e.LeadID == leadID && e.Status == models.ExecutionPending {
			e.Status = models.ExecutionSkipped
			e.FailureReason = reason
		}
	}
	return nil
}

func (r *fakeExecutionRepo) ByProviderMessageID(_ context.Context, messageID string) (*models.CampaignExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.execs {
		if e.ProviderMessageID == messageID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeExecutionRepo) byStatus(status models.ExecutionStatus) []models.CampaignExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CampaignExecution
	for _, e := range r.execs {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	return out
}

type fakeObjectionRepo struct {
	mu       sync.Mutex
	nextID   uint
	sessions map[string]*models.ObjectionSession
}

func newFakeObjectionRepo() *fakeObjectionRepo {
	return &fakeObjectionRepo{sessions: make(map[string]*models.ObjectionSession)}
}

func objectionKey(leadID uint, objectionType string) string {
	return fmt.Sprintf("%d:%s", leadID, objectionType)
}

func (r *fakeObjectionRepo) GetOrCreate(_ context.Context, teamID, leadID uint, objectionType string, maxRebuttals int) (*models.ObjectionSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := objectionKey(leadID, objectionType)
	if s, ok := r.sessions[key]; ok {
		cp := *s
		return &cp, nil
	}
	r.nextID++
	s := &models.ObjectionSession{
		TeamID:        teamID,
		LeadID:        leadID,
		ObjectionType: objectionType,
		MaxRebuttals:  maxRebuttals,
	}
	s.ID = r.nextID
	r.sessions[key] = s
	cp := *s
	return &cp, nil
}

func (r *fakeObjectionRepo) Save(_ context.Context, session *models.ObjectionSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *session
	r.sessions[objectionKey(session.LeadID, session.ObjectionType)] = &cp
	return nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events []models.LeadEvent
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{}
}

func (r *fakeEventRepo) Append(_ context.Context, event *models.LeadEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.DedupeKey != nil {
		for _, e := range r.events {
			if e.DedupeKey != nil && *e.DedupeKey == *event.DedupeKey {
				return fmt.Errorf("duplicate dedupe key %q", *event.DedupeKey)
			}
		}
	}
	r.events = append(r.events, *event)
	return nil
}

func (r *fakeEventRepo) ForLead(_ context.Context, leadID uint, limit int) ([]models.LeadEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.LeadEvent
	for _, e := range r.events {
		if e.LeadID == leadID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeEventRepo) ofType(leadID uint, eventType models.LeadEventType) []models.LeadEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.LeadEvent
	for _, e := range r.events {
		if e.LeadID == leadID && e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type sentCall struct {
	Req SendRequest
}

// fakeSender records every dispatch and can be programmed to fail.
type fakeSender struct {
	mu    sync.Mutex
	calls []sentCall
	err   error
}

func (s *fakeSender) Send(_ context.Context, req SendRequest) (SendReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return SendReceipt{}, s.err
	}
	s.calls = append(s.calls, sentCall{Req: req})
	return SendReceipt{MessageID: fmt.Sprintf("msg-%d", len(s.calls))}, nil
}

func (s *fakeSender) sent() []sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *fakeSender) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fixedClassifier struct {
	result Classification
	err    error
}

func (c fixedClassifier) Classify(context.Context, string) (Classification, error) {
	return c.result, c.err
}

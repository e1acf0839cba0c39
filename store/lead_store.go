package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"leadflow/engine"
	"leadflow/models"
)

// LeadStore is the GORM-backed engine.LeadRepository.
type LeadStore struct {
	db *gorm.DB
}

func NewLeadStore(db *gorm.DB) *LeadStore {
	return &LeadStore{db: db}
}

func (s *LeadStore) Get(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	if err := s.db.WithContext(ctx).Preload("Tags").First(&lead, id).Error; err != nil {
		return nil, err
	}
	return &lead, nil
}

// ByPhone resolves an inbound webhook's sender to a lead within a team.
// Numbers are normalized on write, so an exact match suffices.
func (s *LeadStore) ByPhone(ctx context.Context, teamID uint, phone string) (*models.Lead, error) {
	var lead models.Lead
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND phone = ?", teamID, phone).
		First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (s *LeadStore) Due(ctx context.Context, now time.Time, limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.db.WithContext(ctx).
		Where("sequence_status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", models.SequenceActive, now).
		Order("next_run_at ASC, id ASC").
		Limit(limit).
		Find(&leads).Error
	return leads, err
}

func (s *LeadStore) RetargetDue(ctx context.Context, cutoff time.Time, limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.db.WithContext(ctx).
		Where("canonical_state = ? AND entered_state_at <= ?", models.StateTouched, cutoff).
		Order("entered_state_at ASC, id ASC").
		Limit(limit).
		Find(&leads).Error
	return leads, err
}

func (s *LeadStore) NudgeDue(ctx context.Context, cutoff time.Time, limit int) ([]models.Lead, error) {
	var leads []models.Lead
	err := s.db.WithContext(ctx).
		Where("canonical_state = ? AND entered_state_at <= ?", models.StateRetargeting, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM lead_tags WHERE lead_tags.lead_id = leads.id AND lead_tags.tag = ? AND lead_tags.deleted_at IS NULL)", engine.TagNudgeEscalated).
		Order("entered_state_at ASC, id ASC").
		Limit(limit).
		Find(&leads).Error
	return leads, err
}

func (s *LeadStore) Save(ctx context.Context, lead *models.Lead) error {
	// Omit the association so tag writes stay explicit through AddTag.
	return s.db.WithContext(ctx).Omit("Tags").Save(lead).Error
}

func (s *LeadStore) AddTag(ctx context.Context, leadID uint, tag string) (bool, error) {
	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.LeadTag{}).
		Where("lead_id = ? AND tag = ?", leadID, tag).
		Count(&existing).Error; err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}
	err := s.db.WithContext(ctx).Create(&models.LeadTag{LeadID: leadID, Tag: tag}).Error
	if err != nil {
		// The unique index makes a concurrent duplicate insert fail; treat
		// it as already-present.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *LeadStore) StateSnapshots(ctx context.Context, teamID uint) ([]engine.StateSnapshot, error) {
	var rows []struct {
		CanonicalState models.LeadState
		EnteredStateAt time.Time
	}
	err := s.db.WithContext(ctx).Model(&models.Lead{}).
		Select("canonical_state, entered_state_at").
		Where("team_id = ?", teamID).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	snapshots := make([]engine.StateSnapshot, 0, len(rows))
	for _, r := range rows {
		snapshots = append(snapshots, engine.StateSnapshot{State: r.CanonicalState, EnteredStateAt: r.EnteredStateAt})
	}
	return snapshots, nil
}

// List returns a team's leads, optionally filtered by canonical state.
func (s *LeadStore) List(ctx context.Context, teamID uint, state models.LeadState, limit, offset int) ([]models.Lead, error) {
	q := s.db.WithContext(ctx).Where("team_id = ?", teamID)
	if state != "" {
		q = q.Where("canonical_state = ?", state)
	}
	var leads []models.Lead
	err := q.Preload("Tags").Order("id ASC").Limit(limit).Offset(offset).Find(&leads).Error
	return leads, err
}

func (s *LeadStore) Create(ctx context.Context, lead *models.Lead) error {
	return s.db.WithContext(ctx).Create(lead).Error
}

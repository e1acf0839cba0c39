package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"leadflow/models"
)

// CampaignStore is the GORM-backed engine.CampaignRepository plus the
// management operations the HTTP layer needs.
type CampaignStore struct {
	db *gorm.DB
}

func NewCampaignStore(db *gorm.DB) *CampaignStore {
	return &CampaignStore{db: db}
}

func (s *CampaignStore) Get(ctx context.Context, id uint) (*models.Campaign, error) {
	var campaign models.Campaign
	err := s.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&campaign, id).Error
	if err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (s *CampaignStore) StepAt(ctx context.Context, campaignID uint, position int) (*models.SequenceStep, error) {
	var step models.SequenceStep
	err := s.db.WithContext(ctx).
		Where("campaign_id = ? AND position = ?", campaignID, position).
		First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (s *CampaignStore) Create(ctx context.Context, campaign *models.Campaign) error {
	return s.db.WithContext(ctx).Create(campaign).Error
}

func (s *CampaignStore) Save(ctx context.Context, campaign *models.Campaign) error {
	return s.db.WithContext(ctx).Omit("Steps").Save(campaign).Error
}

func (s *CampaignStore) List(ctx context.Context, teamID uint) ([]models.Campaign, error) {
	var campaigns []models.Campaign
	err := s.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("id ASC").
		Find(&campaigns).Error
	return campaigns, err
}

// StepExecuted reports whether any lead already executed the step. Executed
// steps are immutable: editing one would rewrite history under leads
// mid-sequence.
func (s *CampaignStore) StepExecuted(ctx context.Context, stepID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CampaignExecution{}).
		Where("step_id = ? AND status IN ?", stepID,
			[]models.ExecutionStatus{models.ExecutionSent, models.ExecutionDelivered}).
		Count(&count).Error
	return count > 0, err
}

// IncrementEnrolled bumps the denormalized enrollment counter.
func (s *CampaignStore) IncrementEnrolled(ctx context.Context, campaignID uint) error {
	return s.db.WithContext(ctx).Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update("enrolled_count", gorm.Expr("enrolled_count + 1")).Error
}

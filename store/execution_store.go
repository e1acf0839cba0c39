package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"leadflow/models"
)

// ExecutionStore is the GORM-backed engine.ExecutionRepository.
type ExecutionStore struct {
	db *gorm.DB
}

func NewExecutionStore(db *gorm.DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

func (s *ExecutionStore) Create(ctx context.Context, exec *models.CampaignExecution) error {
	return s.db.WithContext(ctx).Create(exec).Error
}

func (s *ExecutionStore) Update(ctx context.Context, exec *models.CampaignExecution) error {
	return s.db.WithContext(ctx).Save(exec).Error
}

func (s *ExecutionStore) HasPending(ctx context.Context, leadID, stepID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CampaignExecution{}).
		Where("lead_id = ? AND step_id = ? AND status = ?", leadID, stepID, models.ExecutionPending).
		Count(&count).Error
	return count > 0, err
}

func (s *ExecutionStore) HasExecuted(ctx context.Context, leadID, stepID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CampaignExecution{}).
		Where("lead_id = ? AND step_id = ? AND status IN ?", leadID, stepID,
			[]models.ExecutionStatus{models.ExecutionSent, models.ExecutionDelivered}).
		Count(&count).Error
	return count > 0, err
}

func (s *ExecutionStore) CancelPending(ctx context.Context, leadID uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.CampaignExecution{}).
		Where("lead_id = ? AND status = ?", leadID, models.ExecutionPending).
		Updates(map[string]interface{}{
			"status":         models.ExecutionSkipped,
			"failure_reason": reason,
		}).Error
}

func (s *ExecutionStore) ByProviderMessageID(ctx context.Context, messageID string) (*models.CampaignExecution, error) {
	var exec models.CampaignExecution
	err := s.db.WithContext(ctx).
		Where("provider_message_id = ?", messageID).
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ForLead returns a lead's execution history, newest first.
func (s *ExecutionStore) ForLead(ctx context.Context, leadID uint, limit int) ([]models.CampaignExecution, error) {
	var execs []models.CampaignExecution
	err := s.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("id DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"leadflow/models"
)

// ObjectionStore is the GORM-backed engine.ObjectionSessionRepository.
type ObjectionStore struct {
	db *gorm.DB
}

func NewObjectionStore(db *gorm.DB) *ObjectionStore {
	return &ObjectionStore{db: db}
}

func (s *ObjectionStore) GetOrCreate(ctx context.Context, teamID, leadID uint, objectionType string, maxRebuttals int) (*models.ObjectionSession, error) {
	var session models.ObjectionSession
	err := s.db.WithContext(ctx).
		Where("lead_id = ? AND objection_type = ?", leadID, objectionType).
		First(&session).Error
	if err == nil {
		return &session, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	session = models.ObjectionSession{
		TeamID:        teamID,
		LeadID:        leadID,
		ObjectionType: objectionType,
		MaxRebuttals:  maxRebuttals,
	}
	if createErr := s.db.WithContext(ctx).Create(&session).Error; createErr != nil {
		if isUniqueViolation(createErr) {
			// Lost the race; read the winner's row.
			err = s.db.WithContext(ctx).
				Where("lead_id = ? AND objection_type = ?", leadID, objectionType).
				First(&session).Error
			if err != nil {
				return nil, err
			}
			return &session, nil
		}
		return nil, createErr
	}
	return &session, nil
}

func (s *ObjectionStore) Save(ctx context.Context, session *models.ObjectionSession) error {
	return s.db.WithContext(ctx).Save(session).Error
}

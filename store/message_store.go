package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"leadflow/models"
)

// MessageStore is the GORM-backed gateway.MessageStore. The unique index on
// send_key is what makes Claim race-safe across processes.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) Claim(ctx context.Context, msg *models.OutboundMessage) (*models.OutboundMessage, bool, error) {
	err := s.db.WithContext(ctx).Create(msg).Error
	if err == nil {
		return nil, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, err
	}
	var existing models.OutboundMessage
	if ferr := s.db.WithContext(ctx).Where("send_key = ?", msg.SendKey).First(&existing).Error; ferr != nil {
		return nil, false, fmt.Errorf("load existing message: %w", ferr)
	}
	if existing.Status == "failed" {
		// A failed attempt does not hold the key: take the row over so the
		// retry reaches the provider. The status predicate makes the
		// takeover race-safe against a concurrent claimer.
		res := s.db.WithContext(ctx).Model(&models.OutboundMessage{}).
			Where("id = ? AND status = ?", existing.ID, "failed").
			Updates(map[string]interface{}{
				"status":         "pending",
				"failure_reason": "",
				"body":           msg.Body,
			})
		if res.Error != nil {
			return nil, false, fmt.Errorf("reclaim failed message: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			msg.ID = existing.ID
			msg.CreatedAt = existing.CreatedAt
			return nil, true, nil
		}
		if ferr := s.db.WithContext(ctx).Where("send_key = ?", msg.SendKey).First(&existing).Error; ferr != nil {
			return nil, false, fmt.Errorf("load existing message: %w", ferr)
		}
	}
	return &existing, false, nil
}

func (s *MessageStore) Update(ctx context.Context, msg *models.OutboundMessage) error {
	return s.db.WithContext(ctx).Save(msg).Error
}

// TemplateStore resolves template bodies for the gateway.
type TemplateStore struct {
	db *gorm.DB
}

func NewTemplateStore(db *gorm.DB) *TemplateStore {
	return &TemplateStore{db: db}
}

func (s *TemplateStore) Body(ctx context.Context, templateID string) (string, error) {
	var tmpl models.MessageTemplate
	err := s.db.WithContext(ctx).Where("template_id = ?", templateID).First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("template %q not found", templateID)
	}
	if err != nil {
		return "", err
	}
	return tmpl.Body, nil
}

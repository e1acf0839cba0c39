package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

// EventStore is the GORM-backed engine.EventRepository. The event log is
// append-only; there is no update path.
type EventStore struct {
	db *gorm.DB
}

func NewEventStore(db *gorm.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) Append(ctx context.Context, event *models.LeadEvent) error {
	err := s.db.WithContext(ctx).Create(event).Error
	if err != nil && event.DedupeKey != nil && isUniqueViolation(err) {
		// Duplicate delivery of the same provider event: drop silently.
		return nil
	}
	return err
}

func (s *EventStore) ForLead(ctx context.Context, leadID uint, limit int) ([]models.LeadEvent, error) {
	var events []models.LeadEvent
	err := s.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ReceiptStore persists webhook receipts for inbound idempotency.
type ReceiptStore struct {
	db *gorm.DB
}

func NewReceiptStore(db *gorm.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

// Claim inserts a receipt for (team, idempotency key). Returns false when
// the key was already claimed, meaning the webhook is a duplicate and must
// be acknowledged without reprocessing.
func (s *ReceiptStore) Claim(ctx context.Context, teamID uint, idempotencyKey, webhookType, eventType string) (*models.WebhookReceipt, bool, error) {
	receipt := &models.WebhookReceipt{
		TeamID:         teamID,
		IdempotencyKey: idempotencyKey,
		WebhookType:    webhookType,
		EventType:      eventType,
	}
	if err := s.db.WithContext(ctx).Create(receipt).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return receipt, true, nil
}

// Finish records the processing outcome on a claimed receipt.
func (s *ReceiptStore) Finish(ctx context.Context, receipt *models.WebhookReceipt, result, errorMessage string, now time.Time) error {
	receipt.ProcessedAt = utils.Pointer(now)
	receipt.ProcessingResult = result
	receipt.ErrorMessage = errorMessage
	return s.db.WithContext(ctx).Save(receipt).Error
}

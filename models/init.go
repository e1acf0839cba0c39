package models

import "gorm.io/gorm"

// Migrate runs the schema migration for all models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Team{},
		&Lead{},
		&LeadTag{},
		&Campaign{},
		&SequenceStep{},
		&MessageTemplate{},
		&CampaignExecution{},
		&OutboundMessage{},
		&ObjectionSession{},
		&LeadEvent{},
		&WebhookReceipt{},
	)
}

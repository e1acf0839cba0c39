package models

import "gorm.io/gorm"

// MessageTemplate is the body text behind a sequence step's template ID.
// Placeholders use {name} or {{name}} and are substituted at dispatch time.
type MessageTemplate struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	TemplateID string  `gorm:"not null;uniqueIndex" json:"template_id"`
	Channel    Channel `gorm:"type:varchar(8);not null" json:"channel"`
	Body       string  `gorm:"type:text;not null" json:"body"`
}

package models

import "gorm.io/gorm"

// ObjectionSession tracks the bounded rebuttal exchange for one
// (lead, objection type) pair. RebuttalCount never exceeds MaxRebuttals;
// once the cap is hit the engine signals back-off instead of persuading.
type ObjectionSession struct {
	gorm.Model
	TeamID uint `gorm:"not null;index" json:"team_id"`

	LeadID        uint   `gorm:"not null;uniqueIndex:idx_lead_objection" json:"lead_id"`
	ObjectionType string `gorm:"not null;uniqueIndex:idx_lead_objection" json:"objection_type"`

	RebuttalCount int `gorm:"default:0" json:"rebuttal_count"`
	MaxRebuttals  int `gorm:"not null" json:"max_rebuttals"`
}

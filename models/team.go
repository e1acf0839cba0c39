package models

import "gorm.io/gorm"

// Team is the tenant boundary. Every lead, campaign and event row is scoped
// to a team id carried by the request token.
type Team struct {
	gorm.Model
	Name string `gorm:"not null" json:"name"`

	// bcrypt hash of the token presented by provider webhooks for this team
	WebhookSecretHash string `gorm:"not null" json:"-"`

	IsActive bool `gorm:"default:true" json:"is_active"`
}

package models

import (
	"gorm.io/gorm"
)

// User represents an account that owns contacts, campaigns and automation rules.
// Every domain row is scoped by UserID; there is no implicit default owner.
type User struct {
	gorm.Model

	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`
	Name         string `json:"name"`
	Timezone     string `gorm:"default:'UTC'" json:"timezone"`

	IsActive     bool `gorm:"default:true" json:"is_active"`
	TokenVersion int  `gorm:"default:0" json:"-"`

	// Relations
	Campaigns       []Campaign       `gorm:"foreignKey:UserID" json:"campaigns,omitempty"`
	ContactLists    []ContactList    `gorm:"foreignKey:UserID" json:"contact_lists,omitempty"`
	AutomationRules []AutomationRule `gorm:"foreignKey:UserID" json:"automation_rules,omitempty"`
}

// UserSetting holds the per-owner send pacing configuration used by the
// campaign drain loop.
type UserSetting struct {
	gorm.Model
	UserID uint `gorm:"not null;uniqueIndex" json:"user_id"`

	DelayBetweenEmailsMs  int `gorm:"default:2000" json:"delay_between_emails_ms"`
	BatchSize             int `gorm:"default:10" json:"batch_size"`
	DelayBetweenBatchesMs int `gorm:"default:300000" json:"delay_between_batches_ms"`
}

package models

import (
	"time"

	"gorm.io/gorm"
)

// Campaign statuses. Transitions are monotonic except sending <-> paused.
const (
	CampaignStatusDraft   = "draft"
	CampaignStatusSending = "sending"
	CampaignStatusPaused  = "paused"
	CampaignStatusSent    = "sent"
	CampaignStatusFailed  = "failed"
)

// Campaign represents one bulk email campaign.
type Campaign struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Subject     string `gorm:"not null" json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`

	// Delivery target. The webhook endpoint composes and relays the actual
	// email; this service only decides when and to whom to call it.
	WebhookURL string `json:"webhook_url"`

	Status       string     `gorm:"default:'draft'" json:"status"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage string     `json:"error_message"`

	// Statistics (denormalized; mutated only via atomic increments)
	TotalRecipients int `gorm:"default:0" json:"total_recipients"`
	SentCount       int `gorm:"default:0" json:"sent_count"`
	FailedCount     int `gorm:"default:0" json:"failed_count"`

	// Monotonic counter carried in the webhook payload so the relay can
	// rotate sender identities.
	SenderSequence int `gorm:"default:1" json:"sender_sequence"`

	// Relations
	Lists []CampaignList `gorm:"foreignKey:CampaignID" json:"lists,omitempty"`
	Sends []CampaignSend `gorm:"foreignKey:CampaignID" json:"sends,omitempty"`
}

// CampaignList joins campaigns to contact lists.
type CampaignList struct {
	gorm.Model
	CampaignID    uint `gorm:"not null;index" json:"campaign_id"`
	ContactListID uint `gorm:"not null;index" json:"contact_list_id"`
}

// Send ledger row statuses.
const (
	SendStatusPending = "pending"
	SendStatusSent    = "sent"
	SendStatusFailed  = "failed"
)

// CampaignSend is the per-recipient ledger row. Exactly one row exists per
// (campaign, recipient email) pair, created before any delivery attempt, so
// partial progress is always recoverable from rows still pending or failed.
type CampaignSend struct {
	gorm.Model
	CampaignID   uint   `gorm:"not null;index;uniqueIndex:idx_campaign_sends_recipient" json:"campaign_id"`
	ContactEmail string `gorm:"not null;uniqueIndex:idx_campaign_sends_recipient" json:"contact_email"`

	Status       string     `gorm:"default:'pending';index" json:"status"`
	SentAt       *time.Time `json:"sent_at"`
	ErrorMessage string     `json:"error_message"`
}

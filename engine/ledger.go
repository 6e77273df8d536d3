package engine

import (
	"log"
	"strings"
	"time"

	"mailflow/models"

	"gorm.io/gorm"
)

// Ledger maintains the per-recipient send records of a campaign. Every status
// change also bumps the parent campaign's counters in the same transaction,
// using atomic increments so concurrent invocations cannot lose updates.
type Ledger struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewLedger(db *gorm.DB, logger *log.Logger) *Ledger {
	return &Ledger{DB: db, Logger: logger}
}

// SendStats summarizes a campaign's ledger rows.
type SendStats struct {
	Total   int64 `json:"total"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Pending int64 `json:"pending"`
}

// CreatePending inserts one pending row per recipient, skipping any
// (campaign, email) pair that already has a row. Calling it again for the
// same campaign never duplicates rows, which makes campaign start and resume
// safe to retry.
func (l *Ledger) CreatePending(campaignID uint, recipients []models.Contact) error {
	var existing []string
	if err := l.DB.Model(&models.CampaignSend{}).
		Where("campaign_id = ?", campaignID).
		Pluck("contact_email", &existing).Error; err != nil {
		return err
	}

	have := make(map[string]bool, len(existing))
	for _, e := range existing {
		have[strings.ToLower(e)] = true
	}

	var rows []models.CampaignSend
	for _, c := range recipients {
		email := strings.ToLower(c.Email)
		if have[email] {
			continue
		}
		have[email] = true
		rows = append(rows, models.CampaignSend{
			CampaignID:   campaignID,
			ContactEmail: email,
			Status:       models.SendStatusPending,
		})
	}

	if len(rows) == 0 {
		return nil
	}
	return l.DB.CreateInBatches(rows, 100).Error
}

// MarkSent flips the recipient's row to sent and increments the campaign's
// sent_count. A missing row is logged and ignored.
func (l *Ledger) MarkSent(campaignID uint, email string) error {
	return l.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CampaignSend{}).
			Where("campaign_id = ? AND contact_email = ?", campaignID, strings.ToLower(email)).
			Updates(map[string]interface{}{
				"status":        models.SendStatusSent,
				"sent_at":       time.Now(),
				"error_message": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			l.Logger.Printf("No ledger row for campaign %d recipient %s, skipping sent mark", campaignID, email)
			return nil
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaignID).
			Update("sent_count", gorm.Expr("sent_count + ?", 1)).Error
	})
}

// MarkFailed flips the recipient's row to failed with the reason and
// increments the campaign's failed_count. A missing row is logged and ignored.
func (l *Ledger) MarkFailed(campaignID uint, email, reason string) error {
	return l.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CampaignSend{}).
			Where("campaign_id = ? AND contact_email = ?", campaignID, strings.ToLower(email)).
			Updates(map[string]interface{}{
				"status":        models.SendStatusFailed,
				"error_message": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			l.Logger.Printf("No ledger row for campaign %d recipient %s, skipping failed mark", campaignID, email)
			return nil
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaignID).
			Update("failed_count", gorm.Expr("failed_count + ?", 1)).Error
	})
}

// ListPending returns the emails of rows still awaiting delivery.
func (l *Ledger) ListPending(campaignID uint) ([]string, error) {
	return l.listByStatus(campaignID, models.SendStatusPending)
}

// ListFailed returns the emails of rows whose delivery failed.
func (l *Ledger) ListFailed(campaignID uint) ([]string, error) {
	return l.listByStatus(campaignID, models.SendStatusFailed)
}

func (l *Ledger) listByStatus(campaignID uint, status string) ([]string, error) {
	var emails []string
	err := l.DB.Model(&models.CampaignSend{}).
		Where("campaign_id = ? AND status = ?", campaignID, status).
		Order("id").
		Pluck("contact_email", &emails).Error
	return emails, err
}

// ResetFailed flips failed rows back to pending so a resume re-attempts them.
// The campaign's failed_count is decremented by the number of rows reset.
func (l *Ledger) ResetFailed(campaignID uint) error {
	return l.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CampaignSend{}).
			Where("campaign_id = ? AND status = ?", campaignID, models.SendStatusFailed).
			Updates(map[string]interface{}{
				"status":        models.SendStatusPending,
				"error_message": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return tx.Model(&models.Campaign{}).
			Where("id = ?", campaignID).
			Update("failed_count", gorm.Expr("failed_count - ?", res.RowsAffected)).Error
	})
}

// Stats returns the ledger counts for a campaign. Missing rows yield zeroed
// counts, never an error.
func (l *Ledger) Stats(campaignID uint) SendStats {
	var stats SendStats
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := l.DB.Model(&models.CampaignSend{}).
		Select("status, COUNT(*) AS n").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error; err != nil {
		l.Logger.Printf("Failed to load send stats for campaign %d: %v", campaignID, err)
		return stats
	}
	for _, r := range rows {
		stats.Total += r.N
		switch r.Status {
		case models.SendStatusSent:
			stats.Sent = r.N
		case models.SendStatusFailed:
			stats.Failed = r.N
		case models.SendStatusPending:
			stats.Pending = r.N
		}
	}
	return stats
}

package worker

import (
	"context"
	"log"
	"time"

	"mailflow/engine"
	"mailflow/models"

	"gorm.io/gorm"
)

// CampaignReaper recovers campaigns orphaned by a crash or restart: rows stuck
// in sending with pending ledger entries but no live drain are resumed so
// they pick up exactly where they left off.
type CampaignReaper struct {
	db           *gorm.DB
	orchestrator *engine.Orchestrator
	logger       *log.Logger
	interval     time.Duration
}

func NewCampaignReaper(db *gorm.DB, orchestrator *engine.Orchestrator, logger *log.Logger) *CampaignReaper {
	return &CampaignReaper{
		db:           db,
		orchestrator: orchestrator,
		logger:       logger,
		interval:     2 * time.Minute,
	}
}

func (cr *CampaignReaper) Start(ctx context.Context) {
	cr.logger.Println("Starting campaign reaper...")
	ticker := time.NewTicker(cr.interval)

	for {
		select {
		case <-ticker.C:
			cr.reapOrphans()
		case <-ctx.Done():
			cr.logger.Println("Stopping campaign reaper...")
			ticker.Stop()
			return
		}
	}
}

func (cr *CampaignReaper) reapOrphans() {
	var campaigns []models.Campaign
	if err := cr.db.Where("status = ?", models.CampaignStatusSending).Find(&campaigns).Error; err != nil {
		cr.logger.Printf("Failed to list sending campaigns: %v", err)
		return
	}

	for i := range campaigns {
		campaign := &campaigns[i]
		if cr.orchestrator.HasActiveDrain(campaign.ID) {
			continue
		}

		stats := cr.orchestrator.Ledger.Stats(campaign.ID)
		if stats.Pending == 0 {
			continue
		}

		cr.logger.Printf("Campaign %d has %d pending sends and no active drain, resuming", campaign.ID, stats.Pending)
		if _, err := cr.orchestrator.Resume(campaign); err != nil {
			cr.logger.Printf("Failed to resume orphaned campaign %d: %v", campaign.ID, err)
		}
	}
}

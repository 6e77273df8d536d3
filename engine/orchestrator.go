package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"mailflow/models"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Orchestrator state errors, mapped to HTTP statuses by the controllers.
var (
	ErrAlreadyRunning = errors.New("campaign is already sending")
	ErrAlreadyDone    = errors.New("campaign has already been sent")
	ErrNotStartable   = errors.New("campaign can only be started from draft")
	ErrNotPausable    = errors.New("campaign is not sending")
	ErrNotResumable   = errors.New("campaign is not paused")
	ErrNoRecipients   = errors.New("no subscribed contacts found for the selected lists")
)

const drainLockTTL = 10 * time.Minute

// Orchestrator drives a campaign through draft -> sending -> sent/failed,
// with sending <-> paused. One orchestrator serves all campaigns; per-campaign
// drains are serialized through a process-local guard plus an optional Redis
// lock so concurrent deployments cannot double-send.
type Orchestrator struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Logger    *log.Logger
	Transport Transport
	Resolver  *Resolver
	Ledger    *Ledger

	// UnsubscribeBaseURL, when set, is used to build the unsubscribe link
	// carried in each delivery payload.
	UnsubscribeBaseURL string

	// PacerFor is injectable for tests; defaults to LoadPacer.
	PacerFor func(userID uint) *Pacer

	draining sync.Map // campaignID -> struct{}
	wg       sync.WaitGroup
}

func NewOrchestrator(db *gorm.DB, rdb *redis.Client, transport Transport, logger *log.Logger) *Orchestrator {
	o := &Orchestrator{
		DB:        db,
		Redis:     rdb,
		Logger:    logger,
		Transport: transport,
		Resolver:  NewResolver(db, logger),
		Ledger:    NewLedger(db, logger),
	}
	o.PacerFor = func(userID uint) *Pacer { return LoadPacer(db, userID) }
	return o
}

// Start resolves the campaign's recipients, writes the pending ledger rows,
// moves the campaign to sending and drains it in the background. Only valid
// from draft; sending and sent report distinct errors so callers can treat
// them as idempotent no-ops.
func (o *Orchestrator) Start(campaign *models.Campaign, listIDs []uint) (int, error) {
	switch campaign.Status {
	case models.CampaignStatusDraft:
	case models.CampaignStatusSending:
		return 0, ErrAlreadyRunning
	case models.CampaignStatusSent:
		return 0, ErrAlreadyDone
	default:
		return 0, ErrNotStartable
	}

	contacts, err := o.Resolver.Resolve(campaign.UserID, listIDs)
	if err != nil {
		return 0, err
	}
	if len(contacts) == 0 {
		return 0, ErrNoRecipients
	}

	if err := o.Ledger.CreatePending(campaign.ID, contacts); err != nil {
		return 0, fmt.Errorf("failed to create send records: %w", err)
	}

	now := time.Now()
	if err := o.DB.Model(campaign).Updates(map[string]interface{}{
		"status":           models.CampaignStatusSending,
		"total_recipients": len(contacts),
		"started_at":       now,
		"error_message":    "",
	}).Error; err != nil {
		return 0, err
	}

	o.spawnDrain(campaign.ID, campaign.UserID, contacts)
	return len(contacts), nil
}

// Pause requests a cooperative stop. The drain loop observes it at the next
// batch boundary; in-flight batch sends always complete.
func (o *Orchestrator) Pause(campaign *models.Campaign) error {
	if campaign.Status != models.CampaignStatusSending {
		return ErrNotPausable
	}
	return o.DB.Model(campaign).Update("status", models.CampaignStatusPaused).Error
}

// Resume re-attempts exactly the rows still pending or failed. Failed rows
// are reset to pending first so the conservation invariant holds while they
// are re-tried. Valid from paused, and from sending for crash recovery when
// no drain is live.
func (o *Orchestrator) Resume(campaign *models.Campaign) (int, error) {
	if campaign.Status != models.CampaignStatusPaused && campaign.Status != models.CampaignStatusSending {
		return 0, ErrNotResumable
	}

	if err := o.Ledger.ResetFailed(campaign.ID); err != nil {
		return 0, err
	}
	emails, err := o.Ledger.ListPending(campaign.ID)
	if err != nil {
		return 0, err
	}
	if len(emails) == 0 {
		// Nothing left to send; finalize instead of re-draining.
		return 0, o.finalize(campaign.ID)
	}

	contacts, err := o.Resolver.ResolveByEmails(campaign.UserID, emails)
	if err != nil {
		return 0, err
	}

	// Pending rows whose contact has unsubscribed or been deleted since the
	// campaign started can never be delivered. Fail them now so the campaign
	// can still reach a terminal state.
	resolved := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		resolved[strings.ToLower(c.Email)] = true
	}
	for _, email := range emails {
		if resolved[strings.ToLower(email)] {
			continue
		}
		if err := o.Ledger.MarkFailed(campaign.ID, email, "contact unsubscribed or deleted"); err != nil {
			return 0, err
		}
	}
	if len(contacts) == 0 {
		return 0, o.finalize(campaign.ID)
	}

	if err := o.DB.Model(campaign).Update("status", models.CampaignStatusSending).Error; err != nil {
		return 0, err
	}

	o.spawnDrain(campaign.ID, campaign.UserID, contacts)
	return len(contacts), nil
}

// Wait blocks until every in-flight drain has finished. Used by shutdown
// and by tests.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) spawnDrain(campaignID, userID uint, contacts []models.Contact) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.drain(campaignID, userID, contacts)
	}()
}

// drain is the sequential send loop. Recipients are processed in resolver
// order, batch by batch; the campaign status is re-read once per batch so a
// pause takes effect at the next boundary. A per-recipient delivery failure
// marks that row failed and continues; only an unexpected infrastructure
// error fails the whole campaign.
func (o *Orchestrator) drain(campaignID, userID uint, contacts []models.Contact) {
	if !o.acquireDrainLock(campaignID) {
		o.Logger.Printf("Campaign %d already has an active drain, skipping", campaignID)
		return
	}
	defer o.releaseDrainLock(campaignID)

	pacer := o.PacerFor(userID)
	batches := pacer.Batches(len(contacts))
	o.Logger.Printf("Draining campaign %d: %d recipients in %d batches", campaignID, len(contacts), len(batches))

	for b, rng := range batches {
		var campaign models.Campaign
		if err := o.DB.First(&campaign, campaignID).Error; err != nil {
			o.failCampaign(campaignID, fmt.Errorf("failed to reload campaign: %w", err))
			return
		}
		if campaign.Status == models.CampaignStatusPaused {
			o.Logger.Printf("Campaign %d paused at batch %d/%d, stopping drain", campaignID, b+1, len(batches))
			return
		}
		if campaign.Status != models.CampaignStatusSending {
			o.Logger.Printf("Campaign %d is %s, stopping drain", campaignID, campaign.Status)
			return
		}

		batch := contacts[rng[0]:rng[1]]
		for i := range batch {
			contact := &batch[i]
			o.sendOne(&campaign, contact)
			pacer.AfterSend(i, len(batch))
		}
		pacer.AfterBatch(b, len(batches))
	}

	if err := o.finalize(campaignID); err != nil {
		o.failCampaign(campaignID, fmt.Errorf("failed to finalize campaign: %w", err))
	}
}

func (o *Orchestrator) sendOne(campaign *models.Campaign, contact *models.Contact) {
	seq := o.nextSenderSequence(campaign.ID)

	d := Delivery{
		WebhookURL:     campaign.WebhookURL,
		To:             contact.Email,
		Subject:        Render(campaign.Subject, contact),
		HTML:           Render(campaign.HTMLContent, contact),
		MessageID:      uuid.New().String(),
		CampaignID:     campaign.ID,
		SenderSequence: seq,
		UnsubscribeURL: o.unsubscribeURL(contact.ID, campaign.ID),
		Contact: DeliveryContact{
			ID:        contact.ID,
			Email:     contact.Email,
			FirstName: contact.FirstName,
			LastName:  contact.LastName,
			Name:      ContactName(contact),
		},
	}

	if err := o.Transport.Deliver(context.Background(), d); err != nil {
		o.Logger.Printf("Campaign %d delivery to %s failed: %v", campaign.ID, contact.Email, err)
		if err := o.Ledger.MarkFailed(campaign.ID, contact.Email, err.Error()); err != nil {
			o.Logger.Printf("Failed to mark %s failed for campaign %d: %v", contact.Email, campaign.ID, err)
		}
		return
	}
	if err := o.Ledger.MarkSent(campaign.ID, contact.Email); err != nil {
		o.Logger.Printf("Failed to mark %s sent for campaign %d: %v", contact.Email, campaign.ID, err)
	}
}

func (o *Orchestrator) unsubscribeURL(contactID, campaignID uint) string {
	if o.UnsubscribeBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s?contact_id=%d&campaign_id=%d", o.UnsubscribeBaseURL, contactID, campaignID)
}

// nextSenderSequence atomically claims the next sequence number for the
// campaign and returns the claimed value.
func (o *Orchestrator) nextSenderSequence(campaignID uint) int {
	if err := o.DB.Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Update("sender_sequence", gorm.Expr("sender_sequence + ?", 1)).Error; err != nil {
		o.Logger.Printf("Failed to advance sender sequence for campaign %d: %v", campaignID, err)
	}
	var campaign models.Campaign
	if err := o.DB.Select("sender_sequence").First(&campaign, campaignID).Error; err != nil {
		return 0
	}
	return campaign.SenderSequence - 1
}

// finalize marks the campaign sent once no pending rows remain. A campaign
// with failed recipients is still sent overall; failed_count is the visible
// signal for partial failure.
func (o *Orchestrator) finalize(campaignID uint) error {
	stats := o.Ledger.Stats(campaignID)
	if stats.Pending > 0 {
		return nil
	}
	now := time.Now()
	return o.DB.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", campaignID,
			[]string{models.CampaignStatusSending, models.CampaignStatusPaused}).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusSent,
			"completed_at": now,
		}).Error
}

func (o *Orchestrator) failCampaign(campaignID uint, cause error) {
	o.Logger.Printf("Fatal error draining campaign %d: %v", campaignID, cause)
	sentry.CaptureException(cause)
	if err := o.DB.Model(&models.Campaign{}).
		Where("id = ?", campaignID).
		Updates(map[string]interface{}{
			"status":        models.CampaignStatusFailed,
			"error_message": cause.Error(),
		}).Error; err != nil {
		o.Logger.Printf("Failed to mark campaign %d failed: %v", campaignID, err)
	}
}

// HasActiveDrain reports whether a drain currently holds the campaign's lock.
// Used by the reaper to detect campaigns orphaned by a crash.
func (o *Orchestrator) HasActiveDrain(campaignID uint) bool {
	if _, ok := o.draining.Load(campaignID); ok {
		return true
	}
	if o.Redis != nil {
		n, err := o.Redis.Exists(context.Background(), drainLockKey(campaignID)).Result()
		if err == nil && n > 0 {
			return true
		}
	}
	return false
}

func (o *Orchestrator) acquireDrainLock(campaignID uint) bool {
	if _, loaded := o.draining.LoadOrStore(campaignID, struct{}{}); loaded {
		return false
	}
	if o.Redis != nil {
		ok, err := o.Redis.SetNX(context.Background(), drainLockKey(campaignID), 1, drainLockTTL).Result()
		if err != nil {
			o.Logger.Printf("Redis drain lock for campaign %d failed: %v, proceeding locally", campaignID, err)
			return true
		}
		if !ok {
			o.draining.Delete(campaignID)
			return false
		}
	}
	return true
}

func (o *Orchestrator) releaseDrainLock(campaignID uint) {
	o.draining.Delete(campaignID)
	if o.Redis != nil {
		o.Redis.Del(context.Background(), drainLockKey(campaignID))
	}
}

func drainLockKey(campaignID uint) string {
	return fmt.Sprintf("campaign:drain:%d", campaignID)
}

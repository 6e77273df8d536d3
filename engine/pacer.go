package engine

import (
	"time"

	"mailflow/models"

	"gorm.io/gorm"
)

// Pacing defaults, applied when the owner has no settings row.
const (
	DefaultDelayBetweenEmailsMs  = 2000
	DefaultBatchSize             = 10
	DefaultDelayBetweenBatchesMs = 300000
)

// Pacer spaces out a campaign's sends: a delay after each send except the
// last of a batch, and a longer delay after each batch except the last.
// This is a cooperative blocking delay, not a rate limiter; the drain loop
// is strictly sequential.
type Pacer struct {
	DelayBetweenEmails  time.Duration
	BatchSize           int
	DelayBetweenBatches time.Duration

	// Injectable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

// LoadPacer reads the owner's pacing settings, falling back to defaults for
// a missing row or non-positive values.
func LoadPacer(db *gorm.DB, userID uint) *Pacer {
	p := &Pacer{
		DelayBetweenEmails:  DefaultDelayBetweenEmailsMs * time.Millisecond,
		BatchSize:           DefaultBatchSize,
		DelayBetweenBatches: DefaultDelayBetweenBatchesMs * time.Millisecond,
		Sleep:               time.Sleep,
	}

	var settings models.UserSetting
	if err := db.Where("user_id = ?", userID).First(&settings).Error; err != nil {
		return p
	}
	if settings.DelayBetweenEmailsMs > 0 {
		p.DelayBetweenEmails = time.Duration(settings.DelayBetweenEmailsMs) * time.Millisecond
	}
	if settings.BatchSize > 0 {
		p.BatchSize = settings.BatchSize
	}
	if settings.DelayBetweenBatchesMs > 0 {
		p.DelayBetweenBatches = time.Duration(settings.DelayBetweenBatchesMs) * time.Millisecond
	}
	return p
}

// Batches splits n items into batch index ranges of BatchSize.
func (p *Pacer) Batches(n int) [][2]int {
	var ranges [][2]int
	for start := 0; start < n; start += p.BatchSize {
		end := start + p.BatchSize
		if end > n {
			end = n
		}
		ranges = append(ranges, [2]int{start, end})
	}
	return ranges
}

// AfterSend blocks between two sends of the same batch. i is the item's index
// within its batch of batchLen items.
func (p *Pacer) AfterSend(i, batchLen int) {
	if i < batchLen-1 && p.DelayBetweenEmails > 0 {
		p.Sleep(p.DelayBetweenEmails)
	}
}

// AfterBatch blocks between two batches. b is the batch index of batches.
func (p *Pacer) AfterBatch(b, batches int) {
	if b < batches-1 && p.DelayBetweenBatches > 0 {
		p.Sleep(p.DelayBetweenBatches)
	}
}

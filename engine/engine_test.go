package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"mailflow/config"
	"mailflow/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, config.MigrateDB(db))
	return db
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func createUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{
		Email:        uuid.NewString() + "@example.com",
		PasswordHash: "x",
		IsActive:     true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func createContact(t *testing.T, db *gorm.DB, userID uint, email, firstName string, tags ...string) *models.Contact {
	t.Helper()
	contact := &models.Contact{
		UserID:    userID,
		Email:     email,
		FirstName: firstName,
		Tags:      tags,
		Status:    "subscribed",
	}
	require.NoError(t, db.Create(contact).Error)
	return contact
}

func createList(t *testing.T, db *gorm.DB, userID uint, contacts ...*models.Contact) *models.ContactList {
	t.Helper()
	list := &models.ContactList{UserID: userID, Name: "list-" + uuid.NewString()}
	require.NoError(t, db.Create(list).Error)
	for _, c := range contacts {
		require.NoError(t, db.Create(&models.ContactListMembership{
			ContactID:     c.ID,
			ContactListID: list.ID,
		}).Error)
	}
	return list
}

func createCampaign(t *testing.T, db *gorm.DB, userID uint) *models.Campaign {
	t.Helper()
	campaign := &models.Campaign{
		UserID:      userID,
		Name:        "Launch",
		Subject:     "Hi {{name}}",
		HTMLContent: "<p>Hello {{email}}</p>",
		WebhookURL:  "https://hooks.example.com/send",
		Status:      models.CampaignStatusDraft,
	}
	require.NoError(t, db.Create(campaign).Error)
	return campaign
}

// fakeTransport records deliveries and can fail selected recipients.
type fakeTransport struct {
	mu        sync.Mutex
	delivered []Delivery
	failFor   map[string]error
	onDeliver func(d Delivery)
}

func (f *fakeTransport) Deliver(_ context.Context, d Delivery) error {
	f.mu.Lock()
	hook := f.onDeliver
	err := f.failFor[d.To]
	if err == nil {
		f.delivered = append(f.delivered, d)
	}
	f.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return err
}

func (f *fakeTransport) deliveries() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Delivery, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func (f *fakeTransport) recipients() []string {
	var out []string
	for _, d := range f.deliveries() {
		out = append(out, d.To)
	}
	return out
}

func noSleepPacer(batchSize int) *Pacer {
	return &Pacer{
		DelayBetweenEmails:  time.Millisecond,
		BatchSize:           batchSize,
		DelayBetweenBatches: time.Millisecond,
		Sleep:               func(time.Duration) {},
	}
}

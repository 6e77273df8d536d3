package engine

import (
	"errors"
	"log"
	"sort"
	"strings"

	"mailflow/models"

	"gorm.io/gorm"
)

// ErrNoLists is returned when a campaign start is attempted with no target
// lists selected. Starting with no lists must fail loudly, never fall back
// to sending to everyone.
var ErrNoLists = errors.New("no lists selected")

// Resolver produces the set of contacts eligible to receive a campaign.
type Resolver struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewResolver(db *gorm.DB, logger *log.Logger) *Resolver {
	return &Resolver{DB: db, Logger: logger}
}

// Resolve returns the deduplicated, subscribed contacts belonging to at least
// one of the given lists, owned by userID. Dedup key is the lowercase email;
// output is sorted by contact ID so repeated resolves process recipients in
// the same order.
func (r *Resolver) Resolve(userID uint, listIDs []uint) ([]models.Contact, error) {
	if len(listIDs) == 0 {
		return nil, ErrNoLists
	}

	var contacts []models.Contact
	err := r.DB.
		Joins("JOIN contact_list_memberships m ON m.contact_id = contacts.id AND m.deleted_at IS NULL").
		Where("m.contact_list_id IN ?", listIDs).
		Where("contacts.user_id = ? AND contacts.status = ?", userID, "subscribed").
		Find(&contacts).Error
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(contacts))
	unique := contacts[:0]
	for _, c := range contacts {
		key := strings.ToLower(c.Email)
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, c)
	}

	sort.Slice(unique, func(i, j int) bool { return unique[i].ID < unique[j].ID })
	return unique, nil
}

// ResolveByEmails returns the subscribed contacts for a set of ledger emails,
// used when resuming a campaign from its pending rows.
func (r *Resolver) ResolveByEmails(userID uint, emails []string) ([]models.Contact, error) {
	if len(emails) == 0 {
		return nil, nil
	}

	lowered := make([]string, 0, len(emails))
	for _, e := range emails {
		lowered = append(lowered, strings.ToLower(e))
	}

	var contacts []models.Contact
	err := r.DB.
		Where("user_id = ? AND status = ?", userID, "subscribed").
		Where("LOWER(email) IN ?", lowered).
		Find(&contacts).Error
	if err != nil {
		return nil, err
	}

	sort.Slice(contacts, func(i, j int) bool { return contacts[i].ID < contacts[j].ID })
	return contacts, nil
}

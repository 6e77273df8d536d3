package models

import (
	"strings"

	"gorm.io/gorm"
)

// Contact represents a single recipient. Email is stored lowercase and is
// unique per owning user. Contacts are never hard-deleted; unsubscribing
// flips Status to "unsubscribed".
type Contact struct {
	gorm.Model
	UserID uint `gorm:"not null;index;uniqueIndex:idx_contacts_owner_email" json:"user_id"`

	Email     string `gorm:"not null;uniqueIndex:idx_contacts_owner_email" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`

	// Free-form tag set, case-insensitive, deduplicated. Mutated by automation
	// steps and the tag endpoints.
	Tags []string `gorm:"type:jsonb;serializer:json" json:"tags"`

	Status string `gorm:"default:'subscribed'" json:"status"` // subscribed, unsubscribed

	// Relations
	Memberships []ContactListMembership `gorm:"foreignKey:ContactID" json:"memberships,omitempty"`
}

// HasTag reports whether the contact carries the tag, case-insensitively.
func (c *Contact) HasTag(tag string) bool {
	want := strings.ToLower(strings.TrimSpace(tag))
	for _, t := range c.Tags {
		if strings.ToLower(strings.TrimSpace(t)) == want {
			return true
		}
	}
	return false
}

// AddTag appends the tag unless an equal tag (case-insensitive) already exists.
// Returns true if the tag set changed.
func (c *Contact) AddTag(tag string) bool {
	if strings.TrimSpace(tag) == "" || c.HasTag(tag) {
		return false
	}
	c.Tags = append(c.Tags, tag)
	return true
}

// RemoveTag drops every tag equal (case-insensitive) to the given one.
// Returns true if the tag set changed.
func (c *Contact) RemoveTag(tag string) bool {
	want := strings.ToLower(strings.TrimSpace(tag))
	kept := c.Tags[:0]
	changed := false
	for _, t := range c.Tags {
		if strings.ToLower(strings.TrimSpace(t)) == want {
			changed = true
			continue
		}
		kept = append(kept, t)
	}
	c.Tags = kept
	return changed
}

// ContactList represents a named list of contacts.
type ContactList struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Relations
	Memberships []ContactListMembership `gorm:"foreignKey:ContactListID" json:"memberships,omitempty"`
}

// ContactListMembership joins contacts to lists.
type ContactListMembership struct {
	gorm.Model
	ContactID     uint `gorm:"not null;index" json:"contact_id"`
	ContactListID uint `gorm:"not null;index" json:"contact_list_id"`
}

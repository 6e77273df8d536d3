package engine

import (
	"strconv"
	"strings"

	"mailflow/models"
)

// ContactName returns the display name used for the {{name}} placeholder:
// the first name, falling back to the email's local part, then "Friend".
func ContactName(contact *models.Contact) string {
	if contact.FirstName != "" {
		return contact.FirstName
	}
	if at := strings.Index(contact.Email, "@"); at > 0 {
		return contact.Email[:at]
	}
	return "Friend"
}

// Render substitutes the supported placeholders into a subject or HTML body.
// Unknown placeholders are left untouched.
func Render(content string, contact *models.Contact) string {
	replacer := strings.NewReplacer(
		"{{name}}", ContactName(contact),
		"{{email}}", contact.Email,
		"{{contact_id}}", strconv.FormatUint(uint64(contact.ID), 10),
		"{{first_name}}", contact.FirstName,
		"{{last_name}}", contact.LastName,
	)
	return replacer.Replace(content)
}

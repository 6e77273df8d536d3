package controller

import (
	"crypto/subtle"
	"errors"
	"log"
	"strings"

	"mailflow/config"
	"mailflow/engine"
	"mailflow/models"
	"mailflow/utils"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type ContactController struct {
	DB         *gorm.DB
	Logger     *log.Logger
	StepEngine *engine.StepEngine
}

func NewContactController(db *gorm.DB, stepEngine *engine.StepEngine, logger *log.Logger) *ContactController {
	return &ContactController{
		DB:         db,
		Logger:     logger,
		StepEngine: stepEngine,
	}
}

type ContactInput struct {
	Email     string   `json:"email" validate:"required,email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Phone     string   `json:"phone"`
	Tags      []string `json:"tags"`
	ListIDs   []uint   `json:"list_ids"`
}

func (cc *ContactController) CreateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input ContactInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if err := checkmail.ValidateFormat(email); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid email format",
		})
	}

	var existing models.Contact
	if err := cc.DB.Where("user_id = ? AND email = ?", user.ID, email).First(&existing).Error; err == nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Contact with this email already exists",
		})
	}

	tx := cc.DB.Begin()

	contact := models.Contact{
		UserID:    user.ID,
		Email:     email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Phone:     input.Phone,
		Tags:      input.Tags,
		Status:    "subscribed",
	}
	if err := tx.Create(&contact).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create contact",
		})
	}

	for _, listID := range input.ListIDs {
		if err := tx.Create(&models.ContactListMembership{
			ContactID:     contact.ID,
			ContactListID: listID,
		}).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to add contact to list",
			})
		}
	}

	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create contact",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(contact)
}

func (cc *ContactController) GetContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	perPage := c.QueryInt("per_page", 50)
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	query := cc.DB.Model(&models.Contact{}).Where("user_id = ?", user.ID)
	if tag := c.Query("tag"); tag != "" {
		query = query.Where("tags::text ILIKE ?", "%"+tag+"%")
	}
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	query.Count(&total)

	var contacts []models.Contact
	if err := query.Order("created_at DESC").
		Offset((page - 1) * perPage).Limit(perPage).
		Find(&contacts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch contacts",
		})
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  contacts,
		Total: total,
		Page:  page,
		Limit: perPage,
	})
}

func (cc *ContactController) GetContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	contact, err := cc.findContact(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	return c.JSON(contact)
}

func (cc *ContactController) UpdateContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	contact, err := cc.findContact(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	var input ContactInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	contact.FirstName = input.FirstName
	contact.LastName = input.LastName
	contact.Phone = input.Phone

	if err := cc.DB.Save(contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update contact",
		})
	}

	return c.JSON(contact)
}

func (cc *ContactController) DeleteContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	contact, err := cc.findContact(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	if err := cc.DB.Delete(contact).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete contact",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// UnsubscribeContact flips the contact to unsubscribed. Resolution and the
// automation engine both skip unsubscribed contacts from that point on.
func (cc *ContactController) UnsubscribeContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	contact, err := cc.findContact(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	if err := cc.DB.Model(contact).Update("status", "unsubscribed").Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to unsubscribe contact",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

type TagInput struct {
	Tag string `json:"tag" validate:"required"`
}

// AddContactTag adds a tag and, when the tag set actually changed, fires
// matching tag_added automation rules.
func (cc *ContactController) AddContactTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	contact, err := cc.findContact(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	var input TagInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	changed := contact.AddTag(input.Tag)
	if changed {
		if err := cc.DB.Model(contact).Update("tags", contact.Tags).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update tags",
			})
		}
		if _, err := cc.StepEngine.Trigger(contact.ID, models.TriggerTagAdded, input.Tag); err != nil {
			cc.Logger.Printf("Failed to trigger tag_added automations for contact %d: %v", contact.ID, err)
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"changed": changed,
		"tags":    contact.Tags,
	})
}

// RemoveContactTag drops a tag and, when the tag set actually changed, fires
// matching tag_removed automation rules.
func (cc *ContactController) RemoveContactTag(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	contact, err := cc.findContact(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	var input TagInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	changed := contact.RemoveTag(input.Tag)
	if changed {
		if err := cc.DB.Model(contact).Update("tags", contact.Tags).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update tags",
			})
		}
		if _, err := cc.StepEngine.Trigger(contact.ID, models.TriggerTagRemoved, input.Tag); err != nil {
			cc.Logger.Printf("Failed to trigger tag_removed automations for contact %d: %v", contact.ID, err)
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"changed": changed,
		"tags":    contact.Tags,
	})
}

type SyncContactInput struct {
	UserID    uint     `json:"user_id" validate:"required"`
	Email     string   `json:"email" validate:"required,email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Phone     string   `json:"phone"`
	Tags      []string `json:"tags"`
	Status    string   `json:"status" validate:"omitempty,oneof=subscribed unsubscribed"`
}

type SyncInput struct {
	Contacts []SyncContactInput `json:"contacts" validate:"required,min=1,dive"`
}

// SyncContacts upserts contacts pushed from an external system. The endpoint
// is unauthenticated but guarded by a shared secret in the X-Sync-Secret
// header.
func (cc *ContactController) SyncContacts(c *fiber.Ctx) error {
	secret := config.AppConfig.SyncWebhookSecret
	if secret == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Contact sync is not configured",
		})
	}
	provided := c.Get("X-Sync-Secret")
	if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid sync secret",
		})
	}

	var input SyncInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	created, updated := 0, 0
	for _, in := range input.Contacts {
		email := strings.ToLower(strings.TrimSpace(in.Email))
		if checkmail.ValidateFormat(email) != nil {
			continue
		}

		var contact models.Contact
		err := cc.DB.Where("user_id = ? AND email = ?", in.UserID, email).First(&contact).Error
		switch {
		case err == nil:
			contact.FirstName = in.FirstName
			contact.LastName = in.LastName
			contact.Phone = in.Phone
			if in.Tags != nil {
				contact.Tags = in.Tags
			}
			if in.Status != "" {
				contact.Status = in.Status
			}
			if err := cc.DB.Save(&contact).Error; err != nil {
				cc.Logger.Printf("Sync: failed to update contact %s: %v", email, err)
				continue
			}
			updated++
		case errors.Is(err, gorm.ErrRecordNotFound):
			status := in.Status
			if status == "" {
				status = "subscribed"
			}
			contact = models.Contact{
				UserID:    in.UserID,
				Email:     email,
				FirstName: in.FirstName,
				LastName:  in.LastName,
				Phone:     in.Phone,
				Tags:      in.Tags,
				Status:    status,
			}
			if err := cc.DB.Create(&contact).Error; err != nil {
				cc.Logger.Printf("Sync: failed to create contact %s: %v", email, err)
				continue
			}
			created++
		default:
			cc.Logger.Printf("Sync: lookup failed for %s: %v", email, err)
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"created": created,
		"updated": updated,
	})
}

func (cc *ContactController) findContact(id string, userID uint) (*models.Contact, error) {
	var contact models.Contact
	if err := cc.DB.Where("id = ? AND user_id = ?", id, userID).First(&contact).Error; err != nil {
		return nil, err
	}
	return &contact, nil
}

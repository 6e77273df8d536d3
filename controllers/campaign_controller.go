package controller

import (
	"errors"
	"log"

	"mailflow/engine"
	"mailflow/models"
	"mailflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type CampaignController struct {
	DB           *gorm.DB
	Logger       *log.Logger
	Orchestrator *engine.Orchestrator
}

func NewCampaignController(db *gorm.DB, orchestrator *engine.Orchestrator, logger *log.Logger) *CampaignController {
	return &CampaignController{
		DB:           db,
		Logger:       logger,
		Orchestrator: orchestrator,
	}
}

type CampaignInput struct {
	Name        string `json:"name" validate:"required"`
	Subject     string `json:"subject" validate:"required"`
	HTMLContent string `json:"html_content"`
	WebhookURL  string `json:"webhook_url" validate:"omitempty,url"`
	ListIDs     []uint `json:"list_ids"`
}

func (cc *CampaignController) CreateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input CampaignInput
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

	tx := cc.DB.Begin()

	campaign := models.Campaign{
		UserID:      user.ID,
		Name:        input.Name,
		Subject:     input.Subject,
		HTMLContent: input.HTMLContent,
		WebhookURL:  input.WebhookURL,
		Status:      models.CampaignStatusDraft,
	}
	if err := tx.Create(&campaign).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	for _, listID := range input.ListIDs {
		if err := tx.Create(&models.CampaignList{
			CampaignID:    campaign.ID,
			ContactListID: listID,
		}).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to associate list with campaign",
			})
		}
	}

	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create campaign",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(campaign)
}

func (cc *CampaignController) GetCampaigns(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var campaigns []models.Campaign
	if err := cc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&campaigns).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch campaigns",
		})
	}

	return c.JSON(campaigns)
}

func (cc *CampaignController) GetCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.findCampaign(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	return c.JSON(campaign)
}

func (cc *CampaignController) UpdateCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.findCampaign(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	if campaign.Status != models.CampaignStatusDraft {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Only draft campaigns can be edited",
		})
	}

	var input CampaignInput
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

	tx := cc.DB.Begin()

	if err := tx.Model(campaign).Updates(map[string]interface{}{
		"name":         input.Name,
		"subject":      input.Subject,
		"html_content": input.HTMLContent,
		"webhook_url":  input.WebhookURL,
	}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}

	if input.ListIDs != nil {
		if err := tx.Where("campaign_id = ?", campaign.ID).Delete(&models.CampaignList{}).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to update campaign lists",
			})
		}
		for _, listID := range input.ListIDs {
			if err := tx.Create(&models.CampaignList{
				CampaignID:    campaign.ID,
				ContactListID: listID,
			}).Error; err != nil {
				tx.Rollback()
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
					"error": "Failed to update campaign lists",
				})
			}
		}
	}

	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update campaign",
		})
	}

	return c.JSON(campaign)
}

func (cc *CampaignController) DeleteCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.findCampaign(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	if campaign.Status == models.CampaignStatusSending {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot delete a campaign while it is sending",
		})
	}

	if err := cc.DB.Delete(campaign).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete campaign",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// StartCampaign resolves recipients, writes the send ledger and kicks off the
// background drain loop.
func (cc *CampaignController) StartCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.findCampaign(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	var listIDs []uint
	if err := cc.DB.Model(&models.CampaignList{}).
		Where("campaign_id = ?", campaign.ID).
		Pluck("contact_list_id", &listIDs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load campaign lists",
		})
	}

	total, err := cc.Orchestrator.Start(campaign, listIDs)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrNoLists):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "No lists selected",
			})
		case errors.Is(err, engine.ErrNoRecipients):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, engine.ErrAlreadyDone):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, engine.ErrNotStartable):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	return c.JSON(fiber.Map{
		"success":          true,
		"total_recipients": total,
	})
}

// PauseCampaign requests a cooperative stop; the drain loop observes it at
// the next batch boundary.
func (cc *CampaignController) PauseCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.findCampaign(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	if err := cc.Orchestrator.Pause(campaign); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// ResumeCampaign re-attempts exactly the rows still pending or failed.
func (cc *CampaignController) ResumeCampaign(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.findCampaign(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	remaining, err := cc.Orchestrator.Resume(campaign)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"remaining": remaining,
	})
}

// GetCampaignStatus returns the campaign row plus its ledger statistics.
func (cc *CampaignController) GetCampaignStatus(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	campaign, err := cc.findCampaign(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Campaign not found",
		})
	}

	stats := cc.Orchestrator.Ledger.Stats(campaign.ID)

	return c.JSON(fiber.Map{
		"campaign":   campaign,
		"statistics": stats,
	})
}

func (cc *CampaignController) findCampaign(id string, userID uint) (*models.Campaign, error) {
	var campaign models.Campaign
	if err := cc.DB.Where("id = ? AND user_id = ?", id, userID).First(&campaign).Error; err != nil {
		return nil, err
	}
	return &campaign, nil
}

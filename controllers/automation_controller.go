package controller

import (
	"log"

	"mailflow/engine"
	"mailflow/models"
	"mailflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type AutomationController struct {
	DB         *gorm.DB
	Logger     *log.Logger
	StepEngine *engine.StepEngine
}

func NewAutomationController(db *gorm.DB, stepEngine *engine.StepEngine, logger *log.Logger) *AutomationController {
	return &AutomationController{
		DB:         db,
		Logger:     logger,
		StepEngine: stepEngine,
	}
}

type AutomationRuleInput struct {
	Name         string                     `json:"name" validate:"required"`
	TriggerType  string                     `json:"trigger_type" validate:"required,oneof=tag_added tag_removed"`
	TriggerTag   string                     `json:"trigger_tag"`
	Enabled      *bool                      `json:"enabled"`
	Steps        []models.Step              `json:"steps"`
	ActionConfig *models.LegacyActionConfig `json:"action_config"`
}

func (ac *AutomationController) CreateRule(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input AutomationRuleInput
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
	if err := models.ValidateSteps(input.Steps); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	rule := models.AutomationRule{
		UserID:       user.ID,
		Name:         input.Name,
		TriggerType:  input.TriggerType,
		TriggerTag:   input.TriggerTag,
		Enabled:      true,
		Steps:        input.Steps,
		ActionConfig: input.ActionConfig,
	}
	if input.Enabled != nil {
		rule.Enabled = *input.Enabled
	}

	if err := ac.DB.Create(&rule).Error; err != nil {
		ac.Logger.Printf("Failed to create automation rule: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create automation rule",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(rule)
}

func (ac *AutomationController) GetRules(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var rules []models.AutomationRule
	if err := ac.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&rules).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch automation rules",
		})
	}

	return c.JSON(rules)
}

func (ac *AutomationController) GetRule(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	rule, err := ac.findRule(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Automation rule not found",
		})
	}

	return c.JSON(rule)
}

func (ac *AutomationController) UpdateRule(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	rule, err := ac.findRule(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Automation rule not found",
		})
	}

	var input AutomationRuleInput
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
	if err := models.ValidateSteps(input.Steps); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	rule.Name = input.Name
	rule.TriggerType = input.TriggerType
	rule.TriggerTag = input.TriggerTag
	rule.Steps = input.Steps
	rule.ActionConfig = input.ActionConfig
	if input.Enabled != nil {
		rule.Enabled = *input.Enabled
	}

	// Edits apply to future scheduling only; actions already queued keep the
	// step index they were created with.
	if err := ac.DB.Save(rule).Error; err != nil {
		ac.Logger.Printf("Failed to update automation rule %d: %v", rule.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update automation rule",
		})
	}

	return c.JSON(rule)
}

func (ac *AutomationController) DeleteRule(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	rule, err := ac.findRule(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Automation rule not found",
		})
	}

	if err := ac.DB.Delete(rule).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete automation rule",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

// ToggleRule flips the enabled flag. Disabling a rule causes pending actions
// to be skipped when they come due.
func (ac *AutomationController) ToggleRule(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	rule, err := ac.findRule(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Automation rule not found",
		})
	}

	if err := ac.DB.Model(rule).Update("enabled", !rule.Enabled).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to toggle automation rule",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"enabled": rule.Enabled,
	})
}

func (ac *AutomationController) GetRuleLogs(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	rule, err := ac.findRule(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Automation rule not found",
		})
	}

	limit := c.QueryInt("limit", 100)
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var logs []models.AutomationLog
	if err := ac.DB.Where("automation_rule_id = ?", rule.ID).
		Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch automation logs",
		})
	}

	return c.JSON(logs)
}

type TriggerInput struct {
	ContactID   uint   `json:"contact_id" validate:"required"`
	TriggerType string `json:"trigger_type" validate:"required,oneof=tag_added tag_removed"`
	Tag         string `json:"tag" validate:"required"`
}

// TriggerAutomations fires matching enabled rules for a contact, as if the tag
// change had come through the contact endpoints.
func (ac *AutomationController) TriggerAutomations(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input TriggerInput
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

	var contact models.Contact
	if err := ac.DB.Where("id = ? AND user_id = ?", input.ContactID, user.ID).First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	triggered, err := ac.StepEngine.Trigger(contact.ID, input.TriggerType, input.Tag)
	if err != nil {
		ac.Logger.Printf("Failed to trigger automations for contact %d: %v", contact.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to trigger automations",
		})
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"triggered": triggered,
	})
}

func (ac *AutomationController) findRule(id string, userID uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := ac.DB.Where("id = ? AND user_id = ?", id, userID).First(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

package controller

import (
	"log"

	"mailflow/models"
	"mailflow/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type ListController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewListController(db *gorm.DB, logger *log.Logger) *ListController {
	return &ListController{DB: db, Logger: logger}
}

type ListInput struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

func (lc *ListController) CreateList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input ListInput
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

	list := models.ContactList{
		UserID:      user.ID,
		Name:        input.Name,
		Description: input.Description,
	}
	if err := lc.DB.Create(&list).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create list",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(list)
}

func (lc *ListController) GetLists(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var lists []models.ContactList
	if err := lc.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&lists).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch lists",
		})
	}

	return c.JSON(lists)
}

func (lc *ListController) GetList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.findList(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "List not found",
		})
	}

	return c.JSON(list)
}

func (lc *ListController) UpdateList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.findList(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "List not found",
		})
	}

	var input ListInput
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

	list.Name = input.Name
	list.Description = input.Description
	if err := lc.DB.Save(list).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update list",
		})
	}

	return c.JSON(list)
}

func (lc *ListController) DeleteList(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.findList(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "List not found",
		})
	}

	tx := lc.DB.Begin()
	if err := tx.Where("contact_list_id = ?", list.ID).Delete(&models.ContactListMembership{}).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete list",
		})
	}
	if err := tx.Delete(list).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete list",
		})
	}
	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete list",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

type MembershipInput struct {
	ContactID uint `json:"contact_id" validate:"required"`
}

func (lc *ListController) AddListContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.findList(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "List not found",
		})
	}

	var input MembershipInput
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
	if err := lc.DB.Where("id = ? AND user_id = ?", input.ContactID, user.ID).First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	var existing models.ContactListMembership
	if err := lc.DB.Where("contact_id = ? AND contact_list_id = ?", contact.ID, list.ID).
		First(&existing).Error; err == nil {
		return c.JSON(fiber.Map{"success": true})
	}

	if err := lc.DB.Create(&models.ContactListMembership{
		ContactID:     contact.ID,
		ContactListID: list.ID,
	}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to add contact to list",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

func (lc *ListController) RemoveListContact(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	list, err := lc.findList(c.Params("id"), user.ID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "List not found",
		})
	}

	contactID := utils.ParseUint(c.Params("contactId"))
	if contactID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid contact id",
		})
	}

	if err := lc.DB.Where("contact_id = ? AND contact_list_id = ?", contactID, list.ID).
		Delete(&models.ContactListMembership{}).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to remove contact from list",
		})
	}

	return c.JSON(fiber.Map{"success": true})
}

func (lc *ListController) findList(id string, userID uint) (*models.ContactList, error) {
	var list models.ContactList
	if err := lc.DB.Where("id = ? AND user_id = ?", id, userID).First(&list).Error; err != nil {
		return nil, err
	}
	return &list, nil
}

package routes

import (
	"log"
	"os"

	controller "mailflow/controllers"
	"mailflow/engine"
	"mailflow/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"
)

func SetupAuthRoutes(app *fiber.App, db *gorm.DB) {
	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Get("/me", controller.GetCurrentUser)
}

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, orchestrator *engine.Orchestrator, stepEngine *engine.StepEngine) {
	campaignController := controller.NewCampaignController(db, orchestrator, log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	automationController := controller.NewAutomationController(db, stepEngine, log.New(os.Stdout, "AUTOMATION: ", log.LstdFlags))
	contactController := controller.NewContactController(db, stepEngine, log.New(os.Stdout, "CONTACT: ", log.LstdFlags))
	listController := controller.NewListController(db, log.New(os.Stdout, "LIST: ", log.LstdFlags))

	// Contact sync webhook is authenticated by shared secret, not JWT.
	app.Post("/contacts/sync", contactController.SyncContacts)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Campaign routes
	campaigns := api.Group("/campaigns")
	campaigns.Post("/", campaignController.CreateCampaign)
	campaigns.Get("/", campaignController.GetCampaigns)
	campaigns.Get("/:id", campaignController.GetCampaign)
	campaigns.Put("/:id", campaignController.UpdateCampaign)
	campaigns.Delete("/:id", campaignController.DeleteCampaign)
	campaigns.Post("/:id/start", middleware.CampaignStartLimiter(), campaignController.StartCampaign)
	campaigns.Post("/:id/pause", campaignController.PauseCampaign)
	campaigns.Post("/:id/resume", campaignController.ResumeCampaign)
	campaigns.Get("/:id/status", campaignController.GetCampaignStatus)

	// Automation routes
	automations := api.Group("/automations")
	automations.Post("/", automationController.CreateRule)
	automations.Get("/", automationController.GetRules)
	automations.Get("/:id", automationController.GetRule)
	automations.Put("/:id", automationController.UpdateRule)
	automations.Delete("/:id", automationController.DeleteRule)
	automations.Post("/:id/toggle", automationController.ToggleRule)
	automations.Get("/:id/logs", automationController.GetRuleLogs)
	automations.Post("/trigger", automationController.TriggerAutomations)

	// Contact routes
	contacts := api.Group("/contacts")
	contacts.Post("/", contactController.CreateContact)
	contacts.Get("/", contactController.GetContacts)
	contacts.Get("/:id", contactController.GetContact)
	contacts.Put("/:id", contactController.UpdateContact)
	contacts.Delete("/:id", contactController.DeleteContact)
	contacts.Post("/:id/unsubscribe", contactController.UnsubscribeContact)
	contacts.Post("/:id/tags", contactController.AddContactTag)
	contacts.Delete("/:id/tags", contactController.RemoveContactTag)

	// List routes
	lists := api.Group("/lists")
	lists.Post("/", listController.CreateList)
	lists.Get("/", listController.GetLists)
	lists.Get("/:id", listController.GetList)
	lists.Put("/:id", listController.UpdateList)
	lists.Delete("/:id", listController.DeleteList)
	lists.Post("/:id/contacts", listController.AddListContact)
	lists.Delete("/:id/contacts/:contactId", listController.RemoveListContact)
}

func SetupRoutes(app *fiber.App, db *gorm.DB, orchestrator *engine.Orchestrator, stepEngine *engine.StepEngine) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAuthRoutes(app, db)
	SetupAPIRoutes(app, db, orchestrator, stepEngine)

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Endpoint not found",
		})
	})
}

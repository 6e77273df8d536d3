package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"mailflow/config"
	"mailflow/engine"
	"mailflow/middleware"
	"mailflow/routes"
	"mailflow/worker"
)

func main() {
	logger := log.New(os.Stdout, "MAILFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database and Redis connections
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	config.ConnectRedis()

	// Delivery transports. Campaign sends are one-shot; automation sends
	// retry with backoff. Deliveries without a webhook URL fall back to SMTP
	// when a relay is configured.
	smtp := smtpTransport()
	campaignTransport := &engine.FallbackTransport{
		Webhook: engine.NewWebhookClient(
			config.AppConfig.DeliveryTimeout,
			engine.CampaignRetryPolicy(),
			log.New(os.Stdout, "DELIVERY: ", log.LstdFlags),
		),
		SMTP: smtp,
	}
	automationTransport := &engine.FallbackTransport{
		Webhook: engine.NewWebhookClient(
			config.AppConfig.DeliveryTimeout,
			engine.AutomationRetryPolicy(),
			log.New(os.Stdout, "DELIVERY: ", log.LstdFlags),
		),
		SMTP: smtp,
	}

	orchestrator := engine.NewOrchestrator(config.DB, config.Redis, campaignTransport,
		log.New(os.Stdout, "CAMPAIGN: ", log.LstdFlags))
	orchestrator.UnsubscribeBaseURL = config.AppConfig.UnsubscribeBaseURL
	stepEngine := engine.NewStepEngine(config.DB, automationTransport,
		log.New(os.Stdout, "AUTOMATION: ", log.LstdFlags))

	// Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	automationWorker := worker.NewAutomationWorker(stepEngine, log.New(os.Stdout, "AUTOMATION: ", log.LstdFlags))
	if err := automationWorker.Start(); err != nil {
		logger.Fatalf("Failed to start automation worker: %v", err)
	}

	reaper := worker.NewCampaignReaper(config.DB, orchestrator, log.New(os.Stdout, "REAPER: ", log.LstdFlags))
	go reaper.Start(ctx)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, config.DB, orchestrator, stepEngine)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Graceful shutdown: stop accepting requests, then let in-flight campaign
	// drains finish. Anything interrupted anyway is picked up by the reaper on
	// the next start.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Println("Shutting down...")
		cancel()
		automationWorker.Stop()
		_ = app.Shutdown()
		orchestrator.Wait()
	}()

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

func smtpTransport() engine.Transport {
	cfg := config.AppConfig.SMTP
	if cfg.Host == "" {
		return nil
	}
	return &engine.SMTPTransport{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
	}
}

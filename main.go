package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailcoach/config"
	"mailcoach/middleware"
	"mailcoach/routes"
	"mailcoach/sync"
	"mailcoach/utils"
	"mailcoach/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "MAILCOACH: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	if err := utils.InitSentry(); err != nil {
		logger.Printf("Sentry initialization failed: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Build the sync engine
	syncLogger := logrus.New()
	tokens := sync.NewTokenManager(config.DB, sync.MicrosoftOAuthConfig(config.AppConfig.Microsoft), syncLogger)
	fetcher := sync.NewPageFetcher(syncLogger)
	orchestrator := sync.NewOrchestrator(
		config.DB,
		tokens,
		fetcher,
		config.AppConfig.SyncFolders,
		config.AppConfig.SyncMaxRetries,
		syncLogger,
	)

	// Start the background sync worker
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	syncWorker := worker.NewSyncWorker(
		config.DB,
		orchestrator,
		time.Duration(config.AppConfig.SyncIntervalMins)*time.Minute,
		log.New(os.Stdout, "SYNC: ", log.LstdFlags),
	)
	go syncWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, orchestrator)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}

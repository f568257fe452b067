package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"jobpilot/internal/config"
	"jobpilot/internal/database"
	"jobpilot/internal/handlers"
	"jobpilot/internal/jobs"
	"jobpilot/internal/logging"
	"jobpilot/internal/middleware"
	"jobpilot/internal/services"
	"jobpilot/internal/tools"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting JobPilot Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s, Model: %s)", cfg.Port, cfg.DatabasePath, cfg.Model)

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	// Core services
	conversations := services.NewConversationService(db)
	provider := services.NewProvider(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.Model, cfg.ModelCallTimeout)
	registry := tools.NewDefaultRegistry(cfg.SearXNGURL, cfg.ToolTimeout)
	log.Printf("🔧 Tool registry ready with %d tools", registry.Count())

	agentLoop := services.NewAgentLoop(provider, registry, conversations, cfg)
	limiter := services.NewStreamLimiter(cfg.RedisURL, cfg.MaxStreamsPerUser)

	// Background jobs
	scheduler, err := jobs.NewScheduler(db, 90*24*time.Hour, 6*time.Hour)
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}
	scheduler.Start()

	app := fiber.New(fiber.Config{
		AppName:      "JobPilot v1.0",
		ReadTimeout:  10 * time.Minute, // agent turns with tool rounds run long
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  10 * time.Minute,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("jobpilot")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,X-User-ID",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Handlers
	chatHandler := handlers.NewChatHandler(agentLoop, conversations, limiter, cfg.IdleTimeout)
	conversationHandler := handlers.NewConversationHandler(conversations)

	app.Get("/health", handlers.Health)

	api := app.Group("/api", middleware.UserID())
	api.Post("/chat/stream", chatHandler.Stream)
	api.Delete("/chat/stream/:conversationID", chatHandler.Stop)
	api.Get("/conversations", conversationHandler.List)
	api.Get("/conversations/:id", conversationHandler.Get)
	api.Get("/conversations/:id/messages", conversationHandler.Messages)
	api.Delete("/conversations/:id", conversationHandler.Delete)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down...")
		scheduler.Stop()
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️  Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

package main

import (
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"council/internal/config"
	"council/internal/council"
	"council/internal/database"
	"council/internal/handlers"
	"council/internal/health"
	"council/internal/jobs"
	"council/internal/logging"
	"council/internal/models"
	"council/internal/provider"
	"council/internal/registry"
	"council/internal/router"
	"council/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting LLM Council Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err == nil {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Gateway: %s)", cfg.Port, cfg.GatewayBaseURL)

	// Initialize database (SQLite by default, MySQL via mysql:// DSN)
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	// Council configuration: JSON file, hot-reloaded
	councilCfg, err := config.NewCouncilConfigStore(cfg.CouncilConfigFile)
	if err != nil {
		log.Fatalf("❌ Failed to load council config: %v", err)
	}
	defer councilCfg.Close()
	if err := councilCfg.Watch(); err != nil {
		log.Printf("⚠️ Council config watcher disabled: %v", err)
	}

	// Prometheus metrics
	services.InitMetrics()
	log.Println("✅ Prometheus metrics initialized")

	// Provider client (C1) against the OpenAI-compatible gateway
	providerClient := provider.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	if cfg.GatewayAPIKey == "" {
		log.Println("⚠️ GATEWAY_API_KEY not set - provider calls will be rejected upstream")
	}

	// Unified Model Registry (C2)
	registryStore := registry.NewStore(db)
	registryFetcher := registry.NewFetcher(cfg.GatewayBaseURL, cfg.GatewayAPIKey)
	registrySvc := registry.NewService(registryStore, registryFetcher)
	log.Println("✅ Unified model registry initialized")

	// Session, board, prompt, audit and fail-list stores (C5)
	convService := services.NewConversationService(db)
	boardService := services.NewBoardService(db)
	promptService := services.NewPromptService(db)
	auditService := services.NewAuditService(db)
	failListService := services.NewFailListService(db)

	// Event bus (C7)
	eventBus := services.NewEventBus(cfg.EventRetention)
	log.Printf("✅ Event bus initialized (retention %d events/session)", cfg.EventRetention)

	// Model router (C3)
	modelRouter := router.New(registrySvc, failListService)

	// Health & fail-list manager (C8)
	healthManager := health.NewManager(providerClient, failListService, registrySvc, 8)

	// Council engine (C6)
	engine := council.NewEngine(
		providerClient,
		modelRouter,
		registrySvc,
		convService,
		boardService,
		eventBus,
		auditService,
		councilCfg.Get,
	)

	// Optional Redis mirror for cross-instance event fan-out
	if cfg.RedisURL != "" {
		log.Println("🔗 Connecting to Redis...")
		redisService, err := services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (event mirroring disabled)", err)
		} else {
			defer redisService.Close()
			pubsub := services.NewPubSubService(redisService, eventBus, uuid.New().String())
			if err := pubsub.Start(); err != nil {
				log.Printf("⚠️ Failed to start event mirror: %v", err)
			} else {
				defer pubsub.Stop()
				engine.SetMirror(pubsub)
			}
		}
	}

	// Background jobs: scheduled UMR refresh + health sweeps
	scheduler, err := jobs.NewScheduler(registrySvc, healthManager, councilCfg.Get)
	if err != nil {
		log.Fatalf("❌ Failed to create scheduler: %v", err)
	}
	if cfg.RefreshCron != "" {
		if err := scheduler.RegisterRefreshJob(cfg.RefreshCron); err != nil {
			log.Fatalf("❌ %v", err)
		}
	}
	if cfg.HealthProbeMin > 0 {
		if err := scheduler.RegisterHealthSweep(time.Duration(cfg.HealthProbeMin) * time.Minute); err != nil {
			log.Fatalf("❌ %v", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Fiber app
	app := fiber.New(fiber.Config{
		AppName: "LLM Council v1.0",
		// Council runs wait on several model calls in sequence; keep
		// streaming connections open well past the longest board timeout.
		ReadTimeout:  time.Duration(models.MaxResponseTimeoutS*5) * time.Second,
		WriteTimeout: time.Duration(models.MaxResponseTimeoutS*5) * time.Second,
		IdleTimeout:  time.Duration(models.MaxResponseTimeoutS*5) * time.Second,
		BodyLimit:    10 * 1024 * 1024,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("council")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:5174,http://localhost:3000"
		log.Println("⚠️ ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Handlers
	healthHandler := handlers.NewHealthHandler(healthManager, failListService)
	conversationHandler := handlers.NewConversationHandler(convService, auditService, cfg.ExportDir)
	councilHandler := handlers.NewCouncilHandler(engine, convService, eventBus)
	modelHandler := handlers.NewModelHandler(registrySvc, providerClient, cfg.ExportDir)
	boardHandler := handlers.NewBoardHandler(boardService)
	promptHandler := handlers.NewPromptHandler(promptService)
	configHandler := handlers.NewConfigHandler(councilCfg)
	wsHandler := handlers.NewSessionWSHandler(eventBus)

	// Routes
	app.Get("/", healthHandler.Status)

	api := app.Group("/api")

	api.Get("/conversations", conversationHandler.List)
	api.Post("/conversations", conversationHandler.Create)
	api.Get("/conversations/:id", conversationHandler.Get)
	api.Delete("/conversations/:id", conversationHandler.Delete)
	api.Post("/conversations/:id/archive", conversationHandler.Archive)
	api.Post("/conversations/:id/reset", conversationHandler.Reset)
	api.Get("/conversations/:id/audit", conversationHandler.AuditLog)
	api.Get("/conversations/:id/audit/export", conversationHandler.ExportArchive)

	api.Post("/conversations/:id/message", councilHandler.SendMessage)
	api.Post("/conversations/:id/message/stream", councilHandler.SendMessageStream)
	api.Post("/conversations/:id/human-feedback", councilHandler.HumanFeedbackStream)
	api.Post("/conversations/:id/end-session", councilHandler.EndSession)
	api.Get("/conversations/:id/events", councilHandler.EventsSince)

	api.Get("/models", modelHandler.ListBaseModels)
	api.Get("/models/stats", modelHandler.Stats)
	api.Get("/models/search", modelHandler.Search)
	api.Post("/models/refresh", modelHandler.Refresh)
	api.Get("/models/export", modelHandler.ExportCatalog)
	api.Get("/models/variants/*", modelHandler.ListVariants)
	api.Get("/models/unified/*", modelHandler.Get)
	api.Get("/test-latency/*", modelHandler.TestLatency)

	api.Get("/boards", boardHandler.List)
	api.Post("/boards", boardHandler.Save)
	api.Get("/boards/:id", boardHandler.Get)
	api.Delete("/boards/:id", boardHandler.Delete)

	api.Get("/prompts", promptHandler.List)
	api.Post("/prompts", promptHandler.Save)
	api.Post("/prompts/:id/usage", promptHandler.TrackUsage)
	api.Delete("/prompts/:id", promptHandler.Delete)

	api.Get("/config", configHandler.Get)
	api.Put("/config", configHandler.Update)

	api.Post("/health/probe", healthHandler.ProbeAll)
	api.Get("/health/report", healthHandler.LastReport)
	api.Get("/fail-lists", healthHandler.ListFailLists)
	api.Post("/fail-lists/:id/activate", healthHandler.ActivateFailList)
	api.Post("/fail-lists/deactivate", healthHandler.DeactivateFailLists)

	// Live event tail per session
	app.Use("/ws/sessions/:id", wsHandler.Upgrade)
	app.Get("/ws/sessions/:id", wsHandler.Handler())

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Printf("🛑 Received %v, shutting down...", sig)

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Fiber shutdown error: %v", err)
		}
	}()

	addr := ":" + strings.TrimPrefix(cfg.Port, ":")
	log.Printf("🌐 Listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}

	log.Println("👋 Server stopped")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"recollect/internal/config"
	"recollect/internal/database"
	"recollect/internal/handlers"
	"recollect/internal/jobs"
	"recollect/internal/logging"
	"recollect/internal/middleware"
	"recollect/internal/protocol"
	"recollect/internal/scheduler"
	"recollect/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Recollect Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	// MongoDB
	db, err := database.NewMongoDB(cfg.MongoURI)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		db.Close(ctx)
	}()

	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Initialize(ctx); err != nil {
			cancel()
			log.Fatalf("❌ Failed to initialize MongoDB indexes: %v", err)
		}
		cancel()
	}
	repos := database.NewRepositories(db)

	// Redis is optional; without it session exclusivity is per-instance only
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️  Redis unavailable, continuing without it: %v", err)
			redisService = nil
		}
	}

	// LLM providers
	llmService, err := services.NewLLMService(cfg.ProvidersPath)
	if err != nil {
		log.Fatalf("❌ Failed to load LLM providers: %v", err)
	}
	go llmService.WatchProviders(cfg.ProvidersPath)

	// Core services
	fsrs := scheduler.New(scheduler.Config{
		MaximumInterval:  cfg.MaximumIntervalDays,
		RequestRetention: cfg.RequestRetention,
	})
	connManager := services.NewConnectionManager()
	metrics := services.InitMetrics(connManager)
	recallService := services.NewRecallService(repos, fsrs)
	engine := services.NewSessionEngine(repos, recallService, llmService, metrics)

	// Stale session reaper
	reaper, err := jobs.NewSessionReaper(repos, engine, connManager, cfg.ReaperInterval, cfg.ReaperIdleCutoff)
	if err != nil {
		log.Fatalf("❌ Failed to create session reaper: %v", err)
	}
	if err := reaper.Start(); err != nil {
		log.Fatalf("❌ Failed to start session reaper: %v", err)
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Recollect v1.0",
		ReadTimeout:  900 * time.Second, // LLM turns on local models can be slow
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  900 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("recollect")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, WS=%d/min",
		rateLimitConfig.GlobalAPIMax, rateLimitConfig.WebSocketMax)

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Handlers
	healthHandler := handlers.NewHealthHandler(connManager, db, redisService)
	setHandler := handlers.NewRecallSetHandler(recallService)
	sessionHandler := handlers.NewSessionHandler(engine, repos)
	wsHandler := handlers.NewSessionWebSocketHandler(connManager, engine, recallService, redisService, llmService, repos, metrics, cfg)

	app.Get("/health", healthHandler.Handle)

	app.Post("/api/sets", setHandler.Create)
	app.Get("/api/sets/:id", setHandler.Get)
	app.Post("/api/sets/:id/points", setHandler.AddPoint)
	app.Get("/api/sets/:id/due", setHandler.Due)

	app.Post("/api/sessions", sessionHandler.Create)
	app.Get("/api/sessions/:id", sessionHandler.Get)
	app.Post("/api/sessions/:id/resume", sessionHandler.Resume)

	// WebSocket route: upgrade guard, per-IP connection limiter, then handler
	app.Use("/ws/session", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	var wsSharedLimiter middleware.SharedRateLimiter
	if redisService != nil {
		wsSharedLimiter = redisService
	}
	app.Use("/ws/session", middleware.WebSocketRateLimiter(rateLimitConfig, wsSharedLimiter))
	app.Get("/ws/session", websocket.New(wsHandler.Handle, websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}))

	// Graceful shutdown: close live session sockets with the shutdown code
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		wsHandler.CloseAll(protocol.CloseServerShutdown)
		reaper.Stop()

		if redisService != nil {
			if err := redisService.Close(); err != nil {
				log.Printf("⚠️ Error closing Redis: %v", err)
			}
		}

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

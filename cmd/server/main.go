package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"github.com/inkwell/childbook/internal/client"
	"github.com/inkwell/childbook/internal/config"
	"github.com/inkwell/childbook/internal/handler"
	"github.com/inkwell/childbook/internal/middleware"
	"github.com/inkwell/childbook/internal/pipeline"
	"github.com/inkwell/childbook/internal/service"
	"github.com/inkwell/childbook/internal/store"
	ws "github.com/inkwell/childbook/internal/websocket"
	"github.com/inkwell/childbook/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if err := cfg.RunComfy.RequireCredentials(); err != nil {
		log.Fatalf("RunComfy credentials: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	// External clients
	provider := client.NewRunComfyClient(&cfg.RunComfy)
	comfy := client.NewComfyClient(cfg.RunComfy.APIToken)

	// R2 mirror is optional
	var storage client.StorageClient
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err := client.NewR2Client(&cfg.R2)
		if err != nil {
			log.Printf("Warning: R2 client not initialized: %v", err)
		} else {
			storage = r2Client
		}
	} else {
		log.Println("Info: R2 storage not configured, results stay local")
	}

	// Instance handle shared with the CLI through redis when configured
	var handles store.HandleStore = store.NewFileStore(cfg.Instance.StateFile)
	if cfg.Instance.Store == "redis" {
		handles = store.NewRedisStore(redisClient, cfg.Instance.RedisKey)
	}

	// Services
	instanceService := service.NewInstanceService(provider, handles, cfg.Instance.ProvisionTimeout)
	workflowService := service.NewWorkflowService(comfy, &cfg.Workflow)
	generateService := service.NewGenerateService(workflowService, cfg)
	runService := service.NewRunService(redisClient, asynqClient)
	batch := pipeline.New(cfg, instanceService, generateService, afero.NewOsFs())

	// Handlers
	runHandler := handler.NewRunHandler(runService, validate)
	instanceHandler := handler.NewInstanceHandler(instanceService)

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWT.Secret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"runcomfy": provider.IsConfigured(),
				"r2":       storage != nil,
				"redis":    redisClient.Ping(c.Context()).Err() == nil,
			},
		})
	})

	// API routes
	api := app.Group("/api", authMiddleware.Authenticate())

	runs := api.Group("/runs")
	runs.Post("/generate", rateLimiter.RunLimit(cfg.RateLimit.RunsPerHour), runHandler.Generate)
	runs.Post("/upscale", rateLimiter.RunLimit(cfg.RateLimit.RunsPerHour), runHandler.Upscale)
	runs.Get("/status/:runId", runHandler.Status)
	runs.Get("/result/:runId", runHandler.Result)
	runs.Post("/cancel/:runId", runHandler.Cancel)

	api.Get("/instance", instanceHandler.Status)
	api.Delete("/instance", instanceHandler.Stop)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/runs/:runId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("runId"))
	}))

	// Start Asynq worker server
	pipelineWorker := worker.NewPipelineWorker(runService, batch, storage, hub, cfg)
	go startWorkerServer(cfg, pipelineWorker)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, pipelineWorker *worker.PipelineWorker) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			// One run at a time: the process owns a single instance.
			Concurrency: 1,
			Queues: map[string]int{
				service.QueuePipeline: 1,
			},
			LogLevel: asynqLogLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeGenerate, pipelineWorker.ProcessTask)
	mux.HandleFunc(service.TaskTypeUpscale, pipelineWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}

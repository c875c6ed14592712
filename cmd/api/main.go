package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"hirelens/evaluator/internal/config"
	"hirelens/evaluator/internal/handlers"
	"hirelens/evaluator/internal/logger"
	"hirelens/evaluator/internal/repositories"
	"hirelens/evaluator/internal/services"
)

func main() {
	// Load configuration
	cfg := config.Load()

	zapLog, err := logger.New(cfg.Server.Env != "development", cfg.Server.Env == "development")
	if err != nil {
		log.Fatalf("❌ Failed to initialize logger: %v", err)
	}
	defer zapLog.Sync()
	zapLog.Info("✅ Config loaded successfully")

	// Initialize database
	db, err := config.InitDatabase(cfg)
	if err != nil {
		zapLog.Fatal("❌ Failed to initialize database", zap.Error(err))
	}
	zapLog.Info("✅ Database connected and migrated")

	// Initialize repositories
	docRepo := repositories.NewDocumentRepository(db)
	jobRepo := repositories.NewJobRepository(db, cfg.Timeouts.JobStore, zapLog)
	zapLog.Info("✅ Repositories initialized")

	// Initialize LLM client
	llmService := services.NewLLMService(cfg.LLM, cfg.Timeouts, zapLog)
	if err := llmService.HealthCheck(context.Background()); err != nil {
		zapLog.Warn("⚠️  LLM backend health check failed; evaluations will rely on fallbacks until it recovers", zap.Error(err))
	}

	// Initialize retrieval index
	chunker := services.NewTextChunker()
	retriever, err := services.NewRetrieverService(
		cfg.Qdrant.URL,
		cfg.Qdrant.APIKey,
		llmService,
		chunker,
		cfg.LLM.EmbeddingDim,
		cfg.Retrieval.ChunkSize,
		cfg.Retrieval.ChunkOverlap,
		cfg.Timeouts.Retrieval,
		zapLog,
	)
	if err != nil {
		zapLog.Fatal("❌ Failed to initialize retrieval index", zap.Error(err))
	}
	if err := retriever.EnsureCollections(context.Background()); err != nil {
		zapLog.Fatal("❌ Failed to initialize retrieval collections", zap.Error(err))
	}
	zapLog.Info("✅ Retrieval index ready")

	// Initialize evaluation engine
	engine := services.NewEngineService(
		llmService,
		retriever,
		cfg.Retrieval.MaxResults,
		cfg.Retrieval.ScoreThreshold,
		cfg.LLM.EvaluationModel,
		zapLog,
	)
	zapLog.Info("✅ Evaluation engine initialized")

	// Initialize queue, dispatcher, worker pool
	queue := services.NewChannelQueue(cfg.Worker.QueueCapacity)
	dispatcher := services.NewDispatcherService(jobRepo, docRepo, queue, zapLog)
	worker := services.NewWorker(
		queue,
		jobRepo,
		docRepo,
		engine,
		cfg.Worker.Concurrency,
		cfg.Worker.RequeueAfter,
		zapLog,
	)

	worker.Start(context.Background())
	zapLog.Info("✅ Worker pool started")

	// Initialize handlers
	evaluateHandler := handlers.NewEvaluationHandler(dispatcher)
	resultHandler := handlers.NewResultHandler(jobRepo)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Candidate Evaluator API",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: customErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "[${time}] ${status} - ${latency} ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Owner-ID",
	}))

	// Routes
	api := app.Group("/api/v1")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now(),
		})
	})

	api.Post("/evaluate", evaluateHandler.HandleEvaluate)
	api.Get("/result/:id", resultHandler.HandleGetResult)
	api.Get("/evaluations", resultHandler.HandleListResults)
	api.Post("/evaluations/:id/cancel", resultHandler.HandleCancel)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Candidate Evaluator API",
			"version": "1.0.0",
			"endpoints": []string{
				"POST /api/v1/evaluate",
				"GET /api/v1/result/:id",
				"GET /api/v1/evaluations",
				"POST /api/v1/evaluations/:id/cancel",
			},
		})
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		zapLog.Info("🛑 Shutting down server...")
		queue.Close()
		worker.Stop()
		if err := app.Shutdown(); err != nil {
			zapLog.Error("❌ Server forced to shutdown", zap.Error(err))
		}
	}()

	// Start server
	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	zapLog.Info("🚀 Server starting", zap.String("addr", addr))

	if err := app.Listen(addr); err != nil {
		zapLog.Fatal("❌ Failed to start server", zap.Error(err))
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

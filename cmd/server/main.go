package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/task-service/config"
	"github.com/atelier-ai/task-service/internal/admission"
	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/deadletter"
	"github.com/atelier-ai/task-service/internal/gateway"
	"github.com/atelier-ai/task-service/internal/handlers"
	"github.com/atelier-ai/task-service/internal/idempotency"
	"github.com/atelier-ai/task-service/internal/middleware"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/redisclient"
	"github.com/atelier-ai/task-service/internal/status"
	"github.com/atelier-ai/task-service/internal/sweepers"
	"github.com/atelier-ai/task-service/internal/tasks"
	"github.com/atelier-ai/task-service/internal/telemetry"
	"github.com/atelier-ai/task-service/internal/tools"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	logger.Info().Msg("Starting task service")

	ctx := context.Background()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to initialize telemetry")
	}

	dbURL := config.GetDatabaseURL()
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL not set")
	}

	if err := database.Connect(
		ctx,
		dbURL,
		cfg.Database.MaxConnections,
		cfg.Database.MinConnections,
		cfg.Database.MaxConnLifetime,
		cfg.Database.MaxConnIdleTime,
	); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	logger.Info().Msg("Database connected")

	redisURL := config.GetRedisURL()
	if redisURL == "" {
		logger.Fatal().Msg("REDIS_URL not set")
	}
	if err := redisclient.Connect(ctx, redisURL, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisclient.Close()

	logger.Info().Msg("Redis connected")

	rdb := redisclient.Client()
	taskStore := tasks.NewStore(database.Pool())
	toolRegistry := tools.NewRegistry(database.Pool())
	idemStore := idempotency.NewStore(rdb, cfg.Idempotency.TTL)
	admitter := admission.NewController(rdb, cfg.Admission.MaxActiveTasks)
	jobQueue := queue.New(rdb, cfg.Queue.Prefix)
	bus := status.NewRedisBus(rdb)

	gw := gateway.New(taskStore, toolRegistry, idemStore, admitter, jobQueue, gateway.Config{
		QueuePrefix:     cfg.Queue.Prefix,
		DefaultProvider: cfg.Queue.DefaultProvider,
		MaxAttempts:     cfg.Queue.MaxAttempts,
	})

	dlqStore := deadletter.NewStore(database.Pool())
	dlqHandler := deadletter.NewHandler(dlqStore, taskStore, admitter, jobQueue)

	handlers.InitTaskHandlers(gw, taskStore)
	handlers.InitStreamHandlers(bus, taskStore)
	handlers.InitDeadLetterHandlers(dlqHandler, dlqStore)

	// Tasks inserted but never enqueued (crash mid-submission) are failed
	// and their admission slots released by the sweeper.
	sweeper := sweepers.NewReconcileSweeper(
		taskStore, admitter, bus, logger,
		cfg.Queue.SweepInterval, cfg.Queue.PendingGrace,
	)
	go sweeper.Start(ctx)

	if cfg.Logging.Level == "info" || cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	setupMiddleware(router, logger)

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(middleware.UserAuthMiddleware())
	api.Use(middleware.UserRateLimitMiddleware())
	{
		api.POST("/tasks", handlers.SubmitTask)
		api.GET("/tasks", handlers.ListTasks)
		api.GET("/tasks/stream", handlers.StreamUserFeed)
		api.GET("/tasks/:taskId", handlers.GetTask)
		api.GET("/tasks/:taskId/stream", handlers.StreamTask)
	}

	admin := router.Group("/admin")
	admin.Use(middleware.OperatorAuthMiddleware())
	admin.Use(middleware.OperatorRateLimitMiddleware(50, 100))
	{
		admin.GET("/dead-letters", handlers.ListDeadLetters)
		admin.GET("/dead-letters/:recordId", handlers.GetDeadLetter)
		admin.POST("/dead-letters/archive", handlers.ArchiveDeadLetters)
		admin.POST("/dead-letters/:recordId/archive", handlers.ArchiveDeadLetter)
		admin.POST("/dead-letters/:recordId/retry", handlers.RetryDeadLetter)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// SSE responses stay open indefinitely, so no WriteTimeout here.
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	if telemetryShutdown != nil {
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown telemetry")
		}
	}

	logger.Info().Msg("Server exited")
}

func initLogger(cfg config.LoggingConfig) *zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var output io.Writer
	if cfg.Format == "json" {
		output = os.Stdout
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, NoColor: cfg.NoColor}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "task-service").Logger()
	return &logger
}

func setupMiddleware(router *gin.Engine, logger *zerolog.Logger) {
	router.Use(func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		end := time.Now()
		latency := end.Sub(start)

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Str("ip", c.ClientIP()).
			Msg("HTTP request")
	})
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/task-service/config"
	"github.com/atelier-ai/task-service/internal/admission"
	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/deadletter"
	"github.com/atelier-ai/task-service/internal/providers"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/redisclient"
	"github.com/atelier-ai/task-service/internal/status"
	"github.com/atelier-ai/task-service/internal/tasks"
	"github.com/atelier-ai/task-service/internal/workers"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(cfg.Logging)

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		workerID = fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}

	logger.Info().Str("worker_id", workerID).Msg("Starting task worker")

	ctx := context.Background()

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

	redisURL := config.GetRedisURL()
	if redisURL == "" {
		logger.Fatal().Msg("REDIS_URL not set")
	}
	if err := redisclient.Connect(ctx, redisURL, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisclient.Close()

	rdb := redisclient.Client()
	taskStore := tasks.NewStore(database.Pool())
	admitter := admission.NewController(rdb, cfg.Admission.MaxActiveTasks)
	jobQueue := queue.New(rdb, cfg.Queue.Prefix)
	bus := status.NewRedisBus(rdb)

	dlqStore := deadletter.NewStore(database.Pool())
	dlqHandler := deadletter.NewHandler(dlqStore, taskStore, admitter, jobQueue)

	worker := workers.New(jobQueue, taskStore, admitter, bus, dlqHandler, workers.Config{
		WorkerID:    workerID,
		Providers:   cfg.Worker.Providers,
		QueuePrefix: cfg.Queue.Prefix,
		Concurrency: cfg.Worker.Concurrency,
		PollDelay:   cfg.Worker.PollDelay,
		JobTimeout:  cfg.Worker.JobTimeout,
	})

	// Tools with a configured endpoint run against the real provider; the
	// rest fall back to echo so the pipeline can be exercised end to end in
	// development.
	providerClient := providers.NewClient(providers.DefaultConfig(), os.Getenv("PROVIDER_API_KEY"))
	for slug, endpoint := range httpTools() {
		worker.RegisterHandler(slug, providers.HTTPHandler(providerClient, endpoint))
		logger.Info().Str("tool", slug).Str("endpoint", endpoint).Msg("Registered HTTP provider handler")
	}
	for _, slug := range echoTools() {
		worker.RegisterHandler(slug, workers.EchoHandler)
		logger.Info().Str("tool", slug).Msg("Registered echo handler")
	}

	go worker.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down worker...")
	worker.Stop()
	logger.Info().Msg("Worker exited")
}

// httpTools maps tool slugs to provider endpoints, from the HTTP_TOOLS env
// var in "slug=url,slug=url" form
func httpTools() map[string]string {
	raw := os.Getenv("HTTP_TOOLS")
	if raw == "" {
		return nil
	}
	tools := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		slug, endpoint, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if ok && slug != "" && endpoint != "" {
			tools[slug] = endpoint
		}
	}
	return tools
}

// echoTools lists the tool slugs that run with the echo handler, from the
// ECHO_TOOLS env var
func echoTools() []string {
	raw := os.Getenv("ECHO_TOOLS")
	if raw == "" {
		return nil
	}
	var slugs []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			slugs = append(slugs, s)
		}
	}
	return slugs
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

	logger := zerolog.New(output).Level(level).With().Timestamp().Str("service", "task-worker").Logger()
	return &logger
}

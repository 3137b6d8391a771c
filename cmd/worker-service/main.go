package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hqtran/collabhub/internal/config"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
	"github.com/hqtran/collabhub/internal/worker"
	"github.com/hqtran/collabhub/shared/logger"
	"github.com/hqtran/collabhub/shared/postgresql"
	"github.com/hqtran/collabhub/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize Redis client backing the job queue
	redisClient, err := redis.NewClient(&redis.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}

	appLogger.Info("Redis connection established")

	jobQueue := queue.New(redisClient.GetRDB(), queue.Options{
		MaxAttempts:       cfg.Jobs.MaxRetries,
		BackoffBase:       cfg.Jobs.BackoffBase,
		BackoffCap:        cfg.Jobs.BackoffCap,
		VisibilityTimeout: cfg.Jobs.VisibilityTimeout,
		RetentionGrace:    cfg.Jobs.RetentionGrace,
	}, appLogger.Logger)

	recordStore := records.NewStore(dbClient.GetDB(), appLogger.Logger)

	executor := worker.NewHandlers(worker.HandlersConfig{
		Logger:    appLogger.Logger,
		Retention: recordStore,
		Cleaner:   jobQueue,
	})

	manager := worker.NewManager(worker.ManagerConfig{
		Logger:      appLogger.Logger,
		Queue:       jobQueue,
		Store:       recordStore,
		Executor:    executor,
		Concurrency: cfg.Worker.Concurrency,
		Timing: worker.Timing{
			PollInterval:      cfg.Worker.PollInterval,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			JobTimeout:        cfg.Jobs.JobTimeout,
		},
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delayed promotion, stalled recovery and terminal-set pruning run in
	// the background alongside the pools.
	jobQueue.StartMaintenance(ctx, cfg.Jobs.MaintenanceInterval)

	manager.Start(ctx)

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	appLogger.Info("Received signal, shutting down gracefully",
		slog.String("signal", sig.String()),
	)

	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		manager.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker pools stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	_ = redisClient.Close()
	if dbClient != nil {
		_ = dbClient.Close()
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

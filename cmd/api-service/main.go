package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/hqtran/collabhub/internal/api/handler"
	"github.com/hqtran/collabhub/internal/api/router"
	"github.com/hqtran/collabhub/internal/auth"
	"github.com/hqtran/collabhub/internal/bus"
	"github.com/hqtran/collabhub/internal/config"
	"github.com/hqtran/collabhub/internal/gateway"
	"github.com/hqtran/collabhub/internal/queue"
	"github.com/hqtran/collabhub/internal/records"
	"github.com/hqtran/collabhub/shared/logger"
	"github.com/hqtran/collabhub/shared/postgresql"
	"github.com/hqtran/collabhub/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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

	// Initialize the broadcast bus over RabbitMQ
	rabbitClient, err := initRabbitMQ(&cfg.Bus, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	eventBus, err := bus.NewAMQP(rabbitClient, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize broadcast bus: %w", err)
	}

	appLogger.Info("Broadcast bus connected")

	jobQueue := queue.New(redisClient.GetRDB(), queue.Options{
		MaxAttempts:       cfg.Jobs.MaxRetries,
		BackoffBase:       cfg.Jobs.BackoffBase,
		BackoffCap:        cfg.Jobs.BackoffCap,
		VisibilityTimeout: cfg.Jobs.VisibilityTimeout,
		RetentionGrace:    cfg.Jobs.RetentionGrace,
	}, appLogger.Logger)

	recordStore := records.NewStore(dbClient.GetDB(), appLogger.Logger)
	roleStore := auth.NewRoleStore(dbClient.GetDB(), appLogger.Logger)
	verifier := auth.NewTokenVerifier(cfg.Auth.TokenSecret)

	hub, err := gateway.NewHub(eventBus, roleStore, cfg.Gateway, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway hub: %w", err)
	}

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:   appLogger.Logger,
		Queue:    jobQueue,
		Store:    recordStore,
		Roles:    roleStore,
		Verifier: verifier,
	}, hub)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup := func() {
		cancel()
		hub.Close()
		_ = eventBus.Close()
		_ = redisClient.Close()
		if dbClient != nil {
			_ = dbClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRabbitMQ initializes the broadcast transport
func initRabbitMQ(cfg *config.BusConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange,
		RetryAttempts:     cfg.RetryAttempts,
		RetryInterval:     cfg.RetryInterval,
		Heartbeat:         cfg.Heartbeat,
		ConnectionTimeout: cfg.ConnectionTimeout,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies, hub *gateway.Hub) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	return router.SetupRouter(deps, hub)
}

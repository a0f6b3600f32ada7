package main

import (
	"context"
	"errors"
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

	"github.com/cuongbtq/helios-bulk-queue/internal/api/handler"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/router"
	"github.com/cuongbtq/helios-bulk-queue/internal/api/storage"
	"github.com/cuongbtq/helios-bulk-queue/internal/config"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/shared/logger"
	"github.com/cuongbtq/helios-bulk-queue/shared/postgresql"
	"github.com/cuongbtq/helios-bulk-queue/shared/redis"
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

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if cfg.Database.AutoMigrate {
		migrateCtx, migrateCancel := context.WithTimeout(context.Background(), time.Minute)
		err := dbClient.Migrate(migrateCtx)
		migrateCancel()
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	redisClient, err := initRedis(&cfg.Redis, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Redis: %w", err)
	}
	defer redisClient.Close()

	q := initQueue(cfg, redisClient, appLogger.Logger)
	service := queue.NewService(q, queue.ServiceConfig{
		FailedMultiplier: cfg.Cleanup.FailedMultiplier,
		CleanLimit:       cfg.Cleanup.Limit,
	}, logger.Component(appLogger.Logger, "queue"))

	appLogger.Info("Queue initialized",
		slog.String("keys", q.KeyPattern()),
		slog.Int("attempts", cfg.Queue.Attempts),
	)

	r := initRouter(cfg, appLogger.Logger, dbClient, service)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down server",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

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
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRedis connects to the Redis instance backing the queue
func initRedis(cfg *config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Addr:          cfg.Addr(),
		Password:      cfg.Password,
		DB:            cfg.DB,
		PoolSize:      cfg.PoolSize,
		DialTimeout:   cfg.DialTimeout,
		ReadTimeout:   cfg.ReadTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		RetryAttempts: cfg.RetryAttempts,
		RetryInterval: cfg.RetryInterval,
	}, logger)
}

// initQueue binds the bulk-operations queue to Redis with the configured job defaults
func initQueue(cfg *config.Config, client *redis.Client, logger *slog.Logger) *queue.Queue {
	return queue.New(client.GetRedis(), queue.Options{
		Prefix: cfg.Queue.Prefix,
		Name:   cfg.Queue.Name,
		DefaultJobOptions: queue.JobOptions{
			Attempts: cfg.Queue.Attempts,
			Backoff: queue.Backoff{
				Type:  cfg.Queue.Backoff.Type,
				Delay: cfg.Queue.Backoff.Delay,
			},
			RemoveOnComplete: cfg.Queue.RemoveOnComplete,
			RemoveOnFail:     cfg.Queue.RemoveOnFail,
		},
		LockDuration:    cfg.Queue.LockDuration,
		MaxStalledCount: cfg.Queue.MaxStalledCount,
	}, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, dbClient *postgresql.Client, service *queue.Service) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:           logger,
		Storage:          storage.NewStorage(dbClient.GetDB()),
		Queue:            service,
		DB:               dbClient,
		ServiceName:      cfg.App.Name,
		CleanGracePeriod: cfg.Cleanup.GracePeriod,
	}

	return router.SetupRouter(handlerDeps)
}

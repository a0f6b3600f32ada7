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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/helios-bulk-queue/internal/config"
	"github.com/cuongbtq/helios-bulk-queue/internal/queue"
	"github.com/cuongbtq/helios-bulk-queue/internal/scheduler"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker"
	"github.com/cuongbtq/helios-bulk-queue/internal/worker/storage"
	"github.com/cuongbtq/helios-bulk-queue/shared/logger"
	"github.com/cuongbtq/helios-bulk-queue/shared/postgresql"
	"github.com/cuongbtq/helios-bulk-queue/shared/rabbitmq"
	"github.com/cuongbtq/helios-bulk-queue/shared/redis"
)

const gaugeInterval = 15 * time.Second

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

	var events worker.EventPublisher
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		events = worker.NewAMQPEvents(rabbitClient)
		appLogger.Info("Bulk operation events enabled",
			slog.String("exchange", cfg.RabbitMQ.Exchange.Name),
		)
	}

	store := storage.NewStorage(dbClient.GetDB(), logger.Component(appLogger.Logger, "storage"))

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        logger.Component(appLogger.Logger, "worker"),
		Queue:         q,
		Operations:    store,
		Entities:      store,
		Events:        events,
		WorkerID:      workerID(),
		Concurrency:   cfg.Worker.Concurrency,
		JobTimeout:    cfg.Worker.JobTimeout,
		ProgressEvery: cfg.Worker.ProgressEvery,
		DrainDelay:    cfg.Queue.DrainDelay,
	})

	sched, err := initScheduler(cfg, q, service, workerInstance, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	sched.Start()

	var metricsSrv *http.Server
	if cfg.Worker.MetricsPort != 0 {
		metricsSrv = initMetricsServer(cfg, redisClient, dbClient)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLogger.Error("Metrics server failed", slog.Any("error", err))
			}
		}()
		appLogger.Info("Metrics server listening", slog.String("address", metricsSrv.Addr))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Stop fetching and give in-flight jobs the shutdown timeout to finish.
	// Jobs still running after that are released back to the queue.
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, releasing in-flight jobs")
		cancel()
		<-done
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	sched.Stop(stopCtx)

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(stopCtx); err != nil {
			appLogger.Warn("Metrics server shutdown failed", slog.Any("error", err))
		}
	}

	appLogger.Info("Worker service shutdown complete",
		slog.String("db_pool", dbClient.Stats()),
		slog.String("redis_pool", redisClient.Stats()),
	)
	return nil
}

// workerID identifies this process in lock tokens and logs
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
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

// initRabbitMQ initializes the RabbitMQ event publisher
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initScheduler registers the queue maintenance tasks
func initScheduler(cfg *config.Config, q *queue.Queue, service *queue.Service, w *worker.Worker, log *slog.Logger) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(log, 5*time.Minute)

	if cfg.Cleanup.Enabled {
		cleanup := scheduler.NewCleanupTask(service, cfg.Cleanup.GracePeriod, log)
		if err := sched.AddCronTask(scheduler.TaskCleanOldJobs, cfg.Cleanup.Schedule, cleanup.Run); err != nil {
			return nil, err
		}
	}

	stalled := scheduler.NewStalledCheckTask(q, w, log)
	if err := sched.AddIntervalTask(scheduler.TaskStalledCheck, cfg.Queue.StalledInterval, stalled.Run); err != nil {
		return nil, err
	}

	gauges := scheduler.NewGaugeTask(q)
	if err := sched.AddIntervalTask(scheduler.TaskQueueGauges, gaugeInterval, gauges.Run); err != nil {
		return nil, err
	}

	return sched, nil
}

// initMetricsServer exposes Prometheus metrics and a Redis + PostgreSQL health check
func initMetricsServer(cfg *config.Config, redisClient *redis.Client, dbClient *postgresql.Client) *http.Server {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		checks := map[string]string{"redis": "ok", "database": "ok"}
		status := http.StatusOK

		if err := redisClient.HealthCheck(c.Request.Context()); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := dbClient.HealthCheck(c.Request.Context()); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		state := "healthy"
		if status != http.StatusOK {
			state = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":  state,
			"service": cfg.App.Name,
			"checks":  checks,
		})
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Queue defaults applied when the config file leaves a value unset
const (
	DefaultQueuePrefix      = "bull"
	DefaultQueueName        = "bulk-operations"
	DefaultAttempts         = 3
	DefaultBackoffType      = "exponential"
	DefaultBackoffDelay     = 2 * time.Second
	DefaultRemoveOnComplete = 100
	DefaultRemoveOnFail     = 500
	DefaultLockDuration     = 30 * time.Second
	DefaultStalledInterval  = 30 * time.Second
	DefaultMaxStalledCount  = 1
	DefaultDrainDelay       = time.Second
	DefaultCleanupSchedule  = "@every 1h"
	DefaultGracePeriod      = 24 * time.Hour
	DefaultFailedMultiplier = 7
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig holds the connection settings for the queue store
type RedisConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	PoolSize      int           `yaml:"pool_size"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Addr returns host:port for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// QueueConfig holds the job queue behaviour: retries, retention and locking
type QueueConfig struct {
	Prefix           string        `yaml:"prefix"`
	Name             string        `yaml:"name"`
	Attempts         int           `yaml:"attempts"`
	Backoff          BackoffConfig `yaml:"backoff"`
	RemoveOnComplete int           `yaml:"remove_on_complete"`
	RemoveOnFail     int           `yaml:"remove_on_fail"`
	LockDuration     time.Duration `yaml:"lock_duration"`
	StalledInterval  time.Duration `yaml:"stalled_interval"`
	MaxStalledCount  int           `yaml:"max_stalled_count"`
	DrainDelay       time.Duration `yaml:"drain_delay"`
}

// BackoffConfig holds the retry delay strategy
type BackoffConfig struct {
	Type  string        `yaml:"type"`
	Delay time.Duration `yaml:"delay"`
}

// CleanupConfig holds the periodic pruning of finished jobs
type CleanupConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Schedule         string        `yaml:"schedule"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	FailedMultiplier int           `yaml:"failed_multiplier"`
	Limit            int           `yaml:"limit"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
// for bulk-operation lifecycle events
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      AMQPQueueConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AMQPQueueConfig holds RabbitMQ queue configuration
type AMQPQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ProgressEvery   int           `yaml:"progress_every"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsPort     int           `yaml:"metrics_port"`
}

// Load reads and parses the configuration file, then applies environment
// overrides and defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	return &config, nil
}

// applyEnv overrides the Redis address from REDIS_HOST / REDIS_PORT / REDIS_PASSWORD
func (c *Config) applyEnv() error {
	if host := os.Getenv("REDIS_HOST"); host != "" {
		c.Redis.Host = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid REDIS_PORT %q: %w", port, err)
		}
		c.Redis.Port = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.RetryAttempts == 0 {
		c.Redis.RetryAttempts = 1
	}

	q := &c.Queue
	if q.Prefix == "" {
		q.Prefix = DefaultQueuePrefix
	}
	if q.Name == "" {
		q.Name = DefaultQueueName
	}
	if q.Attempts == 0 {
		q.Attempts = DefaultAttempts
	}
	if q.Backoff.Type == "" {
		q.Backoff.Type = DefaultBackoffType
	}
	if q.Backoff.Delay == 0 {
		q.Backoff.Delay = DefaultBackoffDelay
	}
	if q.RemoveOnComplete == 0 {
		q.RemoveOnComplete = DefaultRemoveOnComplete
	}
	if q.RemoveOnFail == 0 {
		q.RemoveOnFail = DefaultRemoveOnFail
	}
	if q.LockDuration == 0 {
		q.LockDuration = DefaultLockDuration
	}
	if q.StalledInterval == 0 {
		q.StalledInterval = DefaultStalledInterval
	}
	if q.MaxStalledCount == 0 {
		q.MaxStalledCount = DefaultMaxStalledCount
	}
	if q.DrainDelay == 0 {
		q.DrainDelay = DefaultDrainDelay
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}

	if c.Cleanup.Schedule == "" {
		c.Cleanup.Schedule = DefaultCleanupSchedule
	}
	if c.Cleanup.GracePeriod == 0 {
		c.Cleanup.GracePeriod = DefaultGracePeriod
	}
	if c.Cleanup.FailedMultiplier == 0 {
		c.Cleanup.FailedMultiplier = DefaultFailedMultiplier
	}
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}

	if err := c.Queue.validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Enabled {
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required")
		}

		if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
			return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
		}

		if c.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("rabbitmq exchange name is required")
		}
	}

	return nil
}

func (q *QueueConfig) validate() error {
	if q.Name == "" {
		return fmt.Errorf("queue name is required")
	}

	if q.Attempts < 1 {
		return fmt.Errorf("queue attempts must be at least 1")
	}

	switch q.Backoff.Type {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("unknown queue backoff type: %q", q.Backoff.Type)
	}

	if q.Backoff.Delay < 0 {
		return fmt.Errorf("queue backoff delay must not be negative")
	}

	if q.LockDuration <= 0 {
		return fmt.Errorf("queue lock_duration must be greater than 0")
	}

	return nil
}

// ValidateAPIConfig checks the API service configuration
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateWorkerConfig checks the worker service configuration
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MetricsPort != 0 && (c.Worker.MetricsPort < MinPort || c.Worker.MetricsPort > MaxPort) {
		return fmt.Errorf("invalid worker metrics port: %d (must be between %d and %d)", c.Worker.MetricsPort, MinPort, MaxPort)
	}

	if c.Cleanup.Enabled && c.Cleanup.GracePeriod <= 0 {
		return fmt.Errorf("cleanup grace_period must be greater than 0")
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Bus      BusConfig      `yaml:"bus"`
	Auth     AuthConfig     `yaml:"auth"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Worker   WorkerConfig   `yaml:"worker"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
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
}

// RedisConfig holds the queue backing store connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BusConfig holds the broadcast bus (RabbitMQ) settings
type BusConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	VHost             string        `yaml:"vhost"`
	Exchange          string        `yaml:"exchange"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// AuthConfig holds bearer-token verification settings
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`
}

// JobsConfig holds queue lifecycle tuning shared by the API and workers
type JobsConfig struct {
	MaxRetries          int           `yaml:"max_retries"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffCap          time.Duration `yaml:"backoff_cap"`
	JobTimeout          time.Duration `yaml:"job_timeout"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
	RetentionGrace      time.Duration `yaml:"retention_grace"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// GatewayConfig holds realtime gateway tuning
type GatewayConfig struct {
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	RelayRate      float64       `yaml:"relay_rate"`
	RelayBurst     int           `yaml:"relay_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in tuning values the file may omit
func (c *Config) applyDefaults() {
	if c.Jobs.MaxRetries == 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.BackoffBase == 0 {
		c.Jobs.BackoffBase = 2 * time.Second
	}
	if c.Jobs.BackoffCap == 0 {
		c.Jobs.BackoffCap = 60 * time.Second
	}
	if c.Jobs.JobTimeout == 0 {
		c.Jobs.JobTimeout = 30 * time.Second
	}
	if c.Jobs.VisibilityTimeout == 0 {
		c.Jobs.VisibilityTimeout = 60 * time.Second
	}
	if c.Jobs.MaintenanceInterval == 0 {
		c.Jobs.MaintenanceInterval = time.Second
	}
	if c.Jobs.RetentionGrace == 0 {
		c.Jobs.RetentionGrace = 24 * time.Hour
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 5
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 500 * time.Millisecond
	}
	if c.Worker.HeartbeatInterval == 0 {
		c.Worker.HeartbeatInterval = 15 * time.Second
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 10 * time.Second
	}
	if c.Gateway.PongTimeout == 0 {
		c.Gateway.PongTimeout = 60 * time.Second
	}
	if c.Gateway.PingInterval == 0 {
		c.Gateway.PingInterval = 54 * time.Second
	}
	if c.Gateway.MaxMessageSize == 0 {
		c.Gateway.MaxMessageSize = 64 * 1024
	}
	if c.Gateway.RelayRate == 0 {
		c.Gateway.RelayRate = 20
	}
	if c.Gateway.RelayBurst == 0 {
		c.Gateway.RelayBurst = 40
	}
}

// validateShared checks the sections every service needs
func (c *Config) validateShared() error {
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

	return nil
}

// ValidateAPIConfig checks everything the api-service needs to start
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Bus.Host == "" {
		return fmt.Errorf("bus host is required")
	}

	if c.Bus.Port < MinPort || c.Bus.Port > MaxPort {
		return fmt.Errorf("invalid bus port: %d (must be between %d and %d)", c.Bus.Port, MinPort, MaxPort)
	}

	if c.Bus.Exchange == "" {
		return fmt.Errorf("bus exchange name is required")
	}

	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth token secret is required")
	}

	return nil
}

// ValidateWorkerConfig checks everything the worker-service needs to start
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker poll_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Jobs.JobTimeout <= 0 {
		return fmt.Errorf("jobs job_timeout must be greater than 0")
	}

	if c.Jobs.VisibilityTimeout < c.Jobs.JobTimeout {
		return fmt.Errorf("jobs visibility_timeout must not be shorter than job_timeout")
	}

	return nil
}

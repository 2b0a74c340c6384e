package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds the shared Redis connection configuration.
// Redis backs the admission counters, idempotency keys, job queues
// and the status pub/sub channels.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AdmissionConfig bounds per-user in-flight task concurrency
type AdmissionConfig struct {
	MaxActiveTasks int `mapstructure:"max_active_tasks"`
}

// IdempotencyConfig controls the dedup key retention window
type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// QueueConfig holds job queue configuration
type QueueConfig struct {
	Prefix          string        `mapstructure:"prefix"`
	DefaultProvider string        `mapstructure:"default_provider"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PendingGrace    time.Duration `mapstructure:"pending_grace"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Providers   []string      `mapstructure:"providers"`
	Concurrency int           `mapstructure:"concurrency"`
	PollDelay   time.Duration `mapstructure:"poll_delay"`
	JobTimeout  time.Duration `mapstructure:"job_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Environment string `mapstructure:"environment"`
}

var globalConfig *Config

// Load loads the configuration from file, .env, and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// Load .env file
	if err := loadEnvFile(v); err != nil {
		// .env is optional, log but don't fail
		log.Warn().Err(err).Msg("Warning: .env file not loaded")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvPrefix("TASK_SERVICE")

	// Bind env keys for nested config
	bindEnvVars(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	globalConfig = &cfg
	return &cfg, nil
}

// loadEnvFile loads .env file by parsing KEY=VALUE lines and setting them as environment variables
func loadEnvFile(v *viper.Viper) error {
	envPaths := []string{
		".",
		"./config",
	}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads a .env file and sets environment variables
func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			value = strings.Trim(value, "\"'")
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// bindEnvVars binds environment variables to config keys
func bindEnvVars(v *viper.Viper) {
	// Database
	v.BindEnv("database.url", "DATABASE_URL")

	// Redis
	v.BindEnv("redis.url", "REDIS_URL")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")

	// Admission
	v.BindEnv("admission.max_active_tasks", "MAX_ACTIVE_TASKS")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	// Write timeout stays 0: the SSE streams hold their connections open
	// and manage their own deadlines.
	v.SetDefault("server.write_timeout", time.Duration(0))

	// Database defaults
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.max_conn_lifetime", 1*time.Hour)
	v.SetDefault("database.max_conn_idle_time", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.db", 0)

	// Admission defaults
	v.SetDefault("admission.max_active_tasks", 5)

	// Idempotency defaults
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	// Queue defaults
	v.SetDefault("queue.prefix", "tasks")
	v.SetDefault("queue.default_provider", "replicate")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.pending_grace", 10*time.Minute)
	v.SetDefault("queue.sweep_interval", 5*time.Minute)

	// Worker defaults
	v.SetDefault("worker.providers", []string{"replicate"})
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_delay", 500*time.Millisecond)
	v.SetDefault("worker.job_timeout", 10*time.Minute)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.no_color", false)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.environment", "production")
}

// Get returns the global configuration
func Get() *Config {
	return globalConfig
}

// GetDatabaseURL returns the database URL from config or environment
func GetDatabaseURL() string {
	if cfg := Get(); cfg != nil && cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	return os.Getenv("DATABASE_URL")
}

// GetRedisURL returns the Redis address from config or environment
func GetRedisURL() string {
	if cfg := Get(); cfg != nil && cfg.Redis.URL != "" {
		return cfg.Redis.URL
	}
	return os.Getenv("REDIS_URL")
}

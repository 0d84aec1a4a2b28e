// Package config provides configuration management for Agendo.
// It supports loading configuration from environment variables, an optional
// config file, and defaults, and fails fast on any invalid required value.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the execution core.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Env      string         `mapstructure:"env"` // development, production, test
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// WorkerConfig holds worker process configuration.
type WorkerConfig struct {
	ID                  string   `mapstructure:"id"`
	PollIntervalMS      int      `mapstructure:"pollIntervalMs"`
	MaxConcurrentJobs   int      `mapstructure:"maxConcurrentJobs"`
	LogDir              string   `mapstructure:"logDir"`
	StaleJobThresholdMS int      `mapstructure:"staleJobThresholdMs"`
	HeartbeatIntervalMS int      `mapstructure:"heartbeatIntervalMs"`
	AllowedWorkingDirs  []string `mapstructure:"allowedWorkingDirs"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds authentication configuration. The JWT secret is consumed
// at the boundary (terminal tokens), not by the execution core itself.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollInterval returns the queue polling interval as a time.Duration.
func (w *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// StaleJobThreshold returns the heartbeat staleness threshold as a duration.
func (w *WorkerConfig) StaleJobThreshold() time.Duration {
	return time.Duration(w.StaleJobThresholdMS) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (w *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(w.HeartbeatIntervalMS) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" for production, "text" otherwise.
func detectDefaultLogFormat() string {
	if env := os.Getenv("NODE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.pollIntervalMs", 2000)
	v.SetDefault("worker.maxConcurrentJobs", 3)
	v.SetDefault("worker.logDir", "/data/agendo/logs")
	v.SetDefault("worker.staleJobThresholdMs", 120000)
	v.SetDefault("worker.heartbeatIntervalMs", 30000)
	v.SetDefault("worker.allowedWorkingDirs", []string{})

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.jwtSecret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("env", "development")
}

// Load reads configuration from environment variables, config file, and
// defaults, for the web process (worker-only fields are not required).
func Load() (*Config, error) {
	return load(false)
}

// LoadWorker reads configuration for the worker process. Worker identity and
// sandbox roots are required; any missing value is a startup failure.
func LoadWorker() (*Config, error) {
	return load(true)
}

func load(worker bool) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENDO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The deployment environment exposes these under their historical names,
	// not under the AGENDO_ prefix, so bind them explicitly.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("worker.id", "WORKER_ID")
	_ = v.BindEnv("worker.pollIntervalMs", "WORKER_POLL_INTERVAL_MS")
	_ = v.BindEnv("worker.maxConcurrentJobs", "WORKER_MAX_CONCURRENT_JOBS")
	_ = v.BindEnv("worker.logDir", "LOG_DIR")
	_ = v.BindEnv("worker.staleJobThresholdMs", "STALE_JOB_THRESHOLD_MS")
	_ = v.BindEnv("worker.heartbeatIntervalMs", "HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("auth.jwtSecret", "JWT_SECRET")
	_ = v.BindEnv("env", "NODE_ENV")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agendo/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// ALLOWED_WORKING_DIRS is colon-separated in the environment; viper
	// cannot split it for us.
	if raw := os.Getenv("ALLOWED_WORKING_DIRS"); raw != "" {
		cfg.Worker.AllowedWorkingDirs = splitDirs(raw)
	}

	if err := validate(&cfg, worker); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// splitDirs splits a colon-separated list of roots, dropping empty entries.
func splitDirs(raw string) []string {
	parts := strings.Split(raw, ":")
	dirs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			dirs = append(dirs, p)
		}
	}
	return dirs
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config, worker bool) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}

	// Both processes enforce the working-directory allow-list: the web
	// process at creation time, the worker at spawn time.
	if len(cfg.Worker.AllowedWorkingDirs) == 0 {
		errs = append(errs, "ALLOWED_WORKING_DIRS is required")
	}
	for _, dir := range cfg.Worker.AllowedWorkingDirs {
		if !filepath.IsAbs(dir) {
			errs = append(errs, fmt.Sprintf("ALLOWED_WORKING_DIRS entry %q must be absolute", dir))
		}
	}

	if worker {
		if cfg.Worker.ID == "" {
			errs = append(errs, "WORKER_ID is required")
		}
		if cfg.Worker.PollIntervalMS <= 0 {
			errs = append(errs, "WORKER_POLL_INTERVAL_MS must be positive")
		}
		if cfg.Worker.MaxConcurrentJobs <= 0 {
			errs = append(errs, "WORKER_MAX_CONCURRENT_JOBS must be positive")
		}
		if cfg.Worker.LogDir == "" {
			errs = append(errs, "LOG_DIR is required")
		}
		if cfg.Worker.StaleJobThresholdMS <= 0 {
			errs = append(errs, "STALE_JOB_THRESHOLD_MS must be positive")
		}
		if cfg.Worker.HeartbeatIntervalMS <= 0 {
			errs = append(errs, "HEARTBEAT_INTERVAL_MS must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

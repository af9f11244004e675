package config

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds worker configuration.
type Config struct {
	DatabaseURL  string
	RedisURL     string
	LogLevel     string
	TickInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "worker.db"
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	tickInterval := 5 * time.Second
	if raw := os.Getenv("TICK_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			tickInterval = parsed
		}
	}

	return &Config{
		DatabaseURL:  dbURL,
		RedisURL:     redisURL,
		LogLevel:     logLevel,
		TickInterval: tickInterval,
	}
}

// SlogLevel maps the configured level name onto slog's scale.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

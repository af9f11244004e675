package config_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/product-os/jellyfish-worker-sub001/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("TICK_INTERVAL", "")

	cfg := config.Load()

	assert.Equal(t, "worker.db", cfg.DatabaseURL)
	assert.Contains(t, cfg.RedisURL, "localhost")
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "/var/lib/worker/store.db")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("TICK_INTERVAL", "30s")

	cfg := config.Load()

	assert.Equal(t, "/var/lib/worker/store.db", cfg.DatabaseURL)
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
}

func TestLoad_BadTickIntervalFallsBack(t *testing.T) {
	t.Setenv("TICK_INTERVAL", "soon")
	assert.Equal(t, 5*time.Second, config.Load().TickInterval)
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, (&config.Config{LogLevel: "debug"}).SlogLevel())
	assert.Equal(t, slog.LevelWarn, (&config.Config{LogLevel: "WARN"}).SlogLevel())
	assert.Equal(t, slog.LevelError, (&config.Config{LogLevel: "ERROR"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&config.Config{LogLevel: "anything"}).SlogLevel())
}

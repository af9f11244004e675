package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/product-os/jellyfish-worker-sub001/pkg/actions"
	"github.com/product-os/jellyfish-worker-sub001/pkg/config"
	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/executor"
	"github.com/product-os/jellyfish-worker-sub001/pkg/formulas"
	"github.com/product-os/jellyfish-worker-sub001/pkg/queue"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlite, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = sqlite.Close() }()
	kernel := store.WithRetry(sqlite, 5, 100*time.Millisecond)

	producer, err := queue.NewRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	formulaSubsystem, err := formulas.New()
	if err != nil {
		return err
	}

	admin, err := actions.EnsureAdmin(ctx, kernel)
	if err != nil {
		return err
	}
	session := &contracts.Session{
		Actor:      admin.ID,
		Privileged: true,
	}
	worker, err := executor.New(kernel, session, formulaSubsystem, producer)
	if err != nil {
		return err
	}
	defer worker.Stop()

	library := actions.DefaultLibrary()
	if err := actions.Setup(ctx, worker, library); err != nil {
		return err
	}
	if err := worker.Boot(ctx); err != nil {
		return err
	}

	logger.Info("worker running",
		"database", cfg.DatabaseURL,
		"tick_interval", cfg.TickInterval.String())

	worker.TickLoop(ctx, cfg.TickInterval)
	logger.Info("shutting down")
	return nil
}

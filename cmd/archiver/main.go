// Command archiver drains finished-match events from Kafka into PostgreSQL.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/caro-server/internal/config"
	"github.com/caro-server/internal/kafka"
	"github.com/caro-server/internal/postgres"
)

func main() {
	configPath := flag.StringP("config", "c", "config.yaml", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
	}

	cfg, usedDefaults, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.Log, os.Stdout).With("component", "archiver")
	slog.SetDefault(logger)
	if usedDefaults {
		logger.Warn("config file not found, using defaults", "path", *configPath)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("archiver exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("archiver stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer repo.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = repo.RunMigrations(migrateCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	consumer, err := kafka.NewConsumer(&cfg.Kafka, repo, logger)
	if err != nil {
		return fmt.Errorf("creating kafka consumer: %w", err)
	}
	if err := consumer.Start(); err != nil {
		consumer.Stop()
		return fmt.Errorf("starting kafka consumer: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down archiver...")

	if err := consumer.Stop(); err != nil {
		return fmt.Errorf("stopping kafka consumer: %w", err)
	}
	return nil
}

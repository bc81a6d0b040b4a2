package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/caro-server/internal/config"
	"github.com/caro-server/internal/directory"
	"github.com/caro-server/internal/handler"
	"github.com/caro-server/internal/invite"
	"github.com/caro-server/internal/kafka"
	"github.com/caro-server/internal/match"
	"github.com/caro-server/internal/postgres"
	"github.com/caro-server/internal/redis"
	"github.com/caro-server/internal/server"
	"github.com/caro-server/internal/service"
	"github.com/caro-server/internal/session"
	"github.com/caro-server/internal/sqlite"
	"github.com/caro-server/internal/websocket"
	"github.com/caro-server/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.StringP("config", "c", "config.yaml", "Path to configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	// A missing .env is normal outside development
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
	}

	// Load configuration
	cfg, usedDefaults, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if usedDefaults {
		logger.Warn("config file not found, using defaults", "path", *configPath)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// Cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize history stores
	stores, pingers, closers, err := openStores(ctx, cfg, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Error("failed to close store", "error", err)
			}
		}
	}()
	if err != nil {
		return err
	}
	history := service.NewHistoryService(stores, cfg.Storage.MaxPending, logger)

	// Initialize lobby and match engine
	clock := clockwork.NewRealClock()
	engine := match.NewEngine(match.Config{
		BoardSize:      cfg.Game.BoardSize,
		ThinkTime:      cfg.Game.ThinkTime,
		PersistTimeout: cfg.Storage.WriteTimeout,
	}, clock, history, logger)
	dir := directory.New(logger)
	ledger := invite.NewLedger(dir, engine, clock, cfg.Lobby.InviteTTL, logger)

	gameServer := server.New(server.Config{
		MaxNameLength: cfg.Lobby.MaxNameLength,
		MaxFrameBytes: cfg.Session.MaxFrameBytes,
		WriteWait:     cfg.Session.WriteWait,
		RateLimit:     cfg.Session.RateLimit,
		RateBurst:     cfg.Session.RateBurst,
		Session: session.Options{
			SendBuffer: cfg.Session.SendBuffer,
			Overflow:   session.OverflowPolicy(cfg.Session.OverflowPolicy),
		},
	}, dir, ledger, engine, logger)

	// Start maintenance worker
	maintenance := worker.NewMaintenanceWorker(history, ledger, worker.Config{
		RetryInterval: cfg.Storage.RetryInterval,
		SweepInterval: cfg.Lobby.SweepInterval,
	}, clock, logger)
	if err := maintenance.Start(ctx); err != nil {
		return fmt.Errorf("starting maintenance worker: %w", err)
	}
	defer func() {
		if err := maintenance.Stop(); err != nil {
			logger.Error("failed to stop maintenance worker", "error", err)
		}
	}()

	// Initialize HTTP handler with the WebSocket game endpoint
	wsHandler := websocket.NewHandler(gameServer, websocket.Options{
		WriteWait:      cfg.Session.WriteWait,
		PongWait:       cfg.Session.PongWait,
		MaxMessageSize: int64(cfg.Session.MaxFrameBytes),
	}, logger)
	httpHandler := handler.NewHandler(dir, ledger, engine, history, gameServer, append(pingers, maintenance), wsHandler, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr(),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return gameServer.ListenAndServe(gctx, cfg.Server.TCPAddr())
	})

	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", httpServer.Addr)
		logger.Info("WebSocket endpoint available at /ws")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Closing game sessions forfeits their matches, which flushes
		// the final records to the stores.
		gameServer.Shutdown()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown HTTP server", "error", err)
		}

		if n := history.Pending(); n > 0 {
			done, remaining := history.RetryPending(shutdownCtx)
			logger.Info("flushed pending history writes", "written", done, "remaining", remaining)
		}
		return nil
	})

	return g.Wait()
}

// openStores connects every configured history backend in order. The first
// backend able to serve reads answers the history API.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]service.Store, []handler.Pinger, []io.Closer, error) {
	var (
		stores  []service.Store
		pingers []handler.Pinger
		closers []io.Closer
	)

	for _, backend := range cfg.Storage.Backends {
		switch backend {
		case "sqlite":
			logger.Info("opening SQLite", "path", cfg.SQLite.Path)
			store, err := sqlite.New(cfg.SQLite.Path)
			if err != nil {
				return nil, nil, closers, fmt.Errorf("opening sqlite: %w", err)
			}
			closers = append(closers, store)
			stores = append(stores, store)
			pingers = append(pingers, store)

		case "postgres":
			logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
			repo, err := postgres.NewRepository(&cfg.Postgres, logger)
			if err != nil {
				return nil, nil, closers, fmt.Errorf("connecting to postgres: %w", err)
			}
			closers = append(closers, repo)
			migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err = repo.RunMigrations(migrateCtx)
			cancel()
			if err != nil {
				return nil, nil, closers, fmt.Errorf("running migrations: %w", err)
			}
			stores = append(stores, repo)
			pingers = append(pingers, repo)

		case "redis":
			logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
			cache, err := redis.NewMatchCache(&cfg.Redis, logger)
			if err != nil {
				return nil, nil, closers, fmt.Errorf("connecting to redis: %w", err)
			}
			closers = append(closers, cache)
			stores = append(stores, cache)
			pingers = append(pingers, cache)

		case "kafka":
			logger.Info("connecting to Kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
			pub, err := kafka.NewPublisher(&cfg.Kafka, logger)
			if err != nil {
				return nil, nil, closers, fmt.Errorf("connecting to kafka: %w", err)
			}
			closers = append(closers, pub)
			stores = append(stores, pub)
		}
	}

	return stores, pingers, closers, nil
}

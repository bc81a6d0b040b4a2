package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
)

// ErrNotRunning is reported by Ping before Start or after Stop
var ErrNotRunning = errors.New("maintenance worker not running")

// HistoryRetrier retries match history writes that previously failed
type HistoryRetrier interface {
	RetryPending(ctx context.Context) (done, remaining int)
	Pending() int
}

// InviteSweeper drops expired invites
type InviteSweeper interface {
	Sweep() int
}

// Config holds job intervals. A zero interval disables that job.
type Config struct {
	RetryInterval time.Duration
	SweepInterval time.Duration
}

// MaintenanceWorker runs periodic background jobs on a gocron scheduler
type MaintenanceWorker struct {
	history HistoryRetrier
	invites InviteSweeper
	config  Config
	clock   clockwork.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	running   bool
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// NewMaintenanceWorker creates a new maintenance worker
func NewMaintenanceWorker(
	history HistoryRetrier,
	invites InviteSweeper,
	cfg Config,
	clock clockwork.Clock,
	logger *slog.Logger,
) *MaintenanceWorker {
	return &MaintenanceWorker{
		history: history,
		invites: invites,
		config:  cfg,
		clock:   clock,
		logger:  logger,
	}
}

// Start schedules the jobs
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	scheduler, err := gocron.NewScheduler(
		gocron.WithClock(w.clock),
		gocron.WithLogger(gocron.NewLogger(gocron.LogLevelError)),
	)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)

	if w.history != nil && w.config.RetryInterval > 0 {
		_, err := scheduler.NewJob(
			gocron.DurationJob(w.config.RetryInterval),
			gocron.NewTask(func() { w.retryHistory(jobCtx) }),
			gocron.WithName("history-retry"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			return fmt.Errorf("scheduling history retry: %w", err)
		}
	}

	if w.invites != nil && w.config.SweepInterval > 0 {
		_, err := scheduler.NewJob(
			gocron.DurationJob(w.config.SweepInterval),
			gocron.NewTask(w.sweepInvites),
			gocron.WithName("invite-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			return fmt.Errorf("scheduling invite sweep: %w", err)
		}
	}

	scheduler.Start()
	w.scheduler = scheduler
	w.cancel = cancel
	w.running = true

	w.logger.Info("maintenance worker started",
		"retry_interval", w.config.RetryInterval,
		"sweep_interval", w.config.SweepInterval,
	)
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (w *MaintenanceWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}

	w.cancel()
	err := w.scheduler.Shutdown()
	w.running = false

	w.logger.Info("maintenance worker stopped")
	return err
}

// Name identifies the worker in readiness checks
func (w *MaintenanceWorker) Name() string {
	return "maintenance"
}

// Ping fails when the scheduler is not running
func (w *MaintenanceWorker) Ping(ctx context.Context) error {
	if !w.IsRunning() {
		return ErrNotRunning
	}
	return nil
}

// IsRunning reports whether the worker is started
func (w *MaintenanceWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// RunOnce runs every job immediately, outside the schedule
func (w *MaintenanceWorker) RunOnce(ctx context.Context) {
	if w.history != nil {
		w.retryHistory(ctx)
	}
	if w.invites != nil {
		w.sweepInvites()
	}
}

func (w *MaintenanceWorker) retryHistory(ctx context.Context) {
	if w.history.Pending() == 0 {
		return
	}

	start := w.clock.Now()
	done, remaining := w.history.RetryPending(ctx)
	w.logger.Info("history retry cycle completed",
		"duration", w.clock.Since(start),
		"recovered", done,
		"remaining", remaining,
	)
}

func (w *MaintenanceWorker) sweepInvites() {
	if n := w.invites.Sweep(); n > 0 {
		w.logger.Info("expired invites removed", "count", n)
	}
}

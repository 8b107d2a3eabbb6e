package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/BatmanBruc/bat-bot-vpnshop/internal/panel"
	"github.com/BatmanBruc/bat-bot-vpnshop/types"
	"github.com/robfig/cron/v3"
)

const jobTimeout = 10 * time.Minute

type ExpiryScanner interface {
	Scan(ctx context.Context, now time.Time) ([]types.NotificationEvent, error)
}

type Reconciler interface {
	ReconcileAll(ctx context.Context) (panel.SyncSummary, error)
}

// AttemptRecoverer credits confirmed attempts whose credit never committed.
type AttemptRecoverer interface {
	Recover(ctx context.Context) (int, error)
}

type JobsConfig struct {
	ExpirySchedule    string
	ReconcileSchedule string
}

// Jobs runs the periodic expiry scan and panel reconciliation.
type Jobs struct {
	cron       *cron.Cron
	scanner    ExpiryScanner
	reconciler Reconciler
	recoverer  AttemptRecoverer
	logger     *slog.Logger
	config     JobsConfig
	now        func() time.Time
}

func NewJobs(scanner ExpiryScanner, reconciler Reconciler, recoverer AttemptRecoverer, logger *slog.Logger, cfg JobsConfig) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Jobs{
		cron:       cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		scanner:    scanner,
		reconciler: reconciler,
		recoverer:  recoverer,
		logger:     logger,
		config:     cfg,
		now:        time.Now,
	}
}

// Start registers the jobs and starts the cron runner. A job with an invalid schedule is logged
// and left out.
func (j *Jobs) Start() {
	if _, err := j.cron.AddFunc(j.config.ExpirySchedule, j.ScanExpiry); err != nil {
		j.logger.Error("failed to schedule expiry scan", "schedule", j.config.ExpirySchedule, "error", err)
	} else {
		j.logger.Info("scheduled expiry scan", "schedule", j.config.ExpirySchedule)
	}

	if _, err := j.cron.AddFunc(j.config.ReconcileSchedule, j.Reconcile); err != nil {
		j.logger.Error("failed to schedule panel reconcile", "schedule", j.config.ReconcileSchedule, "error", err)
	} else {
		j.logger.Info("scheduled panel reconcile", "schedule", j.config.ReconcileSchedule)
	}

	j.cron.Start()
}

// Stop stops the runner; the returned context is done once running jobs finish.
func (j *Jobs) Stop() context.Context {
	return j.cron.Stop()
}

func (j *Jobs) ScanExpiry() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, err := j.scanner.Scan(ctx, j.now()); err != nil {
		j.logger.Error("expiry scan failed", "error", err)
	}
}

// Reconcile first finishes interrupted credits, since those mark users pending, then pushes every
// pending user.
func (j *Jobs) Reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if j.recoverer != nil {
		if n, err := j.recoverer.Recover(ctx); err != nil {
			j.logger.Error("attempt recovery failed", "error", err)
		} else if n > 0 {
			j.logger.Info("recovered uncredited attempts", "count", n)
		}
	}
	if _, err := j.reconciler.ReconcileAll(ctx); err != nil {
		j.logger.Error("panel reconcile failed", "error", err)
	}
}

package syncer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sweeper retries embedding for facts stored without vectors. The fact
// service implements this.
type Sweeper interface {
	ReembedMissing(ctx context.Context) (int, error)
}

// SchedulerConfig paces the background sync loop.
type SchedulerConfig struct {
	// Interval between sync passes.
	Interval time.Duration

	// Timeout bounds one sync attempt.
	Timeout time.Duration

	// MaxRetries bounds retries of a failed pass before waiting for the
	// next interval.
	MaxRetries int
}

// Scheduler runs the reconciler on a fixed cadence, with bounded retries
// and a re-embedding sweep between passes.
type Scheduler struct {
	reconciler *Reconciler
	sweeper    Sweeper
	config     SchedulerConfig
	logger     *zap.Logger
}

// NewScheduler creates a scheduler. sweeper may be nil.
func NewScheduler(reconciler *Reconciler, sweeper Sweeper, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		reconciler: reconciler,
		sweeper:    sweeper,
		config:     cfg,
		logger:     logger,
	}
}

// Run blocks, syncing every Interval until ctx is cancelled. The first pass
// runs immediately. Sync failures are logged and retried but never stop the
// loop; the cursor stays put, so the next pass replays what was missed.
func (s *Scheduler) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(s.config.Interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		s.runOnce(ctx)

		if s.sweeper != nil {
			count, err := s.sweeper.ReembedMissing(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("re-embedding sweep failed", zap.Error(err))
			} else if count > 0 {
				s.logger.Info("re-embedding sweep completed", zap.Int("count", count))
			}
		}
	}
}

// runOnce attempts a sync pass with bounded retries and exponential
// backoff.
func (s *Scheduler) runOnce(ctx context.Context) {
	backoff := time.Second

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		report, err := s.reconciler.Sync(attemptCtx)
		cancel()

		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("sync pass failed",
			zap.Int("attempt", attempt+1),
			zap.Int("pushed", report.Pushed),
			zap.Error(err),
		)

		if attempt < s.config.MaxRetries {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return
			}
		}
	}
}

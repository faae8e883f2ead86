// Package sweeper runs the periodic maintenance jobs: expired advisory locks
// are removed and stuck queue jobs are returned to the pending state.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// LockSweeper removes expired advisory locks.
type LockSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// JobReaper re-delivers jobs whose worker disappeared mid-run.
type JobReaper interface {
	ReapStuck(ctx context.Context) (int64, error)
}

// Sweeper schedules the maintenance jobs on a cron runner.
type Sweeper struct {
	cron   *cron.Cron
	locks  LockSweeper
	jobs   JobReaper
	logger *slog.Logger
}

// New creates a sweeper. Call Start to begin scheduling.
func New(log *slog.Logger, locks LockSweeper, jobs JobReaper) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cron:   cron.New(),
		locks:  locks,
		jobs:   jobs,
		logger: log.With(slog.String("service", "sweeper")),
	}
}

// Start registers the maintenance schedules and starts the cron runner.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every 1m", s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops scheduling and waits for in-flight runs to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n, err := s.locks.SweepExpired(ctx); err != nil {
		s.logger.Warn("lock sweep failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("expired locks removed", slog.Int64("count", n))
	}

	if n, err := s.jobs.ReapStuck(ctx); err != nil {
		s.logger.Warn("job reap failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("stuck jobs re-delivered", slog.Int64("count", n))
	}
}

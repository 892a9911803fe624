package etl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs batches on a cron cadence. Overlapping ticks are
// dropped rather than queued: an ETL batch that outlives its interval
// must not stack a second batch behind it.
type Scheduler struct {
	cron   *cron.Cron
	orch   *Orchestrator
	opts   RunOptions
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a Scheduler that triggers orch with opts on
// every tick of schedule.
func NewScheduler(orch *Orchestrator, opts RunOptions, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		orch:   orch,
		opts:   opts,
		logger: logger,
	}
}

// Start registers the cron schedule and starts ticking. It returns an
// error only for an unparseable schedule expression.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() { s.tick(ctx) })
	if err != nil {
		return fmt.Errorf("cron schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", schedule)
	return nil
}

// Stop stops the cron loop and waits for an in-flight batch to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("previous batch still running, skipping tick")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.orch.Run(ctx, s.opts); err != nil {
		s.logger.Error("scheduled batch aborted", "error", err)
	}
}

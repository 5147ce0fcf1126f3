// Package scheduler runs periodic maintenance, such as reaping idle
// sessions, on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is a named piece of periodic work.
type Task func(ctx context.Context) error

// Scheduler fires registered tasks on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates an idle Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		// A slow run is skipped rather than overlapped by the next tick.
		cron:   cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers task under name. Invalid schedules are rejected.
func (s *Scheduler) Add(name, schedule string, task Task) error {
	_, err := s.cron.AddFunc(schedule, func() {
		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		start := time.Now()
		if err := task(ctx); err != nil {
			s.logger.Error("scheduled task failed", "name", name, "error", err)
			return
		}
		s.logger.Debug("scheduled task done", "name", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q for %s: %w", schedule, name, err)
	}
	s.logger.Info("scheduled task", "name", name, "schedule", schedule)
	return nil
}

// Start starts the cron ticker. Tasks receive a context cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop stops the ticker and waits for running tasks to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
}

// Reaper is implemented by *session.Manager.
type Reaper interface {
	ReapIdle(ctx context.Context, idle time.Duration) (int, error)
}

// ReapIdleSessions returns a task ending and evicting sessions idle
// longer than idle.
func ReapIdleSessions(r Reaper, idle time.Duration, logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		n, err := r.ReapIdle(ctx, idle)
		if n > 0 && logger != nil {
			logger.Info("idle sessions reaped", "count", n, "idle", idle)
		}
		return err
	}
}

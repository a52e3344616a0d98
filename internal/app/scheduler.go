/**
 * @description
 * Cron scheduler for background refreshes of the dataset.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Refresher is what the scheduled refresh needs from the synchronizer.
type Refresher interface {
	State() State
	Refresh(ctx context.Context) error
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	target   Refresher
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler that refreshes target on schedule.
func NewScheduler(target Refresher, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		target:   target,
		schedule: schedule,
		timeout:  2 * time.Minute,
		logger:   logger,
	}
}

// Start registers the refresh job and starts the cron scheduler. An empty
// schedule disables it.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.logger.Info("auto refresh disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.RefreshDataset); err != nil {
		s.logger.Error("failed to schedule dataset refresh job", "error", err)
		return err
	}
	s.logger.Info("scheduled dataset refresh job", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RefreshDataset fetches the dataset when someone is logged in.
func (s *Scheduler) RefreshDataset() {
	if !s.target.State().Authenticated {
		s.logger.Debug("skipping dataset refresh: logged out")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.logger.Info("starting dataset refresh job")
	if err := s.target.Refresh(ctx); err != nil {
		s.logger.Error("dataset refresh job failed", "error", err)
		return
	}
	s.logger.Info("dataset refresh job finished")
}

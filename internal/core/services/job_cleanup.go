package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
)

const timedOutReason = "Job timed out"

type CleanupConfig struct {
	Interval  time.Duration
	JobExpiry time.Duration
	Retention time.Duration
	// EventRetention prunes events older than this; zero keeps them forever.
	EventRetention time.Duration
}

func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Interval:  30 * time.Minute,
		JobExpiry: 24 * time.Hour,
		Retention: 30 * 24 * time.Hour,
	}
}

type SweepResult struct {
	TimedOut     int
	Cancelled    int
	Deleted      int
	EventsPruned int
}

// JobCleaner retires stuck jobs and removes expired rows. State changes go
// through the command service like any other write.
type JobCleaner struct {
	logger   *slog.Logger
	store    ports.Store
	commands *JobCommandService
	cfg      CleanupConfig
	now      func() time.Time
}

func NewJobCleaner(logger *slog.Logger, store ports.Store, commands *JobCommandService, cfg CleanupConfig) *JobCleaner {
	return &JobCleaner{
		logger:   logger,
		store:    store,
		commands: commands,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run sweeps every Interval until ctx ends.
func (c *JobCleaner) Run(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		c.logger.Info("job cleanup disabled")
		<-ctx.Done()
		return nil
	}

	c.logger.Info("job cleanup started", "interval", c.cfg.Interval)
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("job cleanup stopped")
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error("job cleanup sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one cleanup pass.
func (c *JobCleaner) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := c.now()

	if c.cfg.JobExpiry > 0 {
		stale, err := c.store.Jobs().FindStale(ctx, now.Add(-c.cfg.JobExpiry))
		if err != nil {
			return res, fmt.Errorf("find stale jobs: %w", err)
		}
		for _, job := range stale {
			var err error
			if job.Status == domain.JobStatusPending {
				_, err = c.commands.CancelJob(ctx, job.ID)
				if err == nil {
					res.Cancelled++
				}
			} else {
				_, err = c.commands.FailJob(ctx, job.ID, timedOutReason)
				if err == nil {
					res.TimedOut++
				}
			}
			// The job may have finished between the query and the write.
			if err != nil && !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, domain.ErrJobNotFound) {
				c.logger.Error("failed to retire stale job", "job_id", job.ID, "error", err)
			}
		}
	}

	if c.cfg.Retention > 0 {
		n, err := c.store.Jobs().DeleteOlderThan(ctx, now.Add(-c.cfg.Retention))
		if err != nil {
			return res, fmt.Errorf("delete expired jobs: %w", err)
		}
		res.Deleted = n
	}

	if c.cfg.EventRetention > 0 {
		n, err := c.store.Events().DeleteEventsBefore(ctx, now.Add(-c.cfg.EventRetention))
		if err != nil {
			return res, fmt.Errorf("prune events: %w", err)
		}
		res.EventsPruned = n
	}

	if res != (SweepResult{}) {
		c.logger.Info("job cleanup sweep finished",
			"timed_out", res.TimedOut, "cancelled", res.Cancelled, "deleted", res.Deleted, "events_pruned", res.EventsPruned)
	}
	return res, nil
}

package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"golang.org/x/sync/semaphore"
)

// SchedulerConfig defines concurrency limits
type SchedulerConfig struct {
	MaxConcurrentJobs int64
	QueueSize         int
}

// JobScheduler is the bounded pool that runs generation tasks off the
// request path.
type JobScheduler struct {
	logger       *slog.Logger
	pendingQueue chan GenerationTrigger
	semaphore    *semaphore.Weighted

	mu      sync.Mutex
	started bool
	closed  bool
	stopped chan struct{}
}

func NewJobScheduler(logger *slog.Logger, cfg SchedulerConfig) *JobScheduler {
	limit := cfg.MaxConcurrentJobs
	if limit <= 0 {
		limit = 10
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}

	return &JobScheduler{
		logger:       logger,
		pendingQueue: make(chan GenerationTrigger, size),
		semaphore:    semaphore.NewWeighted(limit),
		stopped:      make(chan struct{}),
	}
}

// SubmitJob queues a trigger without blocking. A full queue yields
// domain.ErrQueueFull, a stopped scheduler domain.ErrShuttingDown.
func (s *JobScheduler) SubmitJob(ctx context.Context, t GenerationTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrShuttingDown
	}
	select {
	case s.pendingQueue <- t:
		s.logger.Info("job submitted", "job_id", t.JobID)
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Start consumes triggers until ctx ends, running at most MaxConcurrentJobs
// handlers at once. Triggers that never got a slot are handed to drop once
// ctx ends; drop may be nil.
func (s *JobScheduler) Start(ctx context.Context, handler func(context.Context, GenerationTrigger), drop func(GenerationTrigger)) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.logger.Info("starting job scheduler")

	go func() {
		defer close(s.stopped)
		var running sync.WaitGroup
		defer running.Wait()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("stopping scheduler")
				s.shutdown(drop)
				return
			case t := <-s.pendingQueue:
				if err := s.semaphore.Acquire(ctx, 1); err != nil {
					s.shutdown(drop, t)
					return
				}
				if ctx.Err() != nil {
					s.semaphore.Release(1)
					s.shutdown(drop, t)
					return
				}

				running.Add(1)
				go func() {
					defer running.Done()
					defer s.semaphore.Release(1)
					handler(ctx, t)
				}()
			}
		}
	}()
}

// shutdown closes the queue to new triggers and drops what it still holds.
func (s *JobScheduler) shutdown(drop func(GenerationTrigger), held ...GenerationTrigger) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

drain:
	for {
		select {
		case t := <-s.pendingQueue:
			held = append(held, t)
		default:
			break drain
		}
	}
	for _, t := range held {
		s.logger.Warn("job dropped at shutdown", "job_id", t.JobID)
		if drop != nil {
			drop(t)
		}
	}
}

// Wait blocks until the scheduler has stopped and every started handler has
// returned. It returns at once if Start was never called.
func (s *JobScheduler) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		<-s.stopped
	}
}

// Pending is the number of queued triggers not yet started.
func (s *JobScheduler) Pending() int {
	return len(s.pendingQueue)
}

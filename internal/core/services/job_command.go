package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
)

// RetryPolicy bounds the optimistic write loop. The delay before attempt
// n+1 is BaseDelay*n.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

// transition inspects the current snapshot and returns the event to record,
// or an error wrapping domain.ErrInvalidTransition.
type transition func(current domain.Job) (domain.EventPayload, error)

// JobCommandService is the only writer of job state. Every accepted change
// is recorded as an event and as a new snapshot version in one unit of work.
type JobCommandService struct {
	logger *slog.Logger
	store  ports.Store
	sink   ports.NotificationSink
	retry  RetryPolicy
	now    func() time.Time
}

func NewJobCommandService(logger *slog.Logger, store ports.Store, sink ports.NotificationSink, retry RetryPolicy) *JobCommandService {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &JobCommandService{
		logger: logger,
		store:  store,
		sink:   sink,
		retry:  retry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob records JOB_CREATED and inserts the PENDING snapshot.
func (s *JobCommandService) CreateJob(ctx context.Context, ownerID string, fileType domain.FileType) (domain.Job, error) {
	return s.create(ctx, ownerID, fileType, false)
}

// CreateJobIfNoneActive is CreateJob guarded by the one-active-job-per-owner
// rule. The lookup and the insert share a transaction, so concurrent callers
// for the same owner and type admit exactly one job.
func (s *JobCommandService) CreateJobIfNoneActive(ctx context.Context, ownerID string, fileType domain.FileType) (domain.Job, error) {
	return s.create(ctx, ownerID, fileType, true)
}

func (s *JobCommandService) create(ctx context.Context, ownerID string, fileType domain.FileType, exclusive bool) (domain.Job, error) {
	if ownerID == "" {
		return domain.Job{}, errors.New("owner id is required")
	}
	id := domain.JobID(uuid.NewString())
	evt := domain.NewEvent(domain.Job{ID: id, OwnerID: ownerID}, domain.JobCreated{FileType: fileType}, s.now())
	job := domain.ApplyEvent(domain.Job{}, evt)

	err := s.store.InTx(ctx, func(tx ports.Store) error {
		if exclusive {
			active, err := tx.Jobs().FindActive(ctx, ownerID, fileType)
			if err != nil {
				return fmt.Errorf("check active jobs: %w", err)
			}
			if len(active) > 0 {
				return fmt.Errorf("%w: %s (job %s)", domain.ErrJobAlreadyExists, fileType, active[0].ID)
			}
		}
		if err := tx.Events().Append(ctx, &evt); err != nil {
			return fmt.Errorf("append %s: %w", evt.Type(), err)
		}
		return tx.Jobs().Insert(ctx, job)
	})
	if errors.Is(err, domain.ErrJobAlreadyExists) {
		return domain.Job{}, err
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job created", "job_id", id, "owner_id", ownerID, "file_type", fileType)
	s.notify(job)
	return job, nil
}

// UpdateStatus moves a job to IN_PROGRESS or CANCELLED. Completion and
// failure carry data and go through CompleteJob and FailJob.
func (s *JobCommandService) UpdateStatus(ctx context.Context, id domain.JobID, status domain.JobStatus) (domain.Job, error) {
	if status != domain.JobStatusInProgress && status != domain.JobStatusCancelled {
		return domain.Job{}, fmt.Errorf("%w: status %s cannot be set directly", domain.ErrInvalidTransition, status)
	}
	return s.mutate(ctx, id, "update status", func(cur domain.Job) (domain.EventPayload, error) {
		if !domain.CanTransition(cur.Status, status) {
			return nil, rejected(cur, status)
		}
		if status == domain.JobStatusCancelled {
			return domain.JobCancelled{OldStatus: cur.Status}, nil
		}
		return domain.JobStatusChanged{OldStatus: cur.Status, NewStatus: status}, nil
	})
}

func (s *JobCommandService) CancelJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return s.UpdateStatus(ctx, id, domain.JobStatusCancelled)
}

// CompleteJob attaches the artifact. On a terminal job it changes nothing
// and the error wraps both ErrInvalidTransition and ErrJobTerminal.
func (s *JobCommandService) CompleteJob(ctx context.Context, id domain.JobID, artifact domain.Artifact) (domain.Job, error) {
	return s.mutate(ctx, id, "complete", func(cur domain.Job) (domain.EventPayload, error) {
		if !domain.CanTransition(cur.Status, domain.JobStatusCompleted) {
			return nil, rejected(cur, domain.JobStatusCompleted)
		}
		return domain.JobCompleted{Artifact: artifact}, nil
	})
}

func (s *JobCommandService) FailJob(ctx context.Context, id domain.JobID, reason string) (domain.Job, error) {
	return s.mutate(ctx, id, "fail", func(cur domain.Job) (domain.EventPayload, error) {
		if !domain.CanTransition(cur.Status, domain.JobStatusFailed) {
			return nil, rejected(cur, domain.JobStatusFailed)
		}
		return domain.JobFailed{Reason: reason}, nil
	})
}

// IsCancelled reports true for a cancelled job and for a job that does not
// exist at all. A read failure is logged and reported as not cancelled.
func (s *JobCommandService) IsCancelled(ctx context.Context, id domain.JobID) bool {
	job, err := s.store.Jobs().Get(ctx, id)
	if err == nil {
		return job.Status == domain.JobStatusCancelled
	}
	if !errors.Is(err, domain.ErrJobNotFound) {
		s.logger.Error("failed to read job for cancellation check", "job_id", id, "error", err)
		return false
	}

	events, err := s.store.Events().EventsForJob(ctx, id)
	if err != nil {
		s.logger.Error("failed to read events for cancellation check", "job_id", id, "error", err)
		return false
	}
	rebuilt, ok := domain.Reconstruct(events)
	if !ok {
		return true
	}
	return rebuilt.Status == domain.JobStatusCancelled
}

// Reconstruct folds the job's full event log into a snapshot.
func (s *JobCommandService) Reconstruct(ctx context.Context, id domain.JobID) (domain.Job, error) {
	events, err := s.store.Events().EventsForJob(ctx, id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("read events for %s: %w", id, err)
	}
	job, ok := domain.Reconstruct(events)
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job, nil
}

func (s *JobCommandService) mutate(ctx context.Context, id domain.JobID, op string, tr transition) (domain.Job, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		job, err := s.attempt(ctx, id, tr)
		if err == nil {
			s.logger.Info("job updated", "job_id", id, "op", op, "status", job.Status, "version", job.Version)
			s.notify(job)
			return job, nil
		}
		if errors.Is(err, domain.ErrJobNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			return job, err
		}

		lastErr = err
		conflict := errors.Is(err, domain.ErrVersionConflict)
		s.logger.Warn("job write attempt failed", "job_id", id, "op", op, "attempt", attempt, "conflict", conflict, "error", err)

		if attempt == s.retry.MaxAttempts {
			if conflict {
				return s.reconstructAndSave(ctx, id, op, tr)
			}
			break
		}
		if err := sleep(ctx, s.retry.Delay(attempt)); err != nil {
			return domain.Job{}, fmt.Errorf("%s job %s: %w", op, id, err)
		}
	}
	return domain.Job{}, fmt.Errorf("%s job %s: %w", op, id, lastErr)
}

// attempt performs one read, append, conditional-write cycle. On an
// invalid transition the unchanged snapshot is returned with the error.
func (s *JobCommandService) attempt(ctx context.Context, id domain.JobID, tr transition) (domain.Job, error) {
	current, err := s.store.Jobs().Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	payload, err := tr(current)
	if err != nil {
		return current, err
	}

	evt := domain.NewEvent(current, payload, s.now())
	next := domain.ApplyEvent(current, evt)
	err = s.store.InTx(ctx, func(tx ports.Store) error {
		if err := tx.Events().Append(ctx, &evt); err != nil {
			return fmt.Errorf("append %s: %w", evt.Type(), err)
		}
		return tx.Jobs().CompareAndSwap(ctx, next, current.Version)
	})
	if err != nil {
		return domain.Job{}, err
	}
	return next, nil
}

// reconstructAndSave is the last resort after repeated conflicts: rebuild
// from the log, re-check and re-apply the transition, and write without a
// version condition.
func (s *JobCommandService) reconstructAndSave(ctx context.Context, id domain.JobID, op string, tr transition) (domain.Job, error) {
	s.logger.Warn("retries exhausted, reconstructing job from events", "job_id", id, "op", op)

	var saved domain.Job
	err := s.store.InTx(ctx, func(tx ports.Store) error {
		events, err := tx.Events().EventsForJob(ctx, id)
		if err != nil {
			return err
		}
		current, ok := domain.Reconstruct(events)
		if !ok {
			return domain.ErrJobNotFound
		}
		payload, err := tr(current)
		if err != nil {
			saved = current
			return err
		}

		evt := domain.NewEvent(current, payload, s.now())
		if err := tx.Events().Append(ctx, &evt); err != nil {
			return fmt.Errorf("append %s: %w", evt.Type(), err)
		}
		next := domain.ApplyEvent(current, evt)
		// Save assigns the version itself.
		next.Version = current.Version
		if err := tx.Jobs().Save(ctx, next); err != nil {
			return err
		}
		saved, err = tx.Jobs().Get(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrJobNotFound) {
			return saved, err
		}
		s.logger.Error("failed to persist reconstructed job", "job_id", id, "op", op, "error", err)
		return domain.Job{}, fmt.Errorf("%w: %s job %s: %w", domain.ErrConcurrencyExhausted, op, id, err)
	}

	s.logger.Info("job updated from reconstructed state", "job_id", id, "op", op, "status", saved.Status, "version", saved.Version)
	s.notify(saved)
	return saved, nil
}

func (s *JobCommandService) notify(job domain.Job) {
	if s.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification sink panicked", "job_id", job.ID, "panic", fmt.Sprint(r))
		}
	}()
	s.sink.Publish(job.OwnerID, job)
}

func rejected(cur domain.Job, target domain.JobStatus) error {
	if cur.Status.IsTerminal() {
		return fmt.Errorf("%w: %w: job %s is %s", domain.ErrInvalidTransition, domain.ErrJobTerminal, cur.ID, cur.Status)
	}
	return fmt.Errorf("%w: job %s %s -> %s", domain.ErrInvalidTransition, cur.ID, cur.Status, target)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

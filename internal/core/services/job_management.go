package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
)

type generationSubmitter interface {
	Submit(ctx context.Context, t GenerationTrigger) error
}

type sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

// JobManagementService admits, cancels and retries jobs on behalf of an
// authenticated principal.
type JobManagementService struct {
	logger    *slog.Logger
	store     ports.Store
	commands  *JobCommandService
	generator generationSubmitter
	cleaner   sweeper
	registry  *domain.GeneratorRegistry
	maxJobs   int
}

func NewJobManagementService(
	logger *slog.Logger,
	store ports.Store,
	commands *JobCommandService,
	generator generationSubmitter,
	cleaner sweeper,
	registry *domain.GeneratorRegistry,
	maxJobs int,
) *JobManagementService {
	return &JobManagementService{
		logger:    logger,
		store:     store,
		commands:  commands,
		generator: generator,
		cleaner:   cleaner,
		registry:  registry,
		maxJobs:   maxJobs,
	}
}

// InitiateJob creates a job for p and schedules its generation.
func (m *JobManagementService) InitiateJob(ctx context.Context, p domain.Principal, fileType domain.FileType, params map[string]any) (domain.Job, error) {
	if _, err := m.registry.Lookup(fileType); err != nil {
		return domain.Job{}, err
	}
	if err := m.ensureCapacity(ctx); err != nil {
		return domain.Job{}, err
	}

	job, err := m.commands.CreateJobIfNoneActive(ctx, p.UserID, fileType)
	if err != nil {
		return domain.Job{}, err
	}

	trigger := GenerationTrigger{JobID: job.ID, OwnerID: job.OwnerID, Type: fileType, Parameters: params}
	if err := m.generator.Submit(ctx, trigger); err != nil {
		m.logger.Warn("could not schedule job, cancelling it", "job_id", job.ID, "error", err)
		if _, cerr := m.commands.CancelJob(ctx, job.ID); cerr != nil {
			m.logger.Error("failed to cancel unschedulable job", "job_id", job.ID, "error", cerr)
		}
		return domain.Job{}, fmt.Errorf("%w: %w", domain.ErrServiceOverloaded, err)
	}

	m.logger.Info("job initiated", "job_id", job.ID, "owner_id", p.UserID, "file_type", fileType)
	return job, nil
}

func (m *JobManagementService) ensureCapacity(ctx context.Context) error {
	if m.maxJobs <= 0 {
		return nil
	}
	count, err := m.store.Jobs().Count(ctx)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	if count < m.maxJobs {
		return nil
	}

	m.logger.Warn("job capacity reached, running cleanup", "count", count, "max_jobs", m.maxJobs)
	if m.cleaner != nil {
		if _, err := m.cleaner.Sweep(ctx); err != nil {
			m.logger.Error("cleanup before admission failed", "error", err)
		}
		if count, err = m.store.Jobs().Count(ctx); err != nil {
			return fmt.Errorf("count jobs: %w", err)
		}
	}
	if count >= m.maxJobs {
		return fmt.Errorf("%w: %d of %d jobs in use", domain.ErrServiceOverloaded, count, m.maxJobs)
	}
	return nil
}

// CancelJob reports false without changing anything when the job is no
// longer active.
func (m *JobManagementService) CancelJob(ctx context.Context, p domain.Principal, id domain.JobID) (bool, error) {
	job, err := m.owned(ctx, p, id)
	if err != nil {
		return false, err
	}
	if !job.Status.IsActive() {
		return false, nil
	}

	if _, err := m.commands.CancelJob(ctx, id); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, err
	}
	m.logger.Info("job cancelled", "job_id", id, "owner_id", job.OwnerID)
	return true, nil
}

// RetryJob starts a fresh job of the same type for a FAILED job's owner.
// The original request parameters are not kept, so the new job runs with
// generator defaults.
func (m *JobManagementService) RetryJob(ctx context.Context, p domain.Principal, id domain.JobID) (domain.Job, error) {
	job, err := m.owned(ctx, p, id)
	if err != nil {
		return domain.Job{}, err
	}
	if job.Status != domain.JobStatusFailed {
		return domain.Job{}, fmt.Errorf("%w: only failed jobs can be retried, job %s is %s", domain.ErrInvalidTransition, id, job.Status)
	}
	return m.InitiateJob(ctx, domain.Principal{UserID: job.OwnerID}, job.Type, nil)
}

func (m *JobManagementService) owned(ctx context.Context, p domain.Principal, id domain.JobID) (domain.Job, error) {
	job, err := m.store.Jobs().Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !p.CanAccess(job.OwnerID) {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrAccessDenied, id)
	}
	return job, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
)

// GenerationTrigger asks the orchestrator to build one job's artifact.
type GenerationTrigger struct {
	JobID      domain.JobID
	OwnerID    string
	Type       domain.FileType
	Parameters map[string]any
}

type OrchestratorConfig struct {
	Checkpoints     int
	CheckpointDelay time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{Checkpoints: 5, CheckpointDelay: 500 * time.Millisecond}
}

// failTimeout bounds the final FailJob write when the task context is gone.
const failTimeout = 5 * time.Second

// Orchestrator runs generation in the background and reports every phase
// through the command service.
type Orchestrator struct {
	logger    *slog.Logger
	commands  *JobCommandService
	registry  *domain.GeneratorRegistry
	scheduler *JobScheduler
	cfg       OrchestratorConfig

	// checkpointHook runs before the cancellation check of each checkpoint.
	checkpointHook func(id domain.JobID, checkpoint int)
}

func NewOrchestrator(logger *slog.Logger, commands *JobCommandService, registry *domain.GeneratorRegistry, scheduler *JobScheduler, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Checkpoints < 0 {
		cfg.Checkpoints = 0
	}
	return &Orchestrator{
		logger:    logger,
		commands:  commands,
		registry:  registry,
		scheduler: scheduler,
		cfg:       cfg,
	}
}

// Run starts the worker pool; it returns immediately. Jobs still queued
// when ctx ends are cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.scheduler.Start(ctx, o.Generate, o.cancelDropped)
}

func (o *Orchestrator) cancelDropped(t GenerationTrigger) {
	ctx, cancel := context.WithTimeout(context.Background(), failTimeout)
	defer cancel()

	if _, err := o.commands.CancelJob(ctx, t.JobID); err != nil {
		o.logger.Warn("failed to cancel dropped job", "job_id", t.JobID, "error", err)
	}
}

// Submit hands t to the worker pool without blocking.
func (o *Orchestrator) Submit(ctx context.Context, t GenerationTrigger) error {
	return o.scheduler.SubmitJob(ctx, t)
}

// Wait blocks until in-flight generation tasks have returned.
func (o *Orchestrator) Wait() {
	o.scheduler.Wait()
}

// Generate drives one job from PENDING to a terminal state unless it is
// cancelled along the way.
func (o *Orchestrator) Generate(ctx context.Context, t GenerationTrigger) {
	logger := o.logger.With("job_id", t.JobID, "file_type", t.Type)

	if _, err := o.commands.UpdateStatus(ctx, t.JobID, domain.JobStatusInProgress); err != nil {
		logger.Warn("job could not be started", "error", err)
		return
	}

	for i := 0; i < o.cfg.Checkpoints; i++ {
		if o.checkpointHook != nil {
			o.checkpointHook(t.JobID, i)
		}
		if o.commands.IsCancelled(ctx, t.JobID) {
			logger.Info("job cancelled, stopping generation", "checkpoint", i)
			return
		}
		if err := sleep(ctx, o.cfg.CheckpointDelay); err != nil {
			o.fail(ctx, t, fmt.Sprintf("generation interrupted: %v", err))
			return
		}
	}

	if o.commands.IsCancelled(ctx, t.JobID) {
		logger.Info("job cancelled before generation")
		return
	}

	artifact, err := o.runGenerator(ctx, t)
	if err != nil {
		logger.Error("generator failed", "error", err)
		o.fail(ctx, t, err.Error())
		return
	}

	if o.commands.IsCancelled(ctx, t.JobID) {
		logger.Info("job cancelled during generation, discarding artifact")
		return
	}

	if _, err := o.commands.CompleteJob(ctx, t.JobID, artifact); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			logger.Info("job reached a terminal state first, completion skipped", "error", err)
			return
		}
		logger.Error("failed to record completion", "error", err)
		o.fail(ctx, t, fmt.Sprintf("failed to record completion: %v", err))
		return
	}
	logger.Info("job completed", "file_name", artifact.Name, "size_bytes", artifact.SizeBytes)
}

func (o *Orchestrator) runGenerator(ctx context.Context, t GenerationTrigger) (artifact domain.Artifact, err error) {
	gen, err := o.registry.Lookup(t.Type)
	if err != nil {
		return domain.Artifact{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &domain.GeneratorError{Type: t.Type, Err: fmt.Errorf("generator panicked: %v", r)}
		}
	}()

	artifact, err = gen.Generate(ctx, t.JobID, t.OwnerID, t.Parameters)
	if err != nil {
		return domain.Artifact{}, &domain.GeneratorError{Type: t.Type, Err: err}
	}
	return artifact, nil
}

// fail records reason on the job. It outlives ctx so a shutdown still
// leaves the job in a terminal state.
func (o *Orchestrator) fail(ctx context.Context, t GenerationTrigger, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()

	if _, err := o.commands.FailJob(ctx, t.JobID, reason); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			o.logger.Info("job already terminal, failure not recorded", "job_id", t.JobID, "reason", reason)
			return
		}
		o.logger.Error("failed to mark job as failed", "job_id", t.JobID, "reason", reason, "error", err)
	}
}

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// JobView is the client-facing shape of a job. The payload is never
// included; FileDataAvailable says whether it can be downloaded.
type JobView struct {
	JobID             domain.JobID     `json:"jobId"`
	FileType          domain.FileType  `json:"fileType"`
	Status            domain.JobStatus `json:"status"`
	CreatedAt         time.Time        `json:"createdAt"`
	CompletedAt       *time.Time       `json:"completedAt,omitempty"`
	FileName          string           `json:"fileName,omitempty"`
	ContentType       string           `json:"contentType,omitempty"`
	FileSize          int64            `json:"fileSize,omitempty"`
	ErrorMessage      string           `json:"errorMessage,omitempty"`
	FileDataAvailable bool             `json:"fileDataAvailable"`
}

func NewJobView(j domain.Job) JobView {
	v := JobView{
		JobID:       j.ID,
		FileType:    j.Type,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Artifact != nil {
		v.FileName = j.Artifact.Name
		v.ContentType = j.Artifact.ContentType
		v.FileSize = j.Artifact.SizeBytes
		v.FileDataAvailable = len(j.Artifact.Payload) > 0
	}
	if j.FailureReason != nil {
		v.ErrorMessage = *j.FailureReason
	}
	return v
}

type PagedJobs struct {
	Jobs        []JobView `json:"jobs"`
	TotalItems  int       `json:"totalItems"`
	TotalPages  int       `json:"totalPages"`
	CurrentPage int       `json:"currentPage"`
	PageSize    int       `json:"pageSize"`
}

// JobQueryService serves reads. It never writes job state; download only
// records the access time.
type JobQueryService struct {
	logger *slog.Logger
	store  ports.Store
	now    func() time.Time
}

func NewJobQueryService(logger *slog.Logger, store ports.Store) *JobQueryService {
	return &JobQueryService{logger: logger, store: store, now: time.Now}
}

// RecentJobs pages through p's jobs, newest first. A non-positive size
// falls back to the default; sizes above MaxPageSize are capped.
func (q *JobQueryService) RecentJobs(ctx context.Context, p domain.Principal, page, size int) (PagedJobs, error) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)

	jobs, total, err := q.store.Jobs().ListByOwner(ctx, p.UserID, page, size)
	if err != nil {
		return PagedJobs{}, fmt.Errorf("list jobs: %w", err)
	}

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, NewJobView(j))
	}
	return PagedJobs{
		Jobs:        views,
		TotalItems:  total,
		TotalPages:  (total + size - 1) / size,
		CurrentPage: page,
		PageSize:    size,
	}, nil
}

func (q *JobQueryService) JobStatus(ctx context.Context, p domain.Principal, id domain.JobID) (JobView, error) {
	job, err := q.owned(ctx, p, id)
	if err != nil {
		return JobView{}, err
	}
	return NewJobView(job), nil
}

// PrepareDownload returns the artifact of a completed job and records the
// access.
func (q *JobQueryService) PrepareDownload(ctx context.Context, p domain.Principal, id domain.JobID) (domain.Artifact, error) {
	job, err := q.owned(ctx, p, id)
	if err != nil {
		return domain.Artifact{}, err
	}
	if job.Status != domain.JobStatusCompleted || job.Artifact == nil {
		return domain.Artifact{}, fmt.Errorf("%w: job %s is %s", domain.ErrFileNotReady, id, job.Status)
	}

	if err := q.store.Jobs().Touch(ctx, id, q.now()); err != nil {
		q.logger.Warn("failed to record download access", "job_id", id, "error", err)
	}
	q.logger.Info("file downloaded", "job_id", id, "owner_id", p.UserID, "file_name", job.Artifact.Name)
	return *job.Artifact, nil
}

func (q *JobQueryService) owned(ctx context.Context, p domain.Principal, id domain.JobID) (domain.Job, error) {
	job, err := q.store.Jobs().Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !p.CanAccess(job.OwnerID) {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrAccessDenied, id)
	}
	return job, nil
}

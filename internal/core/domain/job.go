package domain

import (
	"errors"
	"fmt"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition may leave s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether a job in status s still counts as in flight.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusInProgress
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// FileType selects the generator that produces a job's artifact.
type FileType string

const (
	FileTypeUserActivityReport   FileType = "USER_ACTIVITY_REPORT"
	FileTypeSystemHealthReport   FileType = "SYSTEM_HEALTH_REPORT"
	FileTypeFileStatisticsReport FileType = "FILE_STATISTICS_REPORT"
	FileTypeCustomReport         FileType = "CUSTOM_REPORT"
)

// FileTypes lists every type the service knows about, in display order.
var FileTypes = []FileType{
	FileTypeUserActivityReport,
	FileTypeSystemHealthReport,
	FileTypeFileStatisticsReport,
	FileTypeCustomReport,
}

func ParseFileType(s string) (FileType, error) {
	for _, t := range FileTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFileType, s)
}

// Artifact is the generated file attached to a completed job.
type Artifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	Payload     []byte `json:"payload"`
}

// NewArtifact copies payload and derives the size from it.
func NewArtifact(name, contentType string, payload []byte) Artifact {
	return Artifact{
		Name:        name,
		ContentType: contentType,
		SizeBytes:   int64(len(payload)),
		Payload:     append([]byte(nil), payload...),
	}
}

func (a Artifact) clone() *Artifact {
	a.Payload = append([]byte(nil), a.Payload...)
	return &a
}

// Job is the current snapshot of a generation request.
type Job struct {
	ID            JobID      `json:"id"`
	OwnerID       string     `json:"owner_id"`
	Type          FileType   `json:"file_type"`
	Status        JobStatus  `json:"status"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	LastAccessed  *time.Time `json:"last_accessed,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	Artifact      *Artifact  `json:"artifact,omitempty"`
}

// Clone returns a deep copy; the artifact payload is not shared.
func (j Job) Clone() Job {
	if j.Artifact != nil {
		j.Artifact = j.Artifact.clone()
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	if j.LastAccessed != nil {
		t := *j.LastAccessed
		j.LastAccessed = &t
	}
	if j.FailureReason != nil {
		r := *j.FailureReason
		j.FailureReason = &r
	}
	return j
}

// Validate checks the status/field coupling of a snapshot.
func (j Job) Validate() error {
	if !j.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", j.ID, j.Status)
	}
	if (j.Artifact != nil) != (j.Status == JobStatusCompleted) {
		return fmt.Errorf("job %s: artifact present=%t with status %s", j.ID, j.Artifact != nil, j.Status)
	}
	if (j.FailureReason != nil) != (j.Status == JobStatusFailed) {
		return fmt.Errorf("job %s: failure reason present=%t with status %s", j.ID, j.FailureReason != nil, j.Status)
	}
	return nil
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusInProgress, JobStatusCancelled},
	JobStatusInProgress: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrJobNotFound          = errors.New("job not found")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrJobTerminal          = errors.New("job is in a terminal state")
	ErrVersionConflict      = errors.New("job version conflict")
	ErrConcurrencyExhausted = errors.New("concurrent modification retries exhausted")
	ErrJobAlreadyExists     = errors.New("an active job of this type already exists")
	ErrServiceOverloaded    = errors.New("service is at job capacity")
	ErrAccessDenied         = errors.New("access denied")
	ErrFileNotReady         = errors.New("file is not ready for download")
	ErrUnsupportedFileType  = errors.New("unsupported file type")
	ErrQueueFull            = errors.New("scheduling queue full")
	ErrShuttingDown         = errors.New("scheduler is shutting down")
)

// GeneratorError carries the failure of a content generator.
type GeneratorError struct {
	Type FileType
	Err  error
}

func (e *GeneratorError) Error() string {
	return e.Err.Error()
}

func (e *GeneratorError) Unwrap() error { return e.Err }

package ports

import (
	"context"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
)

// JobStore holds the current snapshot of every job.
type JobStore interface {
	// Insert persists a new snapshot; the job's version is stored as given.
	Insert(ctx context.Context, job domain.Job) error

	// Get returns a copy of the snapshot or domain.ErrJobNotFound.
	Get(ctx context.Context, id domain.JobID) (domain.Job, error)

	// CompareAndSwap stores job with version expectedVersion+1 only if the
	// stored version still equals expectedVersion. Otherwise it returns
	// domain.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, job domain.Job, expectedVersion int64) error

	// Save stores job unconditionally with a version above both the stored
	// one and job.Version.
	Save(ctx context.Context, job domain.Job) error

	// ListByOwner returns one page of the owner's jobs, newest first, and the
	// owner's total job count.
	ListByOwner(ctx context.Context, ownerID string, page, size int) ([]domain.Job, int, error)

	// FindActive returns PENDING or IN_PROGRESS jobs of the owner and type.
	FindActive(ctx context.Context, ownerID string, fileType domain.FileType) ([]domain.Job, error)

	Count(ctx context.Context) (int, error)

	// FindStale returns PENDING or IN_PROGRESS jobs last touched before cutoff.
	FindStale(ctx context.Context, cutoff time.Time) ([]domain.Job, error)

	// DeleteOlderThan removes snapshots created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Touch records an access time. It does not change the version.
	Touch(ctx context.Context, id domain.JobID, at time.Time) error
}

// EventStore is the append-only per-job event log.
type EventStore interface {
	// Append assigns the next per-job sequence to e and persists it.
	Append(ctx context.Context, e *domain.Event) error

	// EventsForJob returns the job's events in ascending sequence order.
	EventsForJob(ctx context.Context, id domain.JobID) ([]domain.Event, error)

	// DeleteEventsBefore removes the whole log of every job whose last event
	// was recorded before cutoff and whose snapshot is gone or terminal.
	// Logs of active jobs are never touched, so they can still be replayed.
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Store bundles both stores with a unit of work. Writes made through the
// tx argument of InTx are committed together or not at all.
type Store interface {
	Jobs() JobStore
	Events() EventStore
	InTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

// NotificationSink delivers job updates to the owner's live subscribers.
// Publish must not block and must not fail the caller.
type NotificationSink interface {
	Publish(ownerID string, job domain.Job)
}

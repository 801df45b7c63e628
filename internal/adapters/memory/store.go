package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
)

var (
	_ ports.Store      = (*Store)(nil)
	_ ports.JobStore   = (*Store)(nil)
	_ ports.EventStore = (*Store)(nil)
)

type state struct {
	mu     sync.Mutex
	jobs   map[domain.JobID]domain.Job
	events map[domain.JobID][]domain.Event
}

// Store keeps snapshots and events in process memory. It is safe for
// concurrent use and serves tests and the "memory" storage driver.
type Store struct {
	st *state
	// undo is non-nil on the Store handed to an InTx callback; st.mu is then
	// already held.
	undo *[]func()
}

func New() *Store {
	return &Store{st: &state{
		jobs:   make(map[domain.JobID]domain.Job),
		events: make(map[domain.JobID][]domain.Event),
	}}
}

func (s *Store) Jobs() ports.JobStore     { return s }
func (s *Store) Events() ports.EventStore { return s }
func (s *Store) Close() error             { return nil }

// InTx runs fn while holding the store lock. If fn fails every write it made
// is reverted in reverse order.
func (s *Store) InTx(ctx context.Context, fn func(tx ports.Store) error) error {
	if s.undo != nil {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	var undo []func()
	tx := &Store{st: s.st, undo: &undo}
	if err := fn(tx); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

func (s *Store) lock() func() {
	if s.undo != nil {
		return func() {}
	}
	s.st.mu.Lock()
	return s.st.mu.Unlock
}

func (s *Store) record(f func()) {
	if s.undo != nil {
		*s.undo = append(*s.undo, f)
	}
}

// putJob writes job and remembers what it replaced.
func (s *Store) putJob(job domain.Job) {
	prev, existed := s.st.jobs[job.ID]
	s.record(func() {
		if existed {
			s.st.jobs[job.ID] = prev
		} else {
			delete(s.st.jobs, job.ID)
		}
	})
	s.st.jobs[job.ID] = job.Clone()
}

func (s *Store) Insert(_ context.Context, job domain.Job) error {
	defer s.lock()()
	if _, ok := s.st.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already stored", job.ID)
	}
	s.putJob(job)
	return nil
}

func (s *Store) Get(_ context.Context, id domain.JobID) (domain.Job, error) {
	defer s.lock()()
	job, ok := s.st.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *Store) CompareAndSwap(_ context.Context, job domain.Job, expectedVersion int64) error {
	defer s.lock()()
	cur, ok := s.st.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("%w: job %s at version %d, expected %d", domain.ErrVersionConflict, job.ID, cur.Version, expectedVersion)
	}
	job.Version = expectedVersion + 1
	job.LastAccessed = cur.LastAccessed
	s.putJob(job)
	return nil
}

func (s *Store) Save(_ context.Context, job domain.Job) error {
	defer s.lock()()
	if cur, ok := s.st.jobs[job.ID]; ok {
		job.Version = max(job.Version, cur.Version) + 1
		job.LastAccessed = cur.LastAccessed
	}
	s.putJob(job)
	return nil
}

func (s *Store) ListByOwner(_ context.Context, ownerID string, page, size int) ([]domain.Job, int, error) {
	defer s.lock()()
	var owned []domain.Job
	for _, j := range s.st.jobs {
		if j.OwnerID == ownerID {
			owned = append(owned, j)
		}
	}
	sortNewestFirst(owned)

	total := len(owned)
	start := page * size
	if start >= total || size <= 0 {
		return []domain.Job{}, total, nil
	}
	end := min(start+size, total)

	out := make([]domain.Job, 0, end-start)
	for _, j := range owned[start:end] {
		out = append(out, j.Clone())
	}
	return out, total, nil
}

func (s *Store) FindActive(_ context.Context, ownerID string, fileType domain.FileType) ([]domain.Job, error) {
	defer s.lock()()
	var out []domain.Job
	for _, j := range s.st.jobs {
		if j.OwnerID == ownerID && j.Type == fileType && j.Status.IsActive() {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	defer s.lock()()
	return len(s.st.jobs), nil
}

func (s *Store) FindStale(_ context.Context, cutoff time.Time) ([]domain.Job, error) {
	defer s.lock()()
	var out []domain.Job
	for _, j := range s.st.jobs {
		if !j.Status.IsActive() {
			continue
		}
		seen := j.CreatedAt
		if j.LastAccessed != nil {
			seen = *j.LastAccessed
		}
		if seen.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	defer s.lock()()
	n := 0
	for id, j := range s.st.jobs {
		if j.CreatedAt.Before(cutoff) {
			prev := j
			s.record(func() { s.st.jobs[id] = prev })
			delete(s.st.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Touch(_ context.Context, id domain.JobID, at time.Time) error {
	defer s.lock()()
	j, ok := s.st.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	at = at.UTC()
	j.LastAccessed = &at
	s.putJob(j)
	return nil
}

func (s *Store) Append(_ context.Context, e *domain.Event) error {
	if e.Payload == nil {
		return fmt.Errorf("event for job %s has no payload", e.JobID)
	}
	defer s.lock()()
	log := s.st.events[e.JobID]
	n := len(log)
	next := int64(1)
	if n > 0 {
		next = log[n-1].Sequence + 1
	}
	e.Sequence = next

	s.record(func() { s.st.events[e.JobID] = s.st.events[e.JobID][:n] })
	s.st.events[e.JobID] = append(log, *e)
	return nil
}

func (s *Store) EventsForJob(_ context.Context, id domain.JobID) ([]domain.Event, error) {
	defer s.lock()()
	log := s.st.events[id]
	out := make([]domain.Event, len(log))
	copy(out, log)
	return out, nil
}

func (s *Store) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int, error) {
	defer s.lock()()
	n := 0
	for id, log := range s.st.events {
		if len(log) == 0 || !log[len(log)-1].Timestamp.Before(cutoff) {
			continue
		}
		if j, ok := s.st.jobs[id]; ok && !j.Status.IsTerminal() {
			continue
		}
		prev := log
		s.record(func() { s.st.events[id] = prev })
		delete(s.st.events, id)
		n += len(log)
	}
	return n, nil
}

func sortNewestFirst(jobs []domain.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/adapters/memory"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCommandService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	updates, unsub := f.bus.Subscribe("U1")
	defer unsub()

	job, err := f.commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, int64(1), job.Version)

	_, err = f.commands.UpdateStatus(ctx, job.ID, domain.JobStatusInProgress)
	require.NoError(t, err)
	done, err := f.commands.CompleteJob(ctx, job.ID, domain.NewArtifact("r.json", "application/json", []byte("{}")))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, int64(3), done.Version)
	require.NotNil(t, done.Artifact)
	require.NotNil(t, done.CompletedAt)

	events, err := f.store.EventsForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []domain.EventType{domain.EventJobCreated, domain.EventJobStatusChanged, domain.EventJobCompleted},
		[]domain.EventType{events[0].Type(), events[1].Type(), events[2].Type()})
	f.requireReplayMatches(t, job.ID)

	var statuses []domain.JobStatus
	for len(updates) > 0 {
		n := <-updates
		if n.Type == NotificationJobUpdate {
			var u JobStatusUpdate
			require.NoError(t, json.Unmarshal([]byte(n.Data), &u))
			statuses = append(statuses, u.Status)
		}
	}
	assert.Equal(t, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusInProgress, domain.JobStatusCompleted}, statuses)
}

func TestJobCommandService_TerminalJobIsNotModified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, _ := f.commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)
	_, err := f.commands.CancelJob(ctx, job.ID)
	require.NoError(t, err)

	got, err := f.commands.CompleteJob(ctx, job.ID, domain.NewArtifact("late.json", "application/json", []byte("{}")))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.ErrorIs(t, err, domain.ErrJobTerminal)
	assert.Equal(t, domain.JobStatusCancelled, got.Status)

	_, err = f.commands.FailJob(ctx, job.ID, "late failure")
	assert.ErrorIs(t, err, domain.ErrJobTerminal)

	final := f.job(t, job.ID)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	assert.Nil(t, final.Artifact)
	assert.Nil(t, final.FailureReason)
	events, _ := f.store.EventsForJob(ctx, job.ID)
	assert.Len(t, events, 2, "rejected writes must not append events")
}

func TestJobCommandService_RejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job, _ := f.commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)

	_, err := f.commands.CompleteJob(ctx, job.ID, domain.NewArtifact("x", "text/plain", nil))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.NotErrorIs(t, err, domain.ErrJobTerminal)

	_, err = f.commands.FailJob(ctx, job.ID, "never started")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.commands.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.commands.UpdateStatus(ctx, "missing", domain.JobStatusInProgress)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	events, _ := f.store.EventsForJob(ctx, job.ID)
	assert.Len(t, events, 1)
	assert.Equal(t, int64(1), f.job(t, job.ID).Version)
}

func TestJobCommandService_IsCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	assert.True(t, f.commands.IsCancelled(ctx, "never-existed"))

	job, _ := f.commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)
	assert.False(t, f.commands.IsCancelled(ctx, job.ID))

	_, err := f.commands.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, f.commands.IsCancelled(ctx, job.ID))

	// With the snapshot gone the answer comes from the event log.
	other, _ := f.commands.CreateJob(ctx, "U1", domain.FileTypeSystemHealthReport)
	_, err = f.store.DeleteOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, f.commands.IsCancelled(ctx, job.ID))
	assert.False(t, f.commands.IsCancelled(ctx, other.ID))
}

// raceStore makes the first two snapshot reads wait for each other, so two
// writers start from the same version.
type raceStore struct {
	*memory.Store
	barrier sync.WaitGroup
	gets    atomic.Int32

	mu      sync.Mutex
	casErrs []error
}

func newRaceStore() *raceStore {
	r := &raceStore{Store: memory.New()}
	r.barrier.Add(2)
	return r
}

func (r *raceStore) Jobs() ports.JobStore { return raceJobs{JobStore: r.Store, r: r} }

func (r *raceStore) InTx(ctx context.Context, fn func(tx ports.Store) error) error {
	return r.Store.InTx(ctx, func(tx ports.Store) error {
		return fn(recordingTx{Store: tx, r: r})
	})
}

type raceJobs struct {
	ports.JobStore
	r *raceStore
}

func (j raceJobs) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	job, err := j.JobStore.Get(ctx, id)
	// The first two reads return together, so both writers hold the same version.
	if j.r.gets.Add(1) <= 2 {
		j.r.barrier.Done()
		j.r.barrier.Wait()
	}
	return job, err
}

type recordingTx struct {
	ports.Store
	r *raceStore
}

func (t recordingTx) Jobs() ports.JobStore { return recordingJobs{JobStore: t.Store.Jobs(), r: t.r} }

type recordingJobs struct {
	ports.JobStore
	r *raceStore
}

func (j recordingJobs) CompareAndSwap(ctx context.Context, job domain.Job, expected int64) error {
	err := j.JobStore.CompareAndSwap(ctx, job, expected)
	j.r.mu.Lock()
	j.r.casErrs = append(j.r.casErrs, err)
	j.r.mu.Unlock()
	return err
}

func TestJobCommandService_ConcurrentUpdatesSameVersion(t *testing.T) {
	ctx := context.Background()
	store := newRaceStore()
	commands := NewJobCommandService(testLogger(), store, nil, noDelay)

	job, err := commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]domain.Job, 2)
	errs := make([]error, 2)
	for i, status := range []domain.JobStatus{domain.JobStatusInProgress, domain.JobStatusCancelled} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = commands.UpdateStatus(ctx, job.ID, status)
		}()
	}
	wg.Wait()

	store.mu.Lock()
	first := store.casErrs[:2]
	store.mu.Unlock()
	wins := 0
	for _, err := range first {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, wins, "exactly one writer must win the first conditional write")

	var versions []int64
	for i, err := range errs {
		if err == nil {
			versions = append(versions, results[i].Version)
		} else {
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		}
	}
	require.NotEmpty(t, versions)
	if len(versions) == 2 {
		assert.NotEqual(t, versions[0], versions[1])
	}

	final, err := store.Store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	rebuilt, err := commands.Reconstruct(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, final.Status, rebuilt.Status)
	assert.Equal(t, final.Version, rebuilt.Version)
}

// conflictStore loses every conditional write, forcing the reconstruction
// path. Unconditional saves fail with saveErr when it is set.
type conflictStore struct {
	*memory.Store
	saveErr error
	saves   atomic.Int32
	cas     atomic.Int32
}

func (c *conflictStore) InTx(ctx context.Context, fn func(tx ports.Store) error) error {
	return c.Store.InTx(ctx, func(tx ports.Store) error {
		return fn(conflictTx{Store: tx, c: c})
	})
}

type conflictTx struct {
	ports.Store
	c *conflictStore
}

func (t conflictTx) Jobs() ports.JobStore { return conflictJobs{JobStore: t.Store.Jobs(), c: t.c} }

type conflictJobs struct {
	ports.JobStore
	c *conflictStore
}

func (j conflictJobs) CompareAndSwap(context.Context, domain.Job, int64) error {
	j.c.cas.Add(1)
	return fmt.Errorf("%w: injected", domain.ErrVersionConflict)
}

func (j conflictJobs) Save(ctx context.Context, job domain.Job) error {
	j.c.saves.Add(1)
	if j.c.saveErr != nil {
		return j.c.saveErr
	}
	return j.JobStore.Save(ctx, job)
}

func TestJobCommandService_ReconstructsAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{Store: memory.New()}
	bus := NewEventBus(testLogger())
	updates, unsub := bus.Subscribe("U1")
	defer unsub()
	commands := NewJobCommandService(testLogger(), store, bus, noDelay)

	job, err := commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)
	require.NoError(t, err)
	<-updates

	got, err := commands.UpdateStatus(ctx, job.ID, domain.JobStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, int32(3), store.cas.Load())
	assert.Equal(t, int32(1), store.saves.Load())
	assert.Equal(t, domain.JobStatusInProgress, got.Status)
	assert.Equal(t, int64(2), got.Version)

	events, _ := store.EventsForJob(ctx, job.ID)
	assert.Len(t, events, 2, "events of lost attempts are rolled back")
	assert.Len(t, updates, 1)
}

func TestJobCommandService_ConcurrencyExhausted(t *testing.T) {
	ctx := context.Background()
	store := &conflictStore{Store: memory.New(), saveErr: errors.New("disk on fire")}
	commands := NewJobCommandService(testLogger(), store, nil, noDelay)

	job, err := commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)
	require.NoError(t, err)

	_, err = commands.UpdateStatus(ctx, job.ID, domain.JobStatusInProgress)
	assert.ErrorIs(t, err, domain.ErrConcurrencyExhausted)
	assert.ErrorContains(t, err, "disk on fire")

	unchanged, _ := store.Get(ctx, job.ID)
	assert.Equal(t, domain.JobStatusPending, unchanged.Status)
	assert.Equal(t, int64(1), unchanged.Version)
	events, _ := store.EventsForJob(ctx, job.ID)
	assert.Len(t, events, 1)
}

// failingEvents rejects every append.
type failingEvents struct {
	*memory.Store
	appends atomic.Int32
}

func (f *failingEvents) InTx(ctx context.Context, fn func(tx ports.Store) error) error {
	return f.Store.InTx(ctx, func(tx ports.Store) error { return fn(failingTx{Store: tx, f: f}) })
}

type failingTx struct {
	ports.Store
	f *failingEvents
}

func (t failingTx) Events() ports.EventStore { return failingAppend{EventStore: t.Store.Events(), f: t.f} }

type failingAppend struct {
	ports.EventStore
	f *failingEvents
}

func (a failingAppend) Append(context.Context, *domain.Event) error {
	a.f.appends.Add(1)
	return errors.New("event log unavailable")
}

func TestJobCommandService_AppendFailureAbortsWrite(t *testing.T) {
	ctx := context.Background()
	store := &failingEvents{Store: memory.New()}
	commands := NewJobCommandService(testLogger(), store, nil, noDelay)

	_, err := commands.CreateJob(ctx, "U1", domain.FileTypeCustomReport)
	assert.ErrorContains(t, err, "event log unavailable")
	count, _ := store.Count(ctx)
	assert.Zero(t, count)
	store.appends.Store(0)

	seeded := domain.Job{ID: "seeded", OwnerID: "U1", Type: domain.FileTypeCustomReport, Status: domain.JobStatusPending, Version: 1, CreatedAt: time.Now()}
	require.NoError(t, store.Insert(ctx, seeded))
	_, err = commands.UpdateStatus(ctx, "seeded", domain.JobStatusInProgress)
	assert.ErrorContains(t, err, "event log unavailable")
	assert.NotErrorIs(t, err, domain.ErrConcurrencyExhausted)
	assert.Equal(t, int32(3), store.appends.Load())

	got, _ := store.Get(ctx, "seeded")
	assert.Equal(t, domain.JobStatusPending, got.Status)
}

// Random operation sequences keep every snapshot valid and replayable.
func TestJobCommandService_RandomOperationsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	f := newFixture(t)

	for run := 0; run < 50; run++ {
		job, err := f.commands.CreateJob(ctx, "U1", domain.FileTypeUserActivityReport)
		require.NoError(t, err)

		for step := 0; step < 5; step++ {
			before := f.job(t, job.ID)
			switch rng.Intn(4) {
			case 0:
				_, err = f.commands.UpdateStatus(ctx, job.ID, domain.JobStatusInProgress)
			case 1:
				_, err = f.commands.CancelJob(ctx, job.ID)
			case 2:
				_, err = f.commands.CompleteJob(ctx, job.ID, domain.NewArtifact("a.json", "application/json", []byte("[]")))
			default:
				_, err = f.commands.FailJob(ctx, job.ID, "random failure")
			}
			after := f.job(t, job.ID)
			if err != nil {
				require.ErrorIs(t, err, domain.ErrInvalidTransition)
				require.Equal(t, before, after)
			} else {
				require.Equal(t, before.Version+1, after.Version)
			}
			f.requireReplayMatches(t, job.ID)
		}
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/juergmar/FileDownloadBackend/internal/adapters/memory"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/stretchr/testify/require"
)

var noDelay = RetryPolicy{MaxAttempts: 3, BaseDelay: 0}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

type fixedGenerator struct {
	typ     domain.FileType
	payload string
	err     error
	panics  bool
	calls   atomic.Int32
	during  func(ctx context.Context, id domain.JobID)
}

func (g *fixedGenerator) Type() domain.FileType { return g.typ }

func (g *fixedGenerator) Generate(ctx context.Context, id domain.JobID, ownerID string, _ map[string]any) (domain.Artifact, error) {
	g.calls.Add(1)
	if g.during != nil {
		g.during(ctx, id)
	}
	if g.panics {
		panic("template missing")
	}
	if g.err != nil {
		return domain.Artifact{}, g.err
	}
	return domain.NewArtifact(string(g.typ)+"-"+ownerID+".json", "application/json", []byte(g.payload)), nil
}

type fixture struct {
	store    *memory.Store
	bus      *EventBus
	commands *JobCommandService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	store := memory.New()
	bus := NewEventBus(logger)
	return &fixture{
		store:    store,
		bus:      bus,
		commands: NewJobCommandService(logger, store, bus, noDelay),
	}
}

func (f *fixture) orchestrator(t *testing.T, gens ...domain.Generator) *Orchestrator {
	t.Helper()
	reg, err := domain.NewGeneratorRegistry(gens...)
	require.NoError(t, err)
	scheduler := NewJobScheduler(testLogger(), SchedulerConfig{MaxConcurrentJobs: 2, QueueSize: 4})
	return NewOrchestrator(testLogger(), f.commands, reg, scheduler, OrchestratorConfig{Checkpoints: 5})
}

func (f *fixture) job(t *testing.T, id domain.JobID) domain.Job {
	t.Helper()
	j, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// requireReplayMatches checks that folding the event log reproduces the
// stored snapshot's status and version.
func (f *fixture) requireReplayMatches(t *testing.T, id domain.JobID) {
	t.Helper()
	snapshot := f.job(t, id)
	rebuilt, err := f.commands.Reconstruct(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, snapshot.Status, rebuilt.Status)
	require.Equal(t, snapshot.Version, rebuilt.Version)
	require.NoError(t, snapshot.Validate())
}

type stubSubmitter struct {
	mu       sync.Mutex
	err      error
	triggers []GenerationTrigger
}

func (s *stubSubmitter) Submit(_ context.Context, t GenerationTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.triggers = append(s.triggers, t)
	return nil
}

type countingSweeper struct {
	calls int
	sweep func() error
}

func (c *countingSweeper) Sweep(context.Context) (SweepResult, error) {
	c.calls++
	if c.sweep != nil {
		return SweepResult{}, c.sweep()
	}
	return SweepResult{}, nil
}

var errGenerator = errors.New("upstream report source unavailable")

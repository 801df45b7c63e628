package services

import (
	"context"
	"testing"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedJob(t *testing.T, f *fixture, owner string, payload []byte) domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.commands.CreateJob(ctx, owner, domain.FileTypeCustomReport)
	require.NoError(t, err)
	_, err = f.commands.UpdateStatus(ctx, job.ID, domain.JobStatusInProgress)
	require.NoError(t, err)
	done, err := f.commands.CompleteJob(ctx, job.ID, domain.NewArtifact("custom-report.json", "application/json", payload))
	require.NoError(t, err)
	return done
}

func TestJobQueryService_RecentJobsPaging(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := NewJobQueryService(testLogger(), f.store)
	for i := 0; i < 12; i++ {
		_, err := f.commands.CreateJob(ctx, "alice", domain.FileTypeCustomReport)
		require.NoError(t, err)
	}
	_, _ = f.commands.CreateJob(ctx, "bob", domain.FileTypeCustomReport)

	page, err := q.RecentJobs(ctx, domain.Principal{UserID: "alice"}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Jobs, DefaultPageSize)
	assert.Equal(t, 12, page.TotalItems)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, DefaultPageSize, page.PageSize)

	last, err := q.RecentJobs(ctx, domain.Principal{UserID: "alice"}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, last.Jobs, 2)
	assert.Equal(t, 1, last.CurrentPage)

	capped, err := q.RecentJobs(ctx, domain.Principal{UserID: "alice"}, -3, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, capped.PageSize)
	assert.Equal(t, 0, capped.CurrentPage)
	assert.Len(t, capped.Jobs, 12)

	empty, err := q.RecentJobs(ctx, domain.Principal{UserID: "carol"}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Jobs)
	assert.NotNil(t, empty.Jobs)
	assert.Zero(t, empty.TotalPages)
}

func TestJobQueryService_JobStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := NewJobQueryService(testLogger(), f.store)
	done := completedJob(t, f, "alice", []byte(`{"rows":[]}`))

	view, err := q.JobStatus(ctx, domain.Principal{UserID: "alice"}, done.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, "custom-report.json", view.FileName)
	assert.Equal(t, int64(len(`{"rows":[]}`)), view.FileSize)
	assert.True(t, view.FileDataAvailable)

	_, err = q.JobStatus(ctx, domain.Principal{UserID: "bob"}, done.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)
	_, err = q.JobStatus(ctx, domain.Principal{UserID: "bob", Roles: []string{domain.RoleAdmin}}, done.ID)
	assert.NoError(t, err)
	_, err = q.JobStatus(ctx, domain.Principal{UserID: "alice"}, "nope")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobQueryService_PrepareDownload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q := NewJobQueryService(testLogger(), f.store)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return at }

	pending, _ := f.commands.CreateJob(ctx, "alice", domain.FileTypeUserActivityReport)
	_, err := q.PrepareDownload(ctx, domain.Principal{UserID: "alice"}, pending.ID)
	assert.ErrorIs(t, err, domain.ErrFileNotReady)

	done := completedJob(t, f, "alice", []byte("payload"))
	_, err = q.PrepareDownload(ctx, domain.Principal{UserID: "bob"}, done.ID)
	assert.ErrorIs(t, err, domain.ErrAccessDenied)

	artifact, err := q.PrepareDownload(ctx, domain.Principal{UserID: "alice"}, done.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), artifact.Payload)
	assert.Equal(t, "application/json", artifact.ContentType)

	touched := f.job(t, done.ID)
	require.NotNil(t, touched.LastAccessed)
	assert.True(t, at.Equal(*touched.LastAccessed))
	assert.Equal(t, done.Version, touched.Version, "recording access does not create a version")
	f.requireReplayMatches(t, done.ID)
}

package cleanup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivohq/scrivo/internal/config"
	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
)

func seedJob(t *testing.T, store *jobstore.Store, id string, status models.JobStatus, updated time.Time) {
	t.Helper()
	job, err := store.Create(id, &models.JobMeta{JobID: id, Source: "x.mp3", CreatedAt: updated})
	require.NoError(t, err)

	job.State.Status = status
	require.NoError(t, store.SaveState(job))

	// SaveState stamps now; rewind the timestamp on disk for the test.
	job.State.UpdatedAt = updated
	data, err := json.MarshalIndent(job.State, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), id, "state.json"), data, 0644))
}

func TestSweep(t *testing.T) {
	store := jobstore.New(t.TempDir())
	now := time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)

	seedJob(t, store, "25-0301-000000_old_completed", models.JobCompleted, now.Add(-48*time.Hour))
	seedJob(t, store, "25-0313-000000_new_completed", models.JobCompleted, now.Add(-12*time.Hour))
	seedJob(t, store, "25-0210-000000_old_failed", models.JobFailed, now.Add(-10*24*time.Hour))
	seedJob(t, store, "25-0310-000000_new_failed", models.JobFailed, now.Add(-3*24*time.Hour))
	seedJob(t, store, "25-0314-000000_running", models.JobRunning, now.Add(-30*24*time.Hour))

	sweeper := New(store, config.CleanupConfig{
		FailedJobsRetentionDays:    7,
		CompletedJobsRetentionDays: 1,
	}, nil)

	removed, err := sweeper.Sweep(now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := store.List()
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, job := range remaining {
		ids = append(ids, job.ID)
	}
	assert.ElementsMatch(t, []string{
		"25-0313-000000_new_completed",
		"25-0310-000000_new_failed",
		"25-0314-000000_running",
	}, ids)
}

func TestScheduleRejectsBadCron(t *testing.T) {
	sweeper := New(jobstore.New(t.TempDir()), config.CleanupConfig{Cron: "not a cron"}, nil)
	_, err := sweeper.Schedule()
	assert.Error(t, err)
}

func TestScheduleStarts(t *testing.T) {
	sweeper := New(jobstore.New(t.TempDir()), config.CleanupConfig{Cron: "0 0 3 * * *"}, nil)
	c, err := sweeper.Schedule()
	require.NoError(t, err)
	c.Stop()
}

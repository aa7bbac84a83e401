package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/observability"
	"github.com/scrivohq/scrivo/internal/provider"
)

// fakeStage records executions and returns scripted results.
type fakeStage struct {
	name        models.StageName
	validateErr error
	executeErr  error
	skipReason  string
	executed    int
	execute     func(ctx context.Context, job *jobstore.Job) error
}

func (f *fakeStage) Name() models.StageName { return f.name }

func (f *fakeStage) Validate(ctx context.Context, job *jobstore.Job) error {
	return f.validateErr
}

func (f *fakeStage) Execute(ctx context.Context, job *jobstore.Job) error {
	f.executed++
	if f.execute != nil {
		return f.execute(ctx, job)
	}
	return f.executeErr
}

func (f *fakeStage) Skip(job *jobstore.Job) (string, bool) {
	return f.skipReason, f.skipReason != ""
}

func testDriver(t *testing.T, stages ...Stage) (*Driver, *jobstore.Job) {
	t.Helper()
	store := jobstore.New(t.TempDir())
	job, err := store.Create("25-0314-150926_x", &models.JobMeta{
		JobID:     "25-0314-150926_x",
		Source:    "x.mp3",
		CreatedAt: time.Now().UTC(),
		Configuration: models.Configuration{
			Retry: models.RetryPolicy{Max: 2, DelaySeconds: 0},
		},
	})
	require.NoError(t, err)

	deps := &Dependencies{Store: store, Logger: slog.Default()}
	return NewDriver(deps, stages...), job
}

func allFakeStages() []*fakeStage {
	var fakes []*fakeStage
	for _, name := range models.StageOrder {
		fakes = append(fakes, &fakeStage{name: name})
	}
	return fakes
}

func asStages(fakes []*fakeStage) []Stage {
	stages := make([]Stage, len(fakes))
	for i, f := range fakes {
		stages[i] = f
	}
	return stages
}

func TestRunAllStages(t *testing.T) {
	fakes := allFakeStages()
	driver, job := testDriver(t, asStages(fakes)...)

	require.NoError(t, driver.Run(context.Background(), job, RunOptions{}))

	assert.Equal(t, models.JobCompleted, job.State.Status)
	for _, f := range fakes {
		assert.Equal(t, 1, f.executed, "stage %s", f.name)
		assert.Equal(t, models.StageCompleted, job.State.Stage(f.name).Status)
	}
	assert.Len(t, job.Meta.Processing.StagesCompleted, len(models.StageOrder))
}

func TestRunStopAfter(t *testing.T) {
	fakes := allFakeStages()
	driver, job := testDriver(t, asStages(fakes)...)

	require.NoError(t, driver.Run(context.Background(), job, RunOptions{StopAfter: models.StageScribe}))

	assert.Equal(t, models.JobRunning, job.State.Status)
	assert.Equal(t, models.StageCompleted, job.State.Stage(models.StageScribe).Status)
	assert.Equal(t, models.StagePending, job.State.Stage(models.StageRefine).Status)
	assert.Zero(t, fakes[2].executed)

	// A later run picks up where the first stopped.
	require.NoError(t, driver.Run(context.Background(), job, RunOptions{}))
	assert.Equal(t, models.JobCompleted, job.State.Status)
	assert.Equal(t, 1, fakes[0].executed, "completed stages are not re-run")
}

func TestRunStopAfterFinalStageCompletesJob(t *testing.T) {
	fakes := allFakeStages()
	driver, job := testDriver(t, asStages(fakes)...)

	require.NoError(t, driver.Run(context.Background(), job, RunOptions{StopAfter: models.StageShelve}))

	for _, f := range fakes {
		assert.Equal(t, models.StageCompleted, job.State.Stage(f.name).Status)
	}
	assert.Equal(t, models.JobCompleted, job.State.Status, "a fully shelved job must be terminal")
}

func TestRunStageContextCarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	store := jobstore.New(t.TempDir())
	job, err := store.Create("25-0314-150926_x", &models.JobMeta{
		JobID:     "25-0314-150926_x",
		Source:    "x.mp3",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	fakes := allFakeStages()
	fakes[1].execute = func(ctx context.Context, job *jobstore.Job) error {
		observability.LoggerFromContext(ctx).InfoContext(ctx, "streaming transcript")
		return nil
	}
	driver := NewDriver(&Dependencies{Store: store, Logger: logger}, asStages(fakes)...)

	require.NoError(t, driver.Run(context.Background(), job, RunOptions{}))

	// The stage logged through the context and inherited the run's scope.
	assert.Contains(t, buf.String(), "streaming transcript")
	assert.Contains(t, buf.String(), `"job_id":"25-0314-150926_x"`)
	assert.Contains(t, buf.String(), `"stage":"scribe"`)
}

func TestRunFailureLeavesLaterStagesPending(t *testing.T) {
	fakes := allFakeStages()
	fakes[2].executeErr = errors.New("backend exploded") // refine
	driver, job := testDriver(t, asStages(fakes)...)

	err := driver.Run(context.Background(), job, RunOptions{})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageRefine, stageErr.Stage)

	assert.Equal(t, models.JobFailed, job.State.Status)
	assert.Equal(t, models.StageFailed, job.State.Stage(models.StageRefine).Status)
	assert.Contains(t, job.State.Stage(models.StageRefine).Error, "backend exploded")
	assert.Equal(t, models.StagePending, job.State.Stage(models.StageGenerate).Status)
	assert.Equal(t, models.StagePending, job.State.Stage(models.StageShelve).Status)
}

func TestRunValidationFailureDoesNotExecute(t *testing.T) {
	fakes := allFakeStages()
	fakes[1].validateErr = ErrMissingIngest
	driver, job := testDriver(t, asStages(fakes)...)

	// Complete ingest first so scribe is reachable.
	err := driver.Run(context.Background(), job, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingIngest)
	assert.Zero(t, fakes[1].executed)
	assert.Equal(t, models.StageFailed, job.State.Stage(models.StageScribe).Status)
}

func TestRunSkippedStage(t *testing.T) {
	fakes := allFakeStages()
	fakes[1].skipReason = "direct refinement, no transcript needed"
	driver, job := testDriver(t, asStages(fakes)...)

	require.NoError(t, driver.Run(context.Background(), job, RunOptions{}))

	assert.Equal(t, models.StageSkipped, job.State.Stage(models.StageScribe).Status)
	assert.Zero(t, fakes[1].executed)
	// Skipped stages do not block completion.
	assert.Equal(t, models.JobCompleted, job.State.Status)
}

func TestRunCancellation(t *testing.T) {
	fakes := allFakeStages()
	canceller := fakes[1]
	driver, job := testDriver(t, asStages(fakes)...)

	ctx, cancel := context.WithCancel(context.Background())
	canceller.execute = func(ctx context.Context, job *jobstore.Job) error {
		cancel()
		return ctx.Err()
	}

	err := driver.Run(ctx, job, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, models.JobFailed, job.State.Status)
	assert.Contains(t, job.State.Stage(models.StageScribe).Error, "cancelled")
	assert.Zero(t, fakes[2].executed)
}

func TestRetryResetsFromStage(t *testing.T) {
	fakes := allFakeStages()
	fakes[2].executeErr = errors.New("flaky")
	driver, job := testDriver(t, asStages(fakes)...)

	require.Error(t, driver.Run(context.Background(), job, RunOptions{}))

	// Fix the stage and retry from it.
	fakes[2].executeErr = nil
	require.NoError(t, driver.Retry(context.Background(), job, models.StageRefine, RunOptions{}))

	assert.Equal(t, models.JobCompleted, job.State.Status)
	assert.Equal(t, 1, fakes[0].executed, "earlier stages are not re-run")
	assert.Equal(t, 2, fakes[2].executed)
	assert.Equal(t, 1, fakes[3].executed)
}

func TestRetryUnknownStage(t *testing.T) {
	driver, job := testDriver(t, asStages(allFakeStages())...)
	err := driver.Retry(context.Background(), job, models.StageName("polish"), RunOptions{})
	assert.ErrorContains(t, err, "unknown stage")
}

func TestRunAlreadyCompleted(t *testing.T) {
	fakes := allFakeStages()
	driver, job := testDriver(t, asStages(fakes)...)

	require.NoError(t, driver.Run(context.Background(), job, RunOptions{}))
	require.NoError(t, driver.Run(context.Background(), job, RunOptions{}))
	for _, f := range fakes {
		assert.Equal(t, 1, f.executed)
	}
}

func TestRetryCallTransient(t *testing.T) {
	policy := models.RetryPolicy{Max: 3, DelaySeconds: 0}

	calls := 0
	attempts, err := RetryCall(context.Background(), policy, slog.Default(), "transcribe", func() error {
		calls++
		if calls < 3 {
			return provider.NewTransient("transcribe", errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, attempts)
}

func TestRetryCallPermanentFailsFast(t *testing.T) {
	policy := models.RetryPolicy{Max: 3, DelaySeconds: 0}

	calls := 0
	attempts, err := RetryCall(context.Background(), policy, slog.Default(), "transcribe", func() error {
		calls++
		return provider.NewPermanent("transcribe", errors.New("401"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestRetryCallExhausted(t *testing.T) {
	policy := models.RetryPolicy{Max: 2, DelaySeconds: 0}

	calls := 0
	attempts, err := RetryCall(context.Background(), policy, slog.Default(), "transcribe", func() error {
		calls++
		return provider.NewTransient("transcribe", errors.New("503"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.Equal(t, 3, attempts)
	assert.True(t, provider.IsTransient(err))
}

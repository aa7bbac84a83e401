package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/observability"
)

// Driver executes a job's stages in order, persisting state after every
// transition so a crash or stop leaves the job resumable.
type Driver struct {
	deps   *Dependencies
	stages map[models.StageName]Stage
	logger *slog.Logger
}

// NewDriver creates a Driver over the given stages.
func NewDriver(deps *Dependencies, stages ...Stage) *Driver {
	byName := make(map[models.StageName]Stage, len(stages))
	for _, stage := range stages {
		byName[stage.Name()] = stage
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{deps: deps, stages: byName, logger: logger}
}

// RunOptions controls one driver run.
type RunOptions struct {
	// StopAfter ends the run once the named stage completes. Empty means
	// run to the end.
	StopAfter models.StageName
}

// Run advances the job from its first incomplete stage. Completed and
// skipped stages are never re-executed; use Retry to redo work.
func (d *Driver) Run(ctx context.Context, job *jobstore.Job, opts RunOptions) error {
	logger := observability.WithJob(d.logger, job.ID)

	start, ok := job.State.FirstIncomplete()
	if !ok {
		logger.Info("job already completed")
		return nil
	}

	if job.State.Status != models.JobRunning {
		job.State.Status = models.JobRunning
		if err := d.deps.Store.SaveState(job); err != nil {
			return err
		}
	}

	logger.InfoContext(ctx, "starting pipeline run",
		slog.String("from", string(start)),
		slog.String("stop_after", string(opts.StopAfter)),
	)

	for _, name := range models.StageOrder {
		if name.Before(start) {
			continue
		}
		if err := d.runStage(ctx, logger, job, name); err != nil {
			return err
		}
		// Stopping after the final stage is just a completed run: the job
		// must turn terminal, or cleanup would never age it out.
		if name == opts.StopAfter && name != models.StageOrder[len(models.StageOrder)-1] {
			logger.InfoContext(ctx, "stopping after stage", slog.String("stage", string(name)))
			return d.deps.Store.SaveState(job)
		}
	}

	job.State.Status = models.JobCompleted
	if err := d.deps.Store.SaveState(job); err != nil {
		return err
	}
	logger.InfoContext(ctx, "pipeline completed")
	return nil
}

// Retry resets the job from a stage onward and runs again. The reset is
// destructive: downstream stage results are deleted, or moved to the trash
// directory when the job runs in debug mode.
func (d *Driver) Retry(ctx context.Context, job *jobstore.Job, from models.StageName, opts RunOptions) error {
	if from.Index() < 0 {
		return fmt.Errorf("unknown stage %q", from)
	}
	if err := d.deps.Store.DiscardStageResults(job, from, job.Meta.Configuration.Debug); err != nil {
		return fmt.Errorf("discarding stage results: %w", err)
	}
	job.State.Reset(from)
	if err := d.deps.Store.SaveState(job); err != nil {
		return err
	}
	return d.Run(ctx, job, opts)
}

// runStage executes one stage, handling skips, prerequisite validation,
// timeouts, and failure bookkeeping.
func (d *Driver) runStage(ctx context.Context, logger *slog.Logger, job *jobstore.Job, name models.StageName) error {
	state := job.State.Stage(name)
	if state.Status == models.StageCompleted || state.Status == models.StageSkipped {
		return nil
	}
	if !job.State.CanStart(name) {
		return d.fail(job, name, fmt.Errorf("earlier stages are not complete"))
	}

	stage, ok := d.stages[name]
	if !ok {
		return d.fail(job, name, fmt.Errorf("stage not registered"))
	}

	if ctx.Err() != nil {
		return d.cancel(job, name)
	}

	if skipper, ok := stage.(Skipper); ok {
		if reason, skip := skipper.Skip(job); skip {
			logger.InfoContext(ctx, "skipping stage",
				slog.String("stage", string(name)),
				slog.String("reason", reason),
			)
			state.Status = models.StageSkipped
			return d.deps.Store.SaveState(job)
		}
	}

	if err := stage.Validate(ctx, job); err != nil {
		return d.fail(job, name, err)
	}

	now := time.Now().UTC()
	state.Status = models.StageRunning
	state.StartedAt = &now
	state.Error = ""
	if err := d.deps.Store.SaveState(job); err != nil {
		return err
	}

	logger.InfoContext(ctx, "stage started", slog.String("stage", string(name)))

	// Stages and the external tools they shell out to pick the job-scoped
	// logger back out of the context.
	stageCtx := observability.ContextWithLogger(ctx,
		logger.With(slog.String("stage", string(name))))
	var cancel context.CancelFunc
	if timeout := job.Meta.Configuration.StageTimeout; timeout > 0 {
		stageCtx, cancel = context.WithTimeout(stageCtx, timeout)
		defer cancel()
	}

	err := stage.Execute(stageCtx, job)
	finished := time.Now().UTC()
	state.FinishedAt = &finished

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return d.cancel(job, name)
		}
		return d.fail(job, name, err)
	}

	state.Status = models.StageCompleted
	job.Meta.Processing.MarkStageCompleted(name)
	if err := d.deps.Store.SaveMeta(job); err != nil {
		return err
	}
	if err := d.deps.Store.SaveState(job); err != nil {
		return err
	}

	logger.InfoContext(ctx, "stage completed",
		slog.String("stage", string(name)),
		slog.Duration("duration", finished.Sub(now)),
	)
	return nil
}

// fail marks the stage and job failed. Later stages stay pending so a
// retry resumes from the failed stage.
func (d *Driver) fail(job *jobstore.Job, name models.StageName, err error) error {
	stageErr := &StageError{Stage: name, Err: err}
	var inner *StageError
	if errors.As(err, &inner) {
		stageErr = inner
	}

	state := job.State.Stage(name)
	state.Status = models.StageFailed
	state.Error = stageErr.Error()
	job.State.Status = models.JobFailed
	if saveErr := d.deps.Store.SaveState(job); saveErr != nil {
		d.logger.Error("saving failed state",
			slog.String("job_id", job.ID), slog.String("error", saveErr.Error()))
	}
	return stageErr
}

// cancel marks the job failed with a cancellation cause.
func (d *Driver) cancel(job *jobstore.Job, name models.StageName) error {
	return d.fail(job, name, ErrCancelled)
}

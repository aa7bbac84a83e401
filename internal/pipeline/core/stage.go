package core

import (
	"context"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
)

// Stage is one step of the job pipeline.
type Stage interface {
	// Name returns the stage's identity in the job state.
	Name() models.StageName

	// Validate checks the stage's prerequisites against the job on disk.
	// It returns one of the hint errors when an input is missing, so the
	// operator learns which earlier stage to run.
	Validate(ctx context.Context, job *jobstore.Job) error

	// Execute performs the stage's work and persists its result record.
	Execute(ctx context.Context, job *jobstore.Job) error
}

// Skipper is implemented by stages that can be skipped for some jobs, such
// as transcription when the job refines audio directly.
type Skipper interface {
	// Skip reports whether the stage should be skipped and why.
	Skip(job *jobstore.Job) (reason string, skip bool)
}

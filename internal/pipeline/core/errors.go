package core

import (
	"errors"
	"fmt"

	"github.com/scrivohq/scrivo/internal/models"
)

// Prerequisite failures with a hint for the operator. Stages return these
// from Validate; the driver wraps them into a StageError without running
// the stage.
var (
	ErrFileMissing        = errors.New("source media file is missing")
	ErrFileEmpty          = errors.New("source media file is empty")
	ErrMissingIngest      = errors.New("no ingest result; run the ingest stage first")
	ErrMissingRefineInput = errors.New("no transcript or audio to refine; run earlier stages first")
	ErrMissingContext     = errors.New("no refined context; run the refine stage first")
	ErrNoArtifacts        = errors.New("no artifacts were generated; run the generate stage first")
)

// ErrCancelled marks a job aborted by the operator or a shutdown.
var ErrCancelled = errors.New("cancelled")

// StageError is a failure attributed to one stage, carrying the backend
// that produced it when one was involved.
type StageError struct {
	Stage    models.StageName
	Provider string
	Model    string
	Err      error
}

func (e *StageError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("stage %s (%s/%s): %v", e.Stage, e.Provider, e.Model, e.Err)
	}
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

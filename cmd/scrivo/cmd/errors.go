package cmd

import (
	"errors"
	"fmt"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/template"
)

// userError marks a failure caused by the invocation rather than the
// system. It maps to exit code 1.
type userError struct{ err error }

func (e userError) Error() string { return e.err.Error() }
func (e userError) Unwrap() error { return e.err }

// userErrorf builds a userError from a format string.
func userErrorf(format string, args ...any) error {
	return userError{fmt.Errorf(format, args...)}
}

// prerequisiteErrs are stage prerequisite failures; invoked directly from
// the CLI they are the operator's mistake, not the system's.
var prerequisiteErrs = []error{
	core.ErrFileMissing,
	core.ErrFileEmpty,
	core.ErrMissingIngest,
	core.ErrMissingRefineInput,
	core.ErrMissingContext,
	core.ErrNoArtifacts,
}

func isUserError(err error) bool {
	var ue userError
	if errors.As(err, &ue) {
		return true
	}
	if errors.Is(err, jobstore.ErrNotFound) {
		return true
	}
	var conflict *template.TemplateSchemaConflict
	if errors.As(err, &conflict) {
		return true
	}
	for _, sentinel := range prerequisiteErrs {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// hintFor names the command that would produce a missing prerequisite.
func hintFor(err error) string {
	switch {
	case errors.Is(err, core.ErrMissingIngest):
		return "run `scrivo ingest <source>` to ingest the media first"
	case errors.Is(err, core.ErrMissingRefineInput):
		return "run `scrivo scribe [job-id]` to produce the transcript first"
	case errors.Is(err, core.ErrMissingContext):
		return "run `scrivo refine [job-id]` to produce the enriched context first"
	case errors.Is(err, core.ErrNoArtifacts):
		return "run `scrivo generate [job-id]` to render the artifacts first"
	}
	return ""
}

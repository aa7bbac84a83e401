// Package refine implements the refinement stage: the transcript (or the
// audio itself, in direct mode) is turned into structured context
// conforming to the schema assembled from the job's templates.
package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/provider"
	"github.com/scrivohq/scrivo/internal/template"
	"github.com/scrivohq/scrivo/internal/transcript"
)

// Result is the refine stage's persisted record.
type Result struct {
	Context  models.EnrichedContext `json:"context"`
	Language string                 `json:"language,omitempty"`
	Direct   bool                   `json:"direct,omitempty"`
}

// Stage refines the transcript into structured context.
type Stage struct {
	deps   *core.Dependencies
	logger *slog.Logger
}

// New creates the refine stage.
func New(deps *core.Dependencies) *Stage {
	logger := slog.Default()
	if deps.Logger != nil {
		logger = deps.Logger.With(slog.String("stage", string(models.StageRefine)))
	}
	return &Stage{deps: deps, logger: logger}
}

func (s *Stage) Name() models.StageName { return models.StageRefine }

// Validate requires either a transcript or, in direct mode, the ingested
// audio.
func (s *Stage) Validate(ctx context.Context, job *jobstore.Job) error {
	if job.Meta.Configuration.DirectMode {
		var ingest models.IngestResult
		if err := s.deps.Store.LoadStageResult(job, models.StageIngest, &ingest); err != nil {
			return core.ErrMissingRefineInput
		}
		return nil
	}
	var scribed struct {
		TranscriptPath string `json:"transcript_path"`
	}
	if err := s.deps.Store.LoadStageResult(job, models.StageScribe, &scribed); err != nil {
		return core.ErrMissingRefineInput
	}
	return nil
}

// Execute assembles the schema, calls the refinement provider, validates
// the output against the schema, and persists the context.
func (s *Stage) Execute(ctx context.Context, job *jobstore.Job) error {
	cfg := job.Meta.Configuration

	schema, err := s.collectSchema(cfg.Artifacts)
	if err != nil {
		return err
	}

	req := provider.RefineRequest{
		JobID:    job.ID,
		Schema:   schema.Document(),
		Language: s.language(job),
		Model:    cfg.Refine.Model,
	}

	if cfg.DirectMode {
		var ingest models.IngestResult
		if err := s.deps.Store.LoadStageResult(job, models.StageIngest, &ingest); err != nil {
			return core.ErrMissingRefineInput
		}
		req.Direct = true
		req.AudioPath = ingest.UploadPath()
		req.CacheHandle = ingest.UpstreamCacheHandle
		if req.Language == "" || req.Language == "auto" {
			// Without a transcript there is no detected language to lean
			// on, and audio-only detection is noticeably weaker.
			s.logger.Warn("direct refinement without a language hint",
				slog.String("job_id", job.ID))
		}
	} else {
		segments, err := transcript.Read(filepath.Join(job.TranscriptsDir(), transcript.Filename))
		if err != nil {
			return core.ErrMissingRefineInput
		}
		req.Transcript = transcript.RenderText(segments)
	}

	rp, err := s.deps.Providers.Refinement(cfg.Refine.Provider)
	if err != nil {
		return err
	}

	var refined *provider.RefineResult
	attempts, err := core.RetryCall(ctx, cfg.Retry, s.logger, "refine", func() error {
		var callErr error
		refined, callErr = rp.Refine(ctx, req)
		return callErr
	})
	if err != nil {
		return &core.StageError{
			Stage:    models.StageRefine,
			Provider: cfg.Refine.Provider,
			Model:    cfg.Refine.Model,
			Err:      err,
		}
	}

	if err := schema.ValidateOutput(map[string]any(refined.Context)); err != nil {
		return &core.StageError{
			Stage:    models.StageRefine,
			Provider: cfg.Refine.Provider,
			Model:    cfg.Refine.Model,
			Err:      err,
		}
	}

	usage := refined.Usage
	usage.Stage = string(models.StageRefine)
	// Failed attempts were still requests the provider served.
	usage.RequestCount += attempts - 1
	s.deps.RecordUsage(job, usage)

	// The context always records which backend produced it and in what
	// language, so shelved metadata stands on its own.
	refined.Context["provider"] = cfg.Refine.Provider
	refined.Context["model"] = cfg.Refine.Model
	if req.Language != "" && req.Language != "auto" {
		refined.Context["language"] = req.Language
	}

	result := Result{Context: refined.Context, Language: req.Language, Direct: cfg.DirectMode}
	if err := s.writeContextFile(job, result.Context); err != nil {
		return err
	}
	if err := s.deps.Store.SaveStageResult(job, models.StageRefine, &result); err != nil {
		return err
	}
	return s.deps.Store.SaveMeta(job)
}

// writeContextFile publishes the refined context as its own artifact next
// to the transcript, where later stages and curious operators read it.
func (s *Stage) writeContextFile(job *jobstore.Job, ctx models.EnrichedContext) error {
	data, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding refined context: %w", err)
	}

	path := job.EnrichedContextPath()
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// collectSchema folds the fields of every template the job renders into
// the default schema. A conflict between templates is a configuration
// error, not a provider failure.
func (s *Stage) collectSchema(artifacts []models.ArtifactRef) (*template.Schema, error) {
	var templates []*template.Template
	for _, ref := range artifacts {
		if ref.Template == "" {
			continue
		}
		tmpl, ok := s.deps.Templates.Lookup(ref.Plugin, ref.Template)
		if !ok {
			return nil, fmt.Errorf("unknown template %s/%s", ref.Plugin, ref.Template)
		}
		templates = append(templates, tmpl)
	}
	return template.CollectSchema(templates)
}

// language prefers the language detected during transcription over the
// job's configured hint.
func (s *Stage) language(job *jobstore.Job) string {
	if detected := job.Meta.Audio.Language; detected != "" {
		return detected
	}
	return job.Meta.Configuration.Language
}

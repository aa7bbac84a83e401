// Package shelve implements the final stage: artifacts are copied into
// the results tree, the provider cache handle is released, and the job's
// bulky intermediates are pruned.
package shelve

import (
	"context"
	"log/slog"
	"os"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/provider"
	"github.com/scrivohq/scrivo/internal/shelving"
)

// Result is the shelve stage's persisted record.
type Result struct {
	Placements []shelving.Placement `json:"placements"`
	Pruned     bool                 `json:"pruned"`
}

// generateRecord is the slice of the generate result this stage reads.
type generateRecord struct {
	Title     string `json:"title"`
	Artifacts []struct {
		Path string `json:"path"`
	} `json:"artifacts"`
}

// refineRecord is the slice of the refine result this stage reads.
type refineRecord struct {
	Context models.EnrichedContext `json:"context"`
}

// Stage shelves artifacts into the results tree.
type Stage struct {
	deps   *core.Dependencies
	logger *slog.Logger
}

// New creates the shelve stage.
func New(deps *core.Dependencies) *Stage {
	logger := slog.Default()
	if deps.Logger != nil {
		logger = deps.Logger.With(slog.String("stage", string(models.StageShelve)))
	}
	return &Stage{deps: deps, logger: logger}
}

func (s *Stage) Name() models.StageName { return models.StageShelve }

// Validate requires at least one generated artifact.
func (s *Stage) Validate(ctx context.Context, job *jobstore.Job) error {
	var generated generateRecord
	if err := s.deps.Store.LoadStageResult(job, models.StageGenerate, &generated); err != nil {
		return core.ErrNoArtifacts
	}
	if len(generated.Artifacts) == 0 {
		return core.ErrNoArtifacts
	}
	return nil
}

// Execute copies the artifacts into place, then cleans up: cache handle
// released, media/transcripts/artifacts pruned unless the job runs in
// debug mode.
func (s *Stage) Execute(ctx context.Context, job *jobstore.Job) error {
	cfg := job.Meta.Configuration

	var generated generateRecord
	if err := s.deps.Store.LoadStageResult(job, models.StageGenerate, &generated); err != nil {
		return core.ErrNoArtifacts
	}
	var refined refineRecord
	_ = s.deps.Store.LoadStageResult(job, models.StageRefine, &refined)

	paths := make([]string, 0, len(generated.Artifacts))
	for _, a := range generated.Artifacts {
		paths = append(paths, a.Path)
	}

	placements, err := s.deps.Shelver.Shelve(shelving.Request{
		Policy:    cfg.Shelve,
		JobID:     job.ID,
		Title:     generated.Title,
		Date:      job.Meta.CreatedAt,
		Tags:      refined.Context.StringsField("tags"),
		Artifacts: paths,
	})
	if err != nil {
		return err
	}
	for _, p := range placements {
		s.logger.Info("artifact shelved",
			slog.String("job_id", job.ID),
			slog.String("dest", p.Dest),
			slog.Bool("unchanged", p.Unchanged),
		)
	}

	s.releaseCache(ctx, job)

	result := Result{Placements: placements}
	if !cfg.Debug {
		s.prune(job)
		result.Pruned = true
	}

	return s.deps.Store.SaveStageResult(job, models.StageShelve, &result)
}

// releaseCache drops the provider cache handle, if the job has one.
// Best-effort: upstream caches expire on their own.
func (s *Stage) releaseCache(ctx context.Context, job *jobstore.Job) {
	var ingest models.IngestResult
	if err := s.deps.Store.LoadStageResult(job, models.StageIngest, &ingest); err != nil {
		return
	}
	if ingest.UpstreamCacheHandle == "" {
		return
	}

	backend := job.Meta.Configuration.Transcribe
	if job.Meta.Configuration.DirectMode {
		backend = job.Meta.Configuration.Refine
	}
	p, err := s.deps.Providers.Get(backend.Provider)
	if err != nil {
		return
	}
	uploader, ok := p.(provider.CacheUploader)
	if !ok {
		return
	}
	if err := uploader.ReleaseCache(ctx, ingest.UpstreamCacheHandle); err != nil {
		s.logger.Warn("cache release failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// prune removes the job's bulky intermediates. The shelved copies and the
// job's state, meta, and stage records survive.
func (s *Stage) prune(job *jobstore.Job) {
	for _, dir := range []string{job.MediaDir(), job.TranscriptsDir(), job.ArtifactsDir()} {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("pruning job directory failed",
				slog.String("path", dir),
				slog.String("error", err.Error()),
			)
		}
	}
}

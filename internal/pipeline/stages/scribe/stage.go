// Package scribe implements the transcription stage: it streams segments
// from the configured provider into the job's transcript file.
package scribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/provider"
	"github.com/scrivohq/scrivo/internal/transcript"
)

// Result is the scribe stage's persisted record.
type Result struct {
	TranscriptPath string `json:"transcript_path"`
	SegmentCount   int    `json:"segment_count"`
	Language       string `json:"language,omitempty"`
}

// Stage transcribes the ingested media.
type Stage struct {
	deps   *core.Dependencies
	logger *slog.Logger
}

// New creates the scribe stage.
func New(deps *core.Dependencies) *Stage {
	logger := slog.Default()
	if deps.Logger != nil {
		logger = deps.Logger.With(slog.String("stage", string(models.StageScribe)))
	}
	return &Stage{deps: deps, logger: logger}
}

func (s *Stage) Name() models.StageName { return models.StageScribe }

// Skip: direct-mode jobs send audio straight to refinement and never
// produce a transcript.
func (s *Stage) Skip(job *jobstore.Job) (string, bool) {
	if job.Meta.Configuration.DirectMode {
		return "direct refinement, no transcript needed", true
	}
	return "", false
}

// Validate requires an ingest result whose upload file still exists.
func (s *Stage) Validate(ctx context.Context, job *jobstore.Job) error {
	var ingest models.IngestResult
	if err := s.deps.Store.LoadStageResult(job, models.StageIngest, &ingest); err != nil {
		return core.ErrMissingIngest
	}
	if ingest.UpstreamCacheHandle == "" {
		if _, err := os.Stat(ingest.UploadPath()); err != nil {
			return fmt.Errorf("%w: %s", core.ErrFileMissing, ingest.UploadPath())
		}
	}
	return nil
}

// Execute streams the transcription into transcripts/raw_transcript.json.
// Each retry restarts the stream into a fresh temp file; the transcript
// is only published once a stream completes.
func (s *Stage) Execute(ctx context.Context, job *jobstore.Job) error {
	cfg := job.Meta.Configuration

	var ingest models.IngestResult
	if err := s.deps.Store.LoadStageResult(job, models.StageIngest, &ingest); err != nil {
		return core.ErrMissingIngest
	}

	tp, err := s.deps.Providers.Transcription(cfg.Transcribe.Provider)
	if err != nil {
		return err
	}

	path := filepath.Join(job.TranscriptsDir(), transcript.Filename)
	req := provider.TranscribeRequest{
		JobID:       job.ID,
		AudioPath:   ingest.UploadPath(),
		CacheHandle: ingest.UpstreamCacheHandle,
		Model:       cfg.Transcribe.Model,
		Language:    cfg.Language,
	}

	var result Result
	var usage models.UsageRecord
	attempts, err := core.RetryCall(ctx, cfg.Retry, s.logger, "transcribe", func() error {
		w, err := transcript.NewWriter(path)
		if err != nil {
			return err
		}

		res, err := tp.Transcribe(ctx, req, func(seg models.TranscriptSegment) error {
			if err := w.Append(seg); err != nil {
				// Ordering violations come from the provider; writing
				// failures from us. Neither gets better on retry with the
				// same stream, but disk errors might, so only provider
				// protocol errors are marked permanent here.
				return provider.NewPermanent("transcribe", err)
			}
			return nil
		})
		if err != nil {
			w.Abort()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}

		result = Result{TranscriptPath: path, SegmentCount: res.SegmentCount, Language: res.Language}
		usage = res.Usage
		return nil
	})
	if err != nil {
		return &core.StageError{
			Stage:    models.StageScribe,
			Provider: cfg.Transcribe.Provider,
			Model:    cfg.Transcribe.Model,
			Err:      err,
		}
	}

	usage.Stage = string(models.StageScribe)
	// Failed attempts were still requests the provider served.
	usage.RequestCount += attempts - 1
	s.deps.RecordUsage(job, usage)

	if result.Language != "" && result.Language != "auto" {
		job.Meta.Audio.Language = result.Language
	}

	s.logger.Info("transcription complete",
		slog.String("job_id", job.ID),
		slog.Int("segments", result.SegmentCount),
		slog.String("language", result.Language),
	)
	if err := s.deps.Store.SaveStageResult(job, models.StageScribe, &result); err != nil {
		return err
	}
	return s.deps.Store.SaveMeta(job)
}

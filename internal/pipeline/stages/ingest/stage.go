// Package ingest implements the first pipeline stage: it takes custody of
// the source media, probes it, compresses it for upload, and optionally
// parks it in the provider's upstream cache.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/provider"
)

// compressedFilename is the name of the compressed working copy.
const compressedFilename = "compressed.opus"

// Stage ingests source media into the job directory.
type Stage struct {
	deps   *core.Dependencies
	logger *slog.Logger
}

// New creates the ingest stage.
func New(deps *core.Dependencies) *Stage {
	return &Stage{deps: deps, logger: stageLogger(deps)}
}

func stageLogger(deps *core.Dependencies) *slog.Logger {
	if deps.Logger != nil {
		return deps.Logger.With(slog.String("stage", string(models.StageIngest)))
	}
	return slog.Default()
}

func (s *Stage) Name() models.StageName { return models.StageIngest }

// Validate checks that the source file is present and non-empty.
func (s *Stage) Validate(ctx context.Context, job *jobstore.Job) error {
	info, err := os.Stat(job.Meta.Source)
	if err != nil {
		return fmt.Errorf("%w: %s", core.ErrFileMissing, job.Meta.Source)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", core.ErrFileEmpty, job.Meta.Source)
	}
	return nil
}

// Execute copies the source into the job, probes it, compresses per the
// job's compression mode, and uploads to the provider cache when that
// pays off.
func (s *Stage) Execute(ctx context.Context, job *jobstore.Job) error {
	cfg := job.Meta.Configuration

	workingCopy := filepath.Join(job.MediaDir(), filepath.Base(job.Meta.Source))
	if err := copyFile(job.Meta.Source, workingCopy); err != nil {
		return fmt.Errorf("copying source into job: %w", err)
	}

	audio, err := s.deps.Prober.Probe(ctx, workingCopy)
	if err != nil {
		return fmt.Errorf("probing media: %w", err)
	}
	job.Meta.Audio = audio

	result := models.IngestResult{
		SourcePath:      job.Meta.Source,
		WorkingCopyPath: workingCopy,
		DurationSeconds: audio.DurationSeconds,
		Format:          audio.Format,
		Bitrate:         audio.Bitrate,
	}

	switch cfg.CompressionMode {
	case "original":
		// The working copy is uploaded as-is, unless it is a video
		// container: transcription backends take audio, so the audio
		// track still has to come out.
		if isVideoContainer(workingCopy) {
			result.CompressedPath, err = s.extractAudio(ctx, workingCopy, job)
		}
	case "optimized":
		result.CompressedPath, err = s.compress(ctx, job, workingCopy, true)
	default: // compressed
		result.CompressedPath, err = s.compress(ctx, job, workingCopy, false)
	}
	if err != nil {
		return err
	}

	s.maybeUploadToCache(ctx, job, &result)

	if err := s.deps.Store.SaveStageResult(job, models.StageIngest, &result); err != nil {
		return err
	}
	return s.deps.Store.SaveMeta(job)
}

// compress transcodes the working copy, falling back to the original when
// the encoder fails. Bad encodes should not sink the whole job.
func (s *Stage) compress(ctx context.Context, job *jobstore.Job, workingCopy string, trim bool) (string, error) {
	dst := filepath.Join(job.MediaDir(), compressedFilename)

	var err error
	if trim {
		err = s.deps.Encoder.CompressTrimmed(ctx, workingCopy, dst)
	} else {
		err = s.deps.Encoder.Compress(ctx, workingCopy, dst)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("compression failed, using original media",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	return dst, nil
}

// extractAudio pulls the audio track out of a video container. Unlike
// compress there is no fallback: uploading the video itself would fail at
// the provider anyway.
func (s *Stage) extractAudio(ctx context.Context, workingCopy string, job *jobstore.Job) (string, error) {
	dst := filepath.Join(job.MediaDir(), compressedFilename)
	if err := s.deps.Encoder.Compress(ctx, workingCopy, dst); err != nil {
		return "", fmt.Errorf("extracting audio track: %w", err)
	}
	return dst, nil
}

// videoContainerExts lists the container formats treated as video.
var videoContainerExts = map[string]bool{
	".mp4": true, ".mov": true, ".mkv": true, ".webm": true,
}

func isVideoContainer(path string) bool {
	return videoContainerExts[strings.ToLower(filepath.Ext(path))]
}

// maybeUploadToCache parks long media in the provider's upstream cache so
// later stages reference a handle instead of re-uploading. Failures are
// logged and ignored: stages fall back to direct upload.
func (s *Stage) maybeUploadToCache(ctx context.Context, job *jobstore.Job, result *models.IngestResult) {
	cfg := job.Meta.Configuration

	backend := cfg.Transcribe
	if cfg.DirectMode {
		backend = cfg.Refine
	}

	p, err := s.deps.Providers.Get(backend.Provider)
	if err != nil {
		s.logger.Warn("provider unavailable for cache upload",
			slog.String("provider", backend.Provider),
			slog.String("error", err.Error()),
		)
		return
	}

	uploader, ok := p.(provider.CacheUploader)
	if !ok {
		return
	}
	var spec provider.IngestSpec
	if tp, ok := p.(provider.TranscriptionProvider); ok {
		spec = tp.IngestSpec()
	}
	if !spec.SupportsUpstreamCache {
		return
	}

	threshold := spec.CacheMinDurationSeconds
	if configured := s.deps.Config.Media.CacheMinDuration.Seconds(); configured > threshold {
		threshold = configured
	}
	if result.DurationSeconds < threshold {
		return
	}

	handle, err := uploader.UploadToCache(ctx, result.UploadPath())
	if err != nil {
		s.logger.Warn("cache upload failed, will upload per call",
			slog.String("provider", backend.Provider),
			slog.String("error", err.Error()),
		)
		return
	}
	result.UpstreamCacheHandle = handle
	s.logger.Info("media parked in provider cache",
		slog.String("job_id", job.ID),
		slog.String("provider", backend.Provider),
	)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

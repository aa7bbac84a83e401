// Package generate implements the artifact stage: refined context and the
// transcript are rendered into the configured output formats.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/render"
	"github.com/scrivohq/scrivo/internal/shelving"
	"github.com/scrivohq/scrivo/internal/template"
	"github.com/scrivohq/scrivo/internal/transcript"
)

// Artifact records one rendered file.
type Artifact struct {
	Plugin   string `json:"plugin"`
	Template string `json:"template,omitempty"`
	Path     string `json:"path"`
}

// Skipped records an artifact that could not be rendered for this job.
type Skipped struct {
	Plugin string `json:"plugin"`
	Reason string `json:"reason"`
}

// Result is the generate stage's persisted record.
type Result struct {
	Title     string     `json:"title"`
	Artifacts []Artifact `json:"artifacts"`
	Skipped   []Skipped  `json:"skipped,omitempty"`
}

// Stage renders artifacts from the refined context.
type Stage struct {
	deps   *core.Dependencies
	logger *slog.Logger
}

// New creates the generate stage.
func New(deps *core.Dependencies) *Stage {
	logger := slog.Default()
	if deps.Logger != nil {
		logger = deps.Logger.With(slog.String("stage", string(models.StageGenerate)))
	}
	return &Stage{deps: deps, logger: logger}
}

func (s *Stage) Name() models.StageName { return models.StageGenerate }

// Validate requires the refined context file.
func (s *Stage) Validate(ctx context.Context, job *jobstore.Job) error {
	enriched, err := loadContext(job)
	if err != nil || len(enriched) == 0 {
		return core.ErrMissingContext
	}
	return nil
}

// loadContext reads the enriched_context.json the refine stage published.
func loadContext(job *jobstore.Job) (models.EnrichedContext, error) {
	data, err := os.ReadFile(job.EnrichedContextPath())
	if err != nil {
		return nil, err
	}
	var enriched models.EnrichedContext
	if err := json.Unmarshal(data, &enriched); err != nil {
		return nil, fmt.Errorf("parsing refined context: %w", err)
	}
	return enriched, nil
}

// Execute renders each configured artifact into the job's artifacts
// directory. An artifact a plugin cannot produce for this job (subtitles
// without a transcript) is skipped with a recorded reason; rendering
// failures fail the stage.
func (s *Stage) Execute(ctx context.Context, job *jobstore.Job) error {
	enriched, err := loadContext(job)
	if err != nil {
		return core.ErrMissingContext
	}

	segments, _ := transcript.Read(filepath.Join(job.TranscriptsDir(), transcript.Filename))

	in := render.Input{
		JobID:    job.ID,
		Title:    title(job, enriched),
		Date:     job.Meta.CreatedAt,
		Language: job.Meta.Audio.Language,
		Context:  enriched,
		Segments: segments,
	}

	result := Result{Title: in.Title}
	for _, ref := range artifactRefs(job.Meta.Configuration.Artifacts) {
		plugin, err := s.deps.Renderers.Lookup(ref.Plugin)
		if err != nil {
			return err
		}

		var tmpl *template.Template
		if ref.Template != "" {
			var ok bool
			tmpl, ok = s.deps.Templates.Lookup(ref.Plugin, ref.Template)
			if !ok {
				return fmt.Errorf("unknown template %s/%s", ref.Plugin, ref.Template)
			}
		}

		data, err := plugin.Render(in, tmpl)
		if errors.Is(err, render.ErrNoTranscript) {
			s.logger.Info("skipping artifact",
				slog.String("job_id", job.ID),
				slog.String("plugin", ref.Plugin),
				slog.String("reason", err.Error()),
			)
			result.Skipped = append(result.Skipped, Skipped{Plugin: ref.Plugin, Reason: err.Error()})
			continue
		}
		if err != nil {
			return fmt.Errorf("rendering %s artifact: %w", ref.Plugin, err)
		}

		name := ref.Filename
		if name == "" {
			name = defaultFilename(in.Title, job.ID, plugin.Extension())
		}
		path := filepath.Join(job.ArtifactsDir(), name)
		if err := writeFile(path, data); err != nil {
			return fmt.Errorf("writing %s artifact: %w", ref.Plugin, err)
		}

		result.Artifacts = append(result.Artifacts, Artifact{
			Plugin: ref.Plugin, Template: ref.Template, Path: path,
		})
	}

	s.logger.Info("artifacts generated",
		slog.String("job_id", job.ID),
		slog.Int("count", len(result.Artifacts)),
		slog.Int("skipped", len(result.Skipped)),
	)
	return s.deps.Store.SaveStageResult(job, models.StageGenerate, &result)
}

// artifactRefs applies the default artifact set when the job configures
// none: a markdown document with the plugin's built-in layout.
func artifactRefs(configured []models.ArtifactRef) []models.ArtifactRef {
	if len(configured) > 0 {
		return configured
	}
	return []models.ArtifactRef{{Plugin: "markdown"}}
}

// title prefers a refined title, then falls back to the source filename.
func title(job *jobstore.Job, ctx models.EnrichedContext) string {
	if t := ctx.StringField("title"); t != "" {
		return t
	}
	stem := strings.TrimSuffix(filepath.Base(job.Meta.Source), filepath.Ext(job.Meta.Source))
	return strings.NewReplacer("_", " ", "-", " ").Replace(stem)
}

// defaultFilename builds "<slug>.<ext>", falling back to the job id when
// the title slugs away to nothing.
func defaultFilename(title, jobID, ext string) string {
	slug := shelving.Slugify(title)
	if slug == "" {
		slug = jobID
	}
	return slug + ext
}

func writeFile(path string, data []byte) error {
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

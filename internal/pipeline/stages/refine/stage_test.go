package refine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivohq/scrivo/internal/jobstore"
	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/pipeline/core"
	"github.com/scrivohq/scrivo/internal/provider"
	"github.com/scrivohq/scrivo/internal/template"
	"github.com/scrivohq/scrivo/internal/transcript"
)

var validContext = models.EnrichedContext{
	"clean_text":    "We talked about shipping on Friday.",
	"summary":       "Release discussion.",
	"key_takeaways": []any{"ship friday"},
	"participants":  []any{"Ana"},
	"quotes":        []any{},
	"action_items":  []any{},
}

// fakeRefiner returns a scripted context and records the request,
// optionally failing the first attempts.
type fakeRefiner struct {
	desc      *provider.Descriptor
	context   models.EnrichedContext
	lastReq   provider.RefineRequest
	failFirst int
	calls     int
}

func (f *fakeRefiner) Descriptor() *provider.Descriptor { return f.desc }

func (f *fakeRefiner) Refine(ctx context.Context, req provider.RefineRequest) (*provider.RefineResult, error) {
	f.calls++
	f.lastReq = req
	if f.calls <= f.failFirst {
		return nil, provider.NewTransient("refine", errors.New("429"))
	}
	return &provider.RefineResult{
		Context: f.context,
		Usage: models.UsageRecord{
			Provider: "cloudrelay", Model: req.Model,
			InputTokens: 500, OutputTokens: 200, CostUSD: 0.003, RequestCount: 1,
		},
	}, nil
}

func testSetup(t *testing.T, backend *fakeRefiner) (*core.Dependencies, *jobstore.Job) {
	t.Helper()

	reg := provider.NewRegistry()
	reg.RegisterRuntime("fake", func(desc *provider.Descriptor) (provider.Provider, error) {
		backend.desc = desc
		return backend, nil
	})
	require.NoError(t, reg.Add(&provider.Descriptor{
		Name: "cloudrelay", Type: "cloud", Runtime: "fake",
		Capabilities: []provider.Capability{provider.CapabilityRefine},
	}))

	templates, err := template.LoadRegistry(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)

	store := jobstore.New(t.TempDir())
	deps := &core.Dependencies{
		Store: store, Providers: reg, Templates: templates, Logger: slog.Default(),
	}

	job, err := store.Create("25-0314-150926_clip", &models.JobMeta{
		JobID:     "25-0314-150926_clip",
		Source:    "clip.mp3",
		CreatedAt: time.Now().UTC(),
		Configuration: models.Configuration{
			Language: "auto",
			Refine:   models.StageBackend{Provider: "cloudrelay", Model: "relay-large"},
			Retry:    models.RetryPolicy{Max: 1, DelaySeconds: 0},
		},
	})
	require.NoError(t, err)
	return deps, job
}

func saveTranscript(t *testing.T, deps *core.Dependencies, job *jobstore.Job) {
	t.Helper()
	path := filepath.Join(job.TranscriptsDir(), transcript.Filename)
	w, err := transcript.NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(models.TranscriptSegment{SpeakerID: "S1", StartTime: 0, EndTime: 2, Text: "We talked about shipping."}))
	require.NoError(t, w.Append(models.TranscriptSegment{SpeakerID: "S2", StartTime: 2, EndTime: 3, Text: "On Friday."}))
	require.NoError(t, w.Close())
	require.NoError(t, deps.Store.SaveStageResult(job, models.StageScribe, map[string]any{
		"transcript_path": path, "segment_count": 2,
	}))
}

func TestValidate(t *testing.T) {
	deps, job := testSetup(t, &fakeRefiner{})
	stage := New(deps)

	assert.ErrorIs(t, stage.Validate(context.Background(), job), core.ErrMissingRefineInput)

	saveTranscript(t, deps, job)
	assert.NoError(t, stage.Validate(context.Background(), job))
}

func TestValidateDirectModeNeedsIngest(t *testing.T) {
	deps, job := testSetup(t, &fakeRefiner{})
	job.Meta.Configuration.DirectMode = true
	stage := New(deps)

	assert.ErrorIs(t, stage.Validate(context.Background(), job), core.ErrMissingRefineInput)

	require.NoError(t, deps.Store.SaveStageResult(job, models.StageIngest, &models.IngestResult{
		WorkingCopyPath: "x",
	}))
	assert.NoError(t, stage.Validate(context.Background(), job))
}

func TestExecuteFromTranscript(t *testing.T) {
	backend := &fakeRefiner{context: validContext}
	deps, job := testSetup(t, backend)
	saveTranscript(t, deps, job)

	require.NoError(t, New(deps).Execute(context.Background(), job))

	// The provider saw speaker-attributed prose and the full schema.
	assert.Contains(t, backend.lastReq.Transcript, "S1: We talked about shipping.")
	assert.False(t, backend.lastReq.Direct)
	props := backend.lastReq.Schema["properties"].(map[string]any)
	assert.Contains(t, props, "summary")
	assert.Contains(t, props, "action_items")

	var result Result
	require.NoError(t, deps.Store.LoadStageResult(job, models.StageRefine, &result))
	assert.Equal(t, "Release discussion.", result.Context.StringField("summary"))

	// The context names its own provenance.
	assert.Equal(t, "cloudrelay", result.Context.StringField("provider"))
	assert.Equal(t, "relay-large", result.Context.StringField("model"))

	// The context is also published as a standalone file beside the
	// transcript.
	data, err := os.ReadFile(job.EnrichedContextPath())
	require.NoError(t, err)
	var published models.EnrichedContext
	require.NoError(t, json.Unmarshal(data, &published))
	assert.Equal(t, "Release discussion.", published.StringField("summary"))
	assert.Equal(t, "cloudrelay", published.StringField("provider"))

	require.Len(t, job.Meta.Processing.Steps, 1)
	assert.Equal(t, "refine", job.Meta.Processing.Steps[0].Stage)
}

func TestExecuteRetriesTransientAndBooksAllRequests(t *testing.T) {
	backend := &fakeRefiner{context: validContext, failFirst: 1}
	deps, job := testSetup(t, backend)
	saveTranscript(t, deps, job)

	require.NoError(t, New(deps).Execute(context.Background(), job))
	assert.Equal(t, 2, backend.calls)

	// The rate-limited first call was still a billed request.
	assert.Equal(t, 2, job.Meta.Processing.RequestCount)
}

func TestExecuteDirectMode(t *testing.T) {
	backend := &fakeRefiner{context: validContext}
	deps, job := testSetup(t, backend)
	job.Meta.Configuration.DirectMode = true

	audio := filepath.Join(job.MediaDir(), "clip.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0644))
	require.NoError(t, deps.Store.SaveStageResult(job, models.StageIngest, &models.IngestResult{
		WorkingCopyPath:     audio,
		UpstreamCacheHandle: "cache-1",
	}))

	require.NoError(t, New(deps).Execute(context.Background(), job))

	assert.True(t, backend.lastReq.Direct)
	assert.Equal(t, "cache-1", backend.lastReq.CacheHandle)
	assert.Empty(t, backend.lastReq.Transcript)

	var result Result
	require.NoError(t, deps.Store.LoadStageResult(job, models.StageRefine, &result))
	assert.True(t, result.Direct)
}

func TestExecuteRejectsSchemaViolation(t *testing.T) {
	// Provider returns a list where a string is required.
	bad := models.EnrichedContext{}
	for k, v := range validContext {
		bad[k] = v
	}
	bad["summary"] = []any{"not", "a", "string"}

	backend := &fakeRefiner{context: bad}
	deps, job := testSetup(t, backend)
	saveTranscript(t, deps, job)

	err := New(deps).Execute(context.Background(), job)
	require.Error(t, err)

	var stageErr *core.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageRefine, stageErr.Stage)
	assert.Contains(t, err.Error(), "does not match schema")
}

func TestLanguagePrefersDetected(t *testing.T) {
	backend := &fakeRefiner{context: validContext}
	deps, job := testSetup(t, backend)
	saveTranscript(t, deps, job)
	job.Meta.Audio.Language = "de"

	require.NoError(t, New(deps).Execute(context.Background(), job))
	assert.Equal(t, "de", backend.lastReq.Language)

	var result Result
	require.NoError(t, deps.Store.LoadStageResult(job, models.StageRefine, &result))
	assert.Equal(t, "de", result.Context.StringField("language"))
}

package shelve

import (
	"context"
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
	"github.com/scrivohq/scrivo/internal/shelving"
)

type cacheReleaser struct {
	desc     *provider.Descriptor
	released []string
}

func (p *cacheReleaser) Descriptor() *provider.Descriptor { return p.desc }

func (p *cacheReleaser) UploadToCache(ctx context.Context, path string) (string, error) {
	return "", nil
}

func (p *cacheReleaser) ReleaseCache(ctx context.Context, handle string) error {
	p.released = append(p.released, handle)
	return nil
}

func testSetup(t *testing.T) (*core.Dependencies, *jobstore.Job, *cacheReleaser, string) {
	t.Helper()

	backend := &cacheReleaser{}
	reg := provider.NewRegistry()
	reg.RegisterRuntime("fake", func(desc *provider.Descriptor) (provider.Provider, error) {
		backend.desc = desc
		return backend, nil
	})
	require.NoError(t, reg.Add(&provider.Descriptor{
		Name: "cloudrelay", Type: "cloud", Runtime: "fake",
		Capabilities: []provider.Capability{provider.CapabilityTranscribe},
	}))

	results := t.TempDir()
	store := jobstore.New(t.TempDir())
	deps := &core.Dependencies{
		Store:     store,
		Providers: reg,
		Shelver:   shelving.New(results),
		Logger:    slog.Default(),
	}

	job, err := store.Create("25-0314-150926_sync", &models.JobMeta{
		JobID:     "25-0314-150926_sync",
		Source:    "sync.mp3",
		CreatedAt: time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC),
		Configuration: models.Configuration{
			Transcribe: models.StageBackend{Provider: "cloudrelay", Model: "relay-large"},
			Shelve:     models.ShelvePolicy{Strategy: "timeline"},
		},
	})
	require.NoError(t, err)
	return deps, job, backend, results
}

func saveGenerated(t *testing.T, deps *core.Dependencies, job *jobstore.Job) string {
	t.Helper()
	artifact := filepath.Join(job.ArtifactsDir(), "sync.md")
	require.NoError(t, os.WriteFile(artifact, []byte("# Sync\n"), 0644))
	require.NoError(t, deps.Store.SaveStageResult(job, models.StageGenerate, map[string]any{
		"title":     "Sync",
		"artifacts": []map[string]any{{"plugin": "markdown", "path": artifact}},
	}))
	return artifact
}

func TestValidate(t *testing.T) {
	deps, job, _, _ := testSetup(t)
	stage := New(deps)

	assert.ErrorIs(t, stage.Validate(context.Background(), job), core.ErrNoArtifacts)

	require.NoError(t, deps.Store.SaveStageResult(job, models.StageGenerate, map[string]any{
		"title": "Sync", "artifacts": []map[string]any{},
	}))
	assert.ErrorIs(t, stage.Validate(context.Background(), job), core.ErrNoArtifacts)

	saveGenerated(t, deps, job)
	assert.NoError(t, stage.Validate(context.Background(), job))
}

func TestExecuteShelvesAndPrunes(t *testing.T) {
	deps, job, _, results := testSetup(t)
	saveGenerated(t, deps, job)

	require.NoError(t, New(deps).Execute(context.Background(), job))

	// Artifact landed in the timeline tree under the job's own folder.
	dest := filepath.Join(results, "2025", "03", "14", "25-0314-150926_sync", "sync.md")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "# Sync\n", string(data))

	var result Result
	require.NoError(t, deps.Store.LoadStageResult(job, models.StageShelve, &result))
	require.Len(t, result.Placements, 1)
	assert.Equal(t, dest, result.Placements[0].Dest)
	assert.True(t, result.Pruned)

	// Bulky intermediates are gone; bookkeeping survives.
	_, err = os.Stat(job.MediaDir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(job.ArtifactsDir())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(job.Dir, "state.json"))
	assert.NoError(t, err)
	_, err = os.Stat(job.StagesDir())
	assert.NoError(t, err)
}

func TestExecuteDebugKeepsIntermediates(t *testing.T) {
	deps, job, _, _ := testSetup(t)
	job.Meta.Configuration.Debug = true
	artifact := saveGenerated(t, deps, job)

	require.NoError(t, New(deps).Execute(context.Background(), job))

	var result Result
	require.NoError(t, deps.Store.LoadStageResult(job, models.StageShelve, &result))
	assert.False(t, result.Pruned)

	_, err := os.Stat(artifact)
	assert.NoError(t, err)
}

func TestExecuteReleasesCacheHandle(t *testing.T) {
	deps, job, backend, _ := testSetup(t)
	saveGenerated(t, deps, job)
	require.NoError(t, deps.Store.SaveStageResult(job, models.StageIngest, &models.IngestResult{
		UpstreamCacheHandle: "cache-42",
	}))

	require.NoError(t, New(deps).Execute(context.Background(), job))
	assert.Equal(t, []string{"cache-42"}, backend.released)
}

func TestExecuteTagRouting(t *testing.T) {
	deps, job, _, results := testSetup(t)
	job.Meta.Configuration.Shelve = models.ShelvePolicy{
		Strategy:        "zettelkasten",
		IDFormat:        "200601021504",
		FilenamePattern: "{id} {slug}.md",
		TagRoutes:       map[string]string{"work": "Projects"},
	}
	saveGenerated(t, deps, job)
	require.NoError(t, deps.Store.SaveStageResult(job, models.StageRefine, map[string]any{
		"context": map[string]any{"tags": []any{"work"}},
	}))

	require.NoError(t, New(deps).Execute(context.Background(), job))

	var result Result
	require.NoError(t, deps.Store.LoadStageResult(job, models.StageShelve, &result))
	assert.Equal(t,
		filepath.Join(results, "Projects", "202503141509 sync.md"),
		result.Placements[0].Dest)
}

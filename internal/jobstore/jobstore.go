// Package jobstore persists jobs as directories under the work root. Each
// job owns state.json, meta.json, and subdirectories for media,
// transcripts, artifacts, and per-stage results. All JSON writes go
// through a temp file and rename so a crash never leaves a torn file.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/scrivohq/scrivo/internal/models"
)

const (
	stateFile           = "state.json"
	metaFile            = "meta.json"
	mediaDir            = "media"
	transcriptsDir      = "transcripts"
	artifactsDir        = "artifacts"
	stagesDir           = "_stages"
	enrichedContextFile = "enriched_context.json"
)

// ErrNotFound is returned when a job id has no directory.
var ErrNotFound = fmt.Errorf("job not found")

// Store manages the job directories under one work root.
type Store struct {
	root string
}

// New creates a store rooted at dir. The directory is created on first
// job creation, not here.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the work root.
func (s *Store) Root() string { return s.root }

// Job is one on-disk job with its loaded state and metadata.
type Job struct {
	ID    string
	Dir   string
	State *models.JobState
	Meta  *models.JobMeta
}

// MediaDir returns the directory holding the working and compressed media.
func (j *Job) MediaDir() string { return filepath.Join(j.Dir, mediaDir) }

// TranscriptsDir returns the directory holding transcript files.
func (j *Job) TranscriptsDir() string { return filepath.Join(j.Dir, transcriptsDir) }

// ArtifactsDir returns the directory holding rendered artifacts.
func (j *Job) ArtifactsDir() string { return filepath.Join(j.Dir, artifactsDir) }

// StagesDir returns the directory holding per-stage result records.
func (j *Job) StagesDir() string { return filepath.Join(j.Dir, stagesDir) }

// EnrichedContextPath returns the standalone refined-context file, written
// during refinement and read back for generation.
func (j *Job) EnrichedContextPath() string {
	return filepath.Join(j.Dir, transcriptsDir, enrichedContextFile)
}

// Create makes the job directory tree and writes the initial state and
// metadata. A job id collision is an error: ids embed a timestamp, so a
// collision means two ingests of the same second and slug.
func (s *Store) Create(id string, meta *models.JobMeta) (*Job, error) {
	dir := filepath.Join(s.root, id)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("job %s already exists", id)
	}

	for _, sub := range []string{mediaDir, transcriptsDir, artifactsDir, stagesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("creating job %s: %w", id, err)
		}
	}

	job := &Job{
		ID:    id,
		Dir:   dir,
		State: models.NewJobState(meta.CreatedAt),
		Meta:  meta,
	}
	if err := s.SaveState(job); err != nil {
		return nil, err
	}
	if err := s.SaveMeta(job); err != nil {
		return nil, err
	}
	return job, nil
}

// Load reads a job from disk. A corrupt or missing state.json is rebuilt
// from the stage result records so a crashed job stays resumable.
func (s *Store) Load(id string) (*Job, error) {
	dir := filepath.Join(s.root, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	job := &Job{ID: id, Dir: dir}

	if err := readJSON(filepath.Join(dir, metaFile), &job.Meta); err != nil {
		return nil, fmt.Errorf("job %s: reading meta: %w", id, err)
	}

	if err := readJSON(filepath.Join(dir, stateFile), &job.State); err != nil {
		job.State = s.recoverState(job)
		if err := s.SaveState(job); err != nil {
			return nil, fmt.Errorf("job %s: rewriting recovered state: %w", id, err)
		}
	}
	return job, nil
}

// recoverState rebuilds state.json from the stage result records: a stage
// with a result file completed, everything after it is pending.
func (s *Store) recoverState(job *Job) *models.JobState {
	state := models.NewJobState(job.Meta.CreatedAt)
	for _, stage := range models.StageOrder {
		if _, err := os.Stat(s.stageResultPath(job, stage)); err == nil {
			state.Stage(stage).Status = models.StageCompleted
			state.Status = models.JobRunning
		} else {
			break
		}
	}
	if _, ok := state.FirstIncomplete(); !ok {
		state.Status = models.JobCompleted
	}
	state.UpdatedAt = time.Now().UTC()
	return state
}

// List loads every job under the root, sorted by id. Ids embed the
// creation timestamp, so this is creation order. Entries that are not job
// directories are skipped.
func (s *Store) List() ([]*Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading work root %s: %w", s.root, err)
	}

	var jobs []*Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), metaFile)); err != nil {
			continue
		}
		job, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	return jobs, nil
}

// Latest returns the most recently updated job.
func (s *Store) Latest() (*Job, error) {
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	latest := jobs[0]
	for _, job := range jobs[1:] {
		if job.State.UpdatedAt.After(latest.State.UpdatedAt) {
			latest = job
		}
	}
	return latest, nil
}

// Delete removes a job directory entirely.
func (s *Store) Delete(id string) error {
	dir := filepath.Join(s.root, id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return os.RemoveAll(dir)
}

// SaveState writes state.json, bumping UpdatedAt.
func (s *Store) SaveState(job *Job) error {
	job.State.UpdatedAt = time.Now().UTC()
	return writeJSON(filepath.Join(job.Dir, stateFile), job.State)
}

// SaveMeta writes meta.json, bumping UpdatedAt.
func (s *Store) SaveMeta(job *Job) error {
	job.Meta.UpdatedAt = time.Now().UTC()
	return writeJSON(filepath.Join(job.Dir, metaFile), job.Meta)
}

func (s *Store) stageResultPath(job *Job, stage models.StageName) string {
	return filepath.Join(job.StagesDir(), string(stage)+".json")
}

// SaveStageResult records a stage's output under _stages/<stage>.json.
func (s *Store) SaveStageResult(job *Job, stage models.StageName, result any) error {
	return writeJSON(s.stageResultPath(job, stage), result)
}

// LoadStageResult reads a stage's recorded output. Returns ErrNotFound
// when the stage has no record.
func (s *Store) LoadStageResult(job *Job, stage models.StageName, into any) error {
	path := s.stageResultPath(job, stage)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stage %s: %w", stage, ErrNotFound)
	}
	return readJSON(path, into)
}

// DiscardStageResults moves stage records from a stage onward out of the
// way. With keep set they land in _stages/trash/<timestamp>/ for
// inspection; otherwise they are deleted.
func (s *Store) DiscardStageResults(job *Job, from models.StageName, keep bool) error {
	var trash string
	if keep {
		trash = filepath.Join(job.StagesDir(), "trash", time.Now().UTC().Format("20060102T150405Z"))
		if err := os.MkdirAll(trash, 0755); err != nil {
			return err
		}
	}
	for _, stage := range models.StageOrder {
		if stage.Before(from) {
			continue
		}
		path := s.stageResultPath(job, stage)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if keep {
			if err := os.Rename(path, filepath.Join(trash, filepath.Base(path))); err != nil {
				return err
			}
		} else if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}

// writeJSON writes v to path atomically: temp file in the same directory,
// then rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

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

func readJSON(path string, into any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, into)
}

package models

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// StageName identifies one of the five ordered pipeline stages.
type StageName string

const (
	// StageIngest analyzes, compresses, and registers the media.
	StageIngest StageName = "ingest"
	// StageScribe performs speech-to-text with speakers and timestamps.
	StageScribe StageName = "scribe"
	// StageRefine extracts structured fields from text or audio.
	StageRefine StageName = "refine"
	// StageGenerate renders configured artifacts from the enriched context.
	StageGenerate StageName = "generate"
	// StageShelve places finalized artifacts in the results library.
	StageShelve StageName = "shelve"
)

// StageOrder is the canonical execution order of the pipeline.
var StageOrder = []StageName{StageIngest, StageScribe, StageRefine, StageGenerate, StageShelve}

// ParseStage converts a string to a StageName.
func ParseStage(s string) (StageName, error) {
	name := StageName(strings.ToLower(strings.TrimSpace(s)))
	for _, stage := range StageOrder {
		if stage == name {
			return stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q (expected one of: ingest, scribe, refine, generate, shelve)", s)
}

// Index returns the position of the stage in StageOrder, or -1 if unknown.
func (s StageName) Index() int {
	for i, stage := range StageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// Before returns true if s executes before other.
func (s StageName) Before(other StageName) bool {
	return s.Index() < other.Index()
}

// StageStatus is the lifecycle state of a single stage.
type StageStatus string

const (
	// StagePending indicates the stage has not run yet.
	StagePending StageStatus = "pending"
	// StageRunning indicates the stage is executing.
	StageRunning StageStatus = "running"
	// StageCompleted indicates the stage finished and wrote its artifacts.
	StageCompleted StageStatus = "completed"
	// StageFailed indicates the stage aborted with an error.
	StageFailed StageStatus = "failed"
	// StageSkipped indicates the stage was deliberately bypassed.
	StageSkipped StageStatus = "skipped"
)

// JobStatus is the overall lifecycle state of a job.
type JobStatus string

const (
	// JobCreated indicates the job exists but no stage has started.
	JobCreated JobStatus = "created"
	// JobRunning indicates at least one stage is executing.
	JobRunning JobStatus = "running"
	// JobCompleted indicates all stages finished.
	JobCompleted JobStatus = "completed"
	// JobFailed indicates a stage failed and execution halted.
	JobFailed JobStatus = "failed"
)

// StageState tracks the execution record of one stage.
type StageState struct {
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// JobState is the content of state.json.
type JobState struct {
	Status    JobStatus                  `json:"status"`
	Stages    map[StageName]*StageState  `json:"stages"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewJobState returns a fresh state with every stage pending.
func NewJobState(now time.Time) *JobState {
	stages := make(map[StageName]*StageState, len(StageOrder))
	for _, stage := range StageOrder {
		stages[stage] = &StageState{Status: StagePending}
	}
	return &JobState{
		Status:    JobCreated,
		Stages:    stages,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Stage returns the state record for a stage, creating it if absent.
func (s *JobState) Stage(name StageName) *StageState {
	if s.Stages == nil {
		s.Stages = make(map[StageName]*StageState)
	}
	st, ok := s.Stages[name]
	if !ok {
		st = &StageState{Status: StagePending}
		s.Stages[name] = st
	}
	return st
}

// CanStart reports whether a stage may enter running: every earlier stage
// must be completed or skipped.
func (s *JobState) CanStart(name StageName) bool {
	idx := name.Index()
	if idx < 0 {
		return false
	}
	for _, earlier := range StageOrder[:idx] {
		status := s.Stage(earlier).Status
		if status != StageCompleted && status != StageSkipped {
			return false
		}
	}
	return true
}

// Reset sets the given stage and every later stage back to pending.
func (s *JobState) Reset(from StageName) {
	idx := from.Index()
	if idx < 0 {
		return
	}
	for _, stage := range StageOrder[idx:] {
		s.Stages[stage] = &StageState{Status: StagePending}
	}
	if s.Status == JobCompleted || s.Status == JobFailed {
		s.Status = JobCreated
	}
}

// FirstIncomplete returns the first stage that is neither completed nor
// skipped, or false when every stage is done.
func (s *JobState) FirstIncomplete() (StageName, bool) {
	for _, stage := range StageOrder {
		status := s.Stage(stage).Status
		if status != StageCompleted && status != StageSkipped {
			return stage, true
		}
	}
	return "", false
}

// IsTerminal reports whether the job reached a final state.
func (s *JobState) IsTerminal() bool {
	return s.Status == JobCompleted || s.Status == JobFailed
}

// StageBackend names a provider and model for one API-backed stage.
type StageBackend struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ArtifactRef selects one artifact to generate: a rendering plugin, a
// template owned by that plugin, and an optional filename override.
type ArtifactRef struct {
	Plugin   string `json:"plugin"`
	Template string `json:"template"`
	Filename string `json:"filename,omitempty"`
}

// ShelvePolicy governs where and under what name finalized artifacts land.
type ShelvePolicy struct {
	Strategy        string            `json:"strategy"` // timeline, flat, zettelkasten
	IDFormat        string            `json:"id_format,omitempty"`
	FilenamePattern string            `json:"filename_pattern,omitempty"`
	TagRoutes       map[string]string `json:"tag_routes,omitempty"`
}

// RetryPolicy bounds in-stage retries of transient provider errors.
type RetryPolicy struct {
	Max          int `json:"max"`
	DelaySeconds int `json:"delay_seconds"`
}

// Configuration is the per-job snapshot frozen at creation time. Edits to
// the process-level config never affect a job that already exists.
type Configuration struct {
	Language        string        `json:"language"`
	CompressionMode string        `json:"compression_mode"` // original, compressed, optimized
	DirectMode      bool          `json:"direct_mode"`
	Transcribe      StageBackend  `json:"transcribe"`
	Refine          StageBackend  `json:"refine"`
	Artifacts       []ArtifactRef `json:"artifacts"`
	Shelve          ShelvePolicy  `json:"shelve"`
	Retry           RetryPolicy   `json:"retry"`
	StageTimeout    time.Duration `json:"stage_timeout,omitempty"`
	Debug           bool          `json:"debug"`
}

// AudioMeta describes the probed media.
type AudioMeta struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Format          string  `json:"format,omitempty"`
	Bitrate         int64   `json:"bitrate,omitempty"`
	FileSizeBytes   int64   `json:"file_size_bytes,omitempty"`
	Language        string  `json:"language,omitempty"`
}

// TokenStats accumulates token counts across provider calls.
type TokenStats struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// StepSummary is one entry in the processing step log kept in meta.json.
type StepSummary struct {
	Stage     string    `json:"stage"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	CostUSD   float64   `json:"cost_usd"`
}

// ProcessingStats aggregates per-job usage; its totals must equal the sum of
// the job's usage records within 4 decimal places.
type ProcessingStats struct {
	StagesCompleted  []string      `json:"stages_completed"`
	TotalTokens      TokenStats    `json:"total_tokens"`
	RequestCount     int           `json:"request_count"`
	TotalCostUSD     float64       `json:"total_cost_usd"`
	TotalTimeSeconds float64       `json:"total_time_seconds"`
	Steps            []StepSummary `json:"steps,omitempty"`
}

// JobMeta is the content of meta.json.
type JobMeta struct {
	JobID         string          `json:"job_id"`
	Source        string          `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Configuration Configuration   `json:"configuration"`
	Audio         AudioMeta       `json:"audio"`
	Processing    ProcessingStats `json:"processing"`
}

// Apply adds a usage record to the running totals.
func (p *ProcessingStats) Apply(rec UsageRecord) {
	p.TotalTokens.Input += rec.InputTokens
	p.TotalTokens.Output += rec.OutputTokens
	p.RequestCount += rec.RequestCount
	p.TotalCostUSD = RoundUSD(p.TotalCostUSD + rec.CostUSD)
	p.TotalTimeSeconds += rec.DurationSeconds
	p.Steps = append(p.Steps, StepSummary{
		Stage:     rec.Stage,
		Provider:  rec.Provider,
		Model:     rec.Model,
		Timestamp: time.Now(),
		CostUSD:   rec.CostUSD,
	})
}

// MarkStageCompleted records a stage in the completion log exactly once.
func (p *ProcessingStats) MarkStageCompleted(stage StageName) {
	for _, done := range p.StagesCompleted {
		if done == string(stage) {
			return
		}
	}
	p.StagesCompleted = append(p.StagesCompleted, string(stage))
}

// UsageRecord is the per-call billing and effort record returned by every
// provider invocation.
type UsageRecord struct {
	Stage           string  `json:"stage"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	RequestID       string  `json:"request_id,omitempty"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	CostUSD         float64 `json:"cost_usd"`
	DurationSeconds float64 `json:"duration_seconds"`
	RequestCount    int     `json:"request_count"`
}

// Add merges another record's counters into this one.
func (u *UsageRecord) Add(other UsageRecord) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD = RoundUSD(u.CostUSD + other.CostUSD)
	u.DurationSeconds += other.DurationSeconds
	u.RequestCount += other.RequestCount
}

// RoundUSD rounds a dollar amount to 4 decimal places, the precision used
// for all cost accounting.
func RoundUSD(v float64) float64 {
	if v < 0 {
		return -RoundUSD(-v)
	}
	scaled := v * 10000
	floor := float64(int64(scaled))
	if scaled-floor >= 0.5 {
		floor++
	}
	return floor / 10000
}

// IngestResult is the record produced by INGEST, consumed by SCRIBE and by
// REFINE in direct mode.
type IngestResult struct {
	SourcePath          string  `json:"source_path"`
	WorkingCopyPath     string  `json:"working_copy_path"`
	CompressedPath      string  `json:"compressed_path,omitempty"`
	DurationSeconds     float64 `json:"duration_seconds"`
	Format              string  `json:"format,omitempty"`
	Bitrate             int64   `json:"bitrate,omitempty"`
	UpstreamCacheHandle string  `json:"upstream_cache_handle,omitempty"`
	UploadedURI         string  `json:"uploaded_uri,omitempty"`
}

// UploadPath returns the local file SCRIBE should hand to a provider:
// the compressed copy when present, the working copy otherwise.
func (r *IngestResult) UploadPath() string {
	if r.CompressedPath != "" {
		return r.CompressedPath
	}
	return r.WorkingCopyPath
}

// TranscriptSegment is one speaker-attributed span of the transcript.
// A transcript is an ordered sequence, monotone-nondecreasing in StartTime.
type TranscriptSegment struct {
	SpeakerID  string   `json:"speaker_id"`
	StartTime  float64  `json:"start_time"`
	EndTime    float64  `json:"end_time"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Valid reports whether the segment's time span is well formed.
func (t TranscriptSegment) Valid() bool {
	return t.EndTime >= t.StartTime && t.StartTime >= 0
}

// EnrichedContext is the structured object produced by REFINE, conforming to
// the schema assembled from the job's templates.
type EnrichedContext map[string]any

// StringField returns a string-valued field, or "" when absent or not a
// string.
func (c EnrichedContext) StringField(name string) string {
	if v, ok := c[name].(string); ok {
		return v
	}
	return ""
}

// StringsField returns a []string field, tolerating []any storage from
// JSON decoding.
func (c EnrichedContext) StringsField(name string) []string {
	switch v := c[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// NewJobID builds the chronologically sortable job identifier:
// YY-MMDD-HHMMSS_<slug>.
func NewJobID(now time.Time, sourceName string) string {
	stem := sourceName
	if dot := strings.LastIndex(stem, "."); dot > 0 {
		stem = stem[:dot]
	}
	return now.Format("06-0102-150405") + "_" + sanitizeIDPart(stem)
}

// sanitizeIDPart keeps alphanumerics, dashes, and underscores; everything
// else becomes an underscore.
func sanitizeIDPart(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "media"
	}
	return b.String()
}

// Package provider defines the contracts between the pipeline and the
// speech/LLM backends, and the registry that discovers configured backends
// from descriptor files.
package provider

import (
	"context"

	"github.com/scrivohq/scrivo/internal/models"
)

// Capability names a unit of work a provider can perform.
type Capability string

const (
	CapabilityTranscribe Capability = "transcribe"
	CapabilityRefine     Capability = "refine"
)

// IngestSpec tells the ingest stage how to prepare media for a provider.
type IngestSpec struct {
	// SupportsUpstreamCache means long media can be uploaded once during
	// ingest and referenced by handle in later calls.
	SupportsUpstreamCache bool
	// CacheMinDurationSeconds is the duration above which caching pays
	// off. Zero means cache everything when caching is supported.
	CacheMinDurationSeconds float64
	// MaxUploadBytes caps direct uploads. Zero means no limit.
	MaxUploadBytes int64
}

// TranscribeRequest is one transcription call.
type TranscribeRequest struct {
	JobID       string
	AudioPath   string
	CacheHandle string // set when ingest uploaded to the provider cache
	Model       string
	Language    string // "auto" lets the provider detect
}

// SegmentFunc receives transcript segments as the provider emits them.
// Returning an error aborts the stream.
type SegmentFunc func(models.TranscriptSegment) error

// TranscribeResult is the terminal summary of a transcription call.
// Segments are delivered incrementally through the SegmentFunc.
type TranscribeResult struct {
	Language     string
	SegmentCount int
	Usage        models.UsageRecord
}

// RefineRequest is one refinement call. Exactly one of Transcript or
// AudioPath/CacheHandle is the input: direct mode sends audio straight to
// the model without an intermediate transcript.
type RefineRequest struct {
	JobID       string
	Transcript  string
	AudioPath   string
	CacheHandle string
	Direct      bool
	Schema      map[string]any // JSON Schema the output must conform to
	Language    string
	Model       string
}

// RefineResult is the structured output of a refinement call.
type RefineResult struct {
	Context models.EnrichedContext
	Usage   models.UsageRecord
}

// Provider is the base contract all backends implement.
type Provider interface {
	Descriptor() *Descriptor
}

// TranscriptionProvider converts audio into ordered transcript segments.
type TranscriptionProvider interface {
	Provider
	IngestSpec() IngestSpec
	Transcribe(ctx context.Context, req TranscribeRequest, onSegment SegmentFunc) (*TranscribeResult, error)
}

// RefinementProvider turns a transcript (or audio, in direct mode) into the
// structured context demanded by the job's schema.
type RefinementProvider interface {
	Provider
	Refine(ctx context.Context, req RefineRequest) (*RefineResult, error)
}

// CacheUploader is implemented by providers that hold media in an upstream
// cache between stages.
type CacheUploader interface {
	// UploadToCache stores the file upstream and returns an opaque handle.
	UploadToCache(ctx context.Context, path string) (string, error)
	// ReleaseCache invalidates a handle. Callers treat failures as
	// best-effort: upstream caches expire on their own.
	ReleaseCache(ctx context.Context, handle string) error
}

// Package localwhisper runs a local whisper.cpp CLI for offline
// transcription. It needs no credentials and reports zero cost.
package localwhisper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/provider"
)

// Runtime is the descriptor runtime key this backend serves.
const Runtime = "localwhisper"

// Whisper wraps one whisper-cli invocation per transcription call.
type Whisper struct {
	desc       *provider.Descriptor
	binaryPath string
	modelDir   string
}

// New builds the backend from its descriptor. The binary and model
// directory come from the descriptor's options block.
func New(desc *provider.Descriptor) (provider.Provider, error) {
	return &Whisper{
		desc:       desc,
		binaryPath: desc.StringOption("binary", "whisper-cli"),
		modelDir:   desc.StringOption("model_dir", ""),
	}, nil
}

// Register installs this backend's runtime into a registry.
func Register(reg *provider.Registry) {
	reg.RegisterRuntime(Runtime, New)
}

func (w *Whisper) Descriptor() *provider.Descriptor { return w.desc }

// IngestSpec: local transcription reads files in place, nothing to cache.
func (w *Whisper) IngestSpec() provider.IngestSpec {
	return provider.IngestSpec{}
}

// whisperOutput mirrors whisper.cpp's -oj JSON file. Offsets are
// milliseconds from the start of the audio.
type whisperOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// Transcribe runs the CLI with JSON output and replays the parsed segments
// through onSegment. The CLI does not stream, so segments arrive in one
// burst after the process exits.
func (w *Whisper) Transcribe(ctx context.Context, req provider.TranscribeRequest, onSegment provider.SegmentFunc) (*provider.TranscribeResult, error) {
	start := time.Now()

	if req.CacheHandle != "" {
		return nil, provider.NewPermanent("whisper", fmt.Errorf("local transcription has no upstream cache"))
	}

	outDir, err := os.MkdirTemp("", "whisper-*")
	if err != nil {
		return nil, provider.NewPermanent("whisper", err)
	}
	defer os.RemoveAll(outDir)
	outBase := filepath.Join(outDir, "transcript")

	args := []string{
		"-f", req.AudioPath,
		"-oj",
		"-of", outBase,
	}
	if w.modelDir != "" && req.Model != "" {
		args = append(args, "-m", filepath.Join(w.modelDir, "ggml-"+req.Model+".bin"))
	}
	if req.Language != "" && req.Language != "auto" {
		args = append(args, "-l", req.Language)
	}

	cmd := exec.CommandContext(ctx, w.binaryPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, provider.NewPermanent("whisper", fmt.Errorf("%w: %s", err, tail(out, 512)))
	}

	data, err := os.ReadFile(outBase + ".json")
	if err != nil {
		return nil, provider.NewPermanent("whisper", fmt.Errorf("reading transcript output: %w", err))
	}
	var parsed whisperOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, provider.NewPermanent("whisper", fmt.Errorf("parsing transcript output: %w", err))
	}

	result := &provider.TranscribeResult{Language: parsed.Result.Language}
	if result.Language == "" {
		result.Language = req.Language
	}
	for _, seg := range parsed.Transcription {
		s := models.TranscriptSegment{
			SpeakerID: "S1", // whisper.cpp does not diarize
			StartTime: float64(seg.Offsets.From) / 1000,
			EndTime:   float64(seg.Offsets.To) / 1000,
			Text:      seg.Text,
		}
		if !s.Valid() {
			return nil, provider.NewPermanent("whisper",
				fmt.Errorf("segment with invalid time span [%f, %f]", s.StartTime, s.EndTime))
		}
		if err := onSegment(s); err != nil {
			return nil, err
		}
		result.SegmentCount++
	}

	result.Usage = models.UsageRecord{
		Provider:        w.desc.Name,
		Model:           req.Model,
		DurationSeconds: time.Since(start).Seconds(),
		RequestCount:    1,
	}
	return result, nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

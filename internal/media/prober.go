// Package media wraps the external ffmpeg/ffprobe tools used to analyze and
// compress audio before it is handed to a transcription provider.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/observability"
)

// Prober extracts container-level information from media files.
type Prober struct {
	binaryPath string
}

// NewProber creates a Prober using the given ffprobe binary path.
// An empty path means ffprobe is looked up in PATH.
func NewProber(binaryPath string) *Prober {
	if binaryPath == "" {
		binaryPath = "ffprobe"
	}
	return &Prober{binaryPath: binaryPath}
}

// probeFormat mirrors the format block of ffprobe's JSON output.
type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type probeOutput struct {
	Format probeFormat `json:"format"`
}

// Probe runs ffprobe and returns duration, format, bitrate, and size.
func (p *Prober) Probe(ctx context.Context, path string) (meta models.AudioMeta, err error) {
	logger := observability.WithComponent(observability.LoggerFromContext(ctx), "media")
	done := observability.TimedOperationWithError(ctx, logger, "probe", &err)
	defer done()

	cmd := exec.CommandContext(ctx, p.binaryPath,
		"-v", "error",
		"-show_entries", "format=format_name,duration,bit_rate,size",
		"-of", "json",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return models.AudioMeta{}, fmt.Errorf("ffprobe %s: %s", path, string(ee.Stderr))
		}
		return models.AudioMeta{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	var parsed probeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return models.AudioMeta{}, fmt.Errorf("parsing ffprobe output for %s: %w", path, err)
	}

	meta = models.AudioMeta{Format: parsed.Format.FormatName}
	if parsed.Format.Duration != "" {
		if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
			meta.DurationSeconds = d
		}
	}
	if parsed.Format.BitRate != "" {
		if b, err := strconv.ParseInt(parsed.Format.BitRate, 10, 64); err == nil {
			meta.Bitrate = b
		}
	}
	if parsed.Format.Size != "" {
		if s, err := strconv.ParseInt(parsed.Format.Size, 10, 64); err == nil {
			meta.FileSizeBytes = s
		}
	}

	return meta, nil
}

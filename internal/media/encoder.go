package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/scrivohq/scrivo/internal/observability"
)

// Encoder compresses media into the low-bitrate mono opus form that keeps
// speech intelligible while shrinking upload sizes.
type Encoder struct {
	binaryPath string
}

// NewEncoder creates an Encoder using the given ffmpeg binary path.
// An empty path means ffmpeg is looked up in PATH.
func NewEncoder(binaryPath string) *Encoder {
	if binaryPath == "" {
		binaryPath = "ffmpeg"
	}
	return &Encoder{binaryPath: binaryPath}
}

// compressArgs builds the ffmpeg argument list for voice compression.
// Video streams and source metadata are stripped, audio is downmixed to
// mono opus at 24 kbit/s in voip tuning. trimSilence additionally removes
// long silent spans, which changes timestamps and is only safe when the
// transcript does not need to align with the source.
func compressArgs(src, dst string, trimSilence bool) []string {
	args := []string{
		"-y",
		"-i", src,
		"-vn",
		"-map_metadata", "-1",
		"-ac", "1",
	}
	if trimSilence {
		args = append(args,
			"-af", "silenceremove=stop_periods=-1:stop_duration=2:stop_threshold=-40dB",
		)
	}
	args = append(args,
		"-c:a", "libopus",
		"-b:a", "24k",
		"-application", "voip",
		dst,
	)
	return args
}

// Compress transcodes src into dst as mono 24k opus.
func (e *Encoder) Compress(ctx context.Context, src, dst string) error {
	return e.run(ctx, compressArgs(src, dst, false), src, dst)
}

// CompressTrimmed is Compress with silence removal. Output timestamps no
// longer match the source.
func (e *Encoder) CompressTrimmed(ctx context.Context, src, dst string) error {
	return e.run(ctx, compressArgs(src, dst, true), src, dst)
}

func (e *Encoder) run(ctx context.Context, args []string, src, dst string) (err error) {
	logger := observability.WithComponent(observability.LoggerFromContext(ctx), "media")
	done := observability.TimedOperationWithError(ctx, logger, "compress", &err)
	defer done()

	cmd := exec.CommandContext(ctx, e.binaryPath, args...)

	var out []byte
	out, err = cmd.CombinedOutput()
	if err != nil {
		// A partial output file is worse than none: callers fall back to
		// the working copy when compression fails.
		_ = os.Remove(dst)
		return fmt.Errorf("ffmpeg compress %s: %w: %s", src, err, tail(out, 512))
	}
	return nil
}

// tail returns at most n trailing bytes of b as a string. ffmpeg puts the
// useful diagnostics at the end of its output.
func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

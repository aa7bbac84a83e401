package localwhisper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/provider"
)

// fakeWhisper writes a canned whisper.cpp JSON transcript to the path given
// after -of, like the real CLI does.
const fakeWhisper = `#!/bin/sh
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-of" ]; then out="$2"; shift; fi
  shift
done
cat > "$out.json" <<'EOF'
{
  "result": {"language": "en"},
  "transcription": [
    {"offsets": {"from": 0, "to": 2500}, "text": " Hello there."},
    {"offsets": {"from": 2500, "to": 4000}, "text": " General greeting."}
  ]
}
EOF
`

func fakeBackend(t *testing.T, script string) *Whisper {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))

	p, err := New(&provider.Descriptor{
		Name:         "localwhisper",
		Type:         "local",
		Runtime:      Runtime,
		Capabilities: []provider.Capability{provider.CapabilityTranscribe},
		Options:      map[string]any{"binary": bin},
	})
	require.NoError(t, err)
	return p.(*Whisper)
}

func TestTranscribe(t *testing.T) {
	w := fakeBackend(t, fakeWhisper)

	var segments []models.TranscriptSegment
	res, err := w.Transcribe(context.Background(), provider.TranscribeRequest{
		AudioPath: "clip.wav",
		Model:     "base.en",
	}, func(seg models.TranscriptSegment) error {
		segments = append(segments, seg)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "en", res.Language)
	assert.Equal(t, 2, res.SegmentCount)
	require.Len(t, segments, 2)
	assert.Equal(t, "S1", segments[0].SpeakerID)
	assert.InDelta(t, 2.5, segments[0].EndTime, 0.001)
	assert.Equal(t, " Hello there.", segments[0].Text)

	// Local runs cost nothing but still count as a request.
	assert.Zero(t, res.Usage.CostUSD)
	assert.Zero(t, res.Usage.InputTokens)
	assert.Equal(t, 1, res.Usage.RequestCount)
	assert.Equal(t, "localwhisper", res.Usage.Provider)
}

func TestTranscribeBinaryFailure(t *testing.T) {
	w := fakeBackend(t, "#!/bin/sh\necho 'model file not found' >&2\nexit 1\n")

	_, err := w.Transcribe(context.Background(), provider.TranscribeRequest{
		AudioPath: "clip.wav",
	}, func(models.TranscriptSegment) error { return nil })
	require.Error(t, err)
	assert.False(t, provider.IsTransient(err))
	assert.Contains(t, err.Error(), "model file not found")
}

func TestTranscribeRejectsCacheHandle(t *testing.T) {
	w := fakeBackend(t, fakeWhisper)

	_, err := w.Transcribe(context.Background(), provider.TranscribeRequest{
		CacheHandle: "cache-abc",
	}, func(models.TranscriptSegment) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no upstream cache")
}

func TestIngestSpecHasNoCache(t *testing.T) {
	w := fakeBackend(t, fakeWhisper)
	assert.False(t, w.IngestSpec().SupportsUpstreamCache)
}

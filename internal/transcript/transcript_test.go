package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivohq/scrivo/internal/models"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename)

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(models.TranscriptSegment{SpeakerID: "S1", StartTime: 0, EndTime: 2, Text: "Hello."}))
	require.NoError(t, w.Append(models.TranscriptSegment{SpeakerID: "S2", StartTime: 2, EndTime: 4, Text: "Hi."}))
	assert.Equal(t, 2, w.Count())

	// Not published until Close.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, w.Close())

	segments, err := Read(path)
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, "Hello.", segments[0].Text)
	assert.Equal(t, "S2", segments[1].SpeakerID)
}

func TestWriterRejectsOutOfOrderSegments(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), Filename))
	require.NoError(t, err)
	defer w.Abort()

	require.NoError(t, w.Append(models.TranscriptSegment{StartTime: 5, EndTime: 6, Text: "a"}))
	err = w.Append(models.TranscriptSegment{StartTime: 2, EndTime: 3, Text: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ordering violation")

	// Equal start times are allowed.
	require.NoError(t, w.Append(models.TranscriptSegment{StartTime: 5, EndTime: 7, Text: "c"}))
}

func TestWriterRejectsInvalidSpan(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), Filename))
	require.NoError(t, err)
	defer w.Abort()

	err = w.Append(models.TranscriptSegment{StartTime: 3, EndTime: 1, Text: "x"})
	assert.ErrorContains(t, err, "invalid time span")
}

func TestAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, Filename)

	w, err := NewWriter(path)
	require.NoError(t, err)
	require.NoError(t, w.Append(models.TranscriptSegment{StartTime: 0, EndTime: 1, Text: "x"}))
	w.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRenderText(t *testing.T) {
	segments := []models.TranscriptSegment{
		{SpeakerID: "S1", StartTime: 0, EndTime: 1, Text: " We should ship Friday. "},
		{SpeakerID: "S1", StartTime: 1, EndTime: 2, Text: "If the docs are ready."},
		{SpeakerID: "S2", StartTime: 2, EndTime: 3, Text: "They will be."},
		{SpeakerID: "S2", StartTime: 3, EndTime: 4, Text: "   "},
	}

	got := RenderText(segments)
	assert.Equal(t, "S1: We should ship Friday. If the docs are ready.\nS2: They will be.", got)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.ndjson"))
	assert.Error(t, err)
}

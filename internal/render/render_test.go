package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/template"
)

func sampleInput() Input {
	return Input{
		JobID:    "25-0314-150926_standup",
		Title:    "Morning Standup",
		Date:     time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC),
		Language: "en",
		Context: models.EnrichedContext{
			"summary":       "The team discussed the release.",
			"clean_text":    "We talked about shipping on Friday.",
			"key_takeaways": []any{"Release is on track", "Docs need review"},
			"action_items":  []any{"Review the docs"},
			"participants":  []any{"Ana", "Luis"},
			"quotes":        []any{},
		},
		Segments: []models.TranscriptSegment{
			{SpeakerID: "S1", StartTime: 0, EndTime: 2.5, Text: "We talked about shipping."},
			{SpeakerID: "S2", StartTime: 2.5, EndTime: 65.123, Text: "On Friday."},
		},
	}
}

func TestRegistryBuiltins(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{"markdown", "subtitle", "text"}, reg.Names())

	_, err := reg.Lookup("markdown")
	require.NoError(t, err)
	_, err = reg.Lookup("pdf")
	assert.Error(t, err)
}

func TestMarkdownDefaultLayout(t *testing.T) {
	reg := NewRegistry()
	p, err := reg.Lookup("markdown")
	require.NoError(t, err)
	assert.Equal(t, ".md", p.Extension())

	out, err := p.Render(sampleInput(), nil)
	require.NoError(t, err)
	doc := string(out)

	assert.Contains(t, doc, "title: Morning Standup")
	assert.Contains(t, doc, "2025-03-14")
	assert.Contains(t, doc, "job: 25-0314-150926_standup")
	assert.Contains(t, doc, "# Morning Standup")
	assert.Contains(t, doc, "## Summary")
	assert.Contains(t, doc, "- Release is on track")
	assert.Contains(t, doc, "- Review the docs")
	assert.Contains(t, doc, "We talked about shipping on Friday.")
	// Empty sections are omitted.
	assert.NotContains(t, doc, "## Quotes")
}

func TestMarkdownCustomTemplate(t *testing.T) {
	p := markdownPlugin{}
	tmpl := &template.Template{
		Plugin: "markdown", Name: "minimal",
		Body: "# {{ .Title }}\n\n{{ .Context.summary }}\n",
	}

	out, err := p.Render(sampleInput(), tmpl)
	require.NoError(t, err)
	assert.Equal(t, "# Morning Standup\n\nThe team discussed the release.\n", string(out))
}

func TestTextDefaultLayout(t *testing.T) {
	p := textPlugin{}
	out, err := p.Render(sampleInput(), nil)
	require.NoError(t, err)
	doc := string(out)

	assert.Contains(t, doc, "Morning Standup\n===============\n")
	assert.Contains(t, doc, "The team discussed the release.")
	assert.Contains(t, doc, "We talked about shipping on Friday.")
}

func TestSubtitleRendering(t *testing.T) {
	p := subtitlePlugin{}
	out, err := p.Render(sampleInput(), nil)
	require.NoError(t, err)
	doc := string(out)

	assert.Contains(t, doc, "1\n00:00:00,000 --> 00:00:02,500\n[S1] We talked about shipping.\n")
	assert.Contains(t, doc, "2\n00:00:02,500 --> 00:01:05,123\n[S2] On Friday.\n")
}

func TestSubtitleRequiresTranscript(t *testing.T) {
	p := subtitlePlugin{}
	in := sampleInput()
	in.Segments = nil

	_, err := p.Render(in, nil)
	assert.ErrorIs(t, err, ErrNoTranscript)
}

func TestSrtTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00,000", srtTimestamp(0))
	assert.Equal(t, "00:01:05,123", srtTimestamp(65.123))
	assert.Equal(t, "01:00:00,500", srtTimestamp(3600.5))
}

func TestExecuteBodyBadTemplate(t *testing.T) {
	_, err := executeBody("markdown", "{{ .Title", sampleInput())
	assert.Error(t, err)
}

package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/scrivohq/scrivo/internal/template"
)

// subtitlePlugin renders SubRip subtitles from the transcript segments.
// Timing comes from the segments themselves, so templates do not apply
// and jobs without a transcript cannot produce this format.
type subtitlePlugin struct{}

func (subtitlePlugin) Name() string      { return "subtitle" }
func (subtitlePlugin) Extension() string { return ".srt" }

func (p subtitlePlugin) Render(in Input, _ *template.Template) ([]byte, error) {
	if len(in.Segments) == 0 {
		return nil, ErrNoTranscript
	}

	var b strings.Builder
	for i, seg := range in.Segments {
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimestamp(seg.StartTime), srtTimestamp(seg.EndTime))
		text := strings.TrimSpace(seg.Text)
		if seg.SpeakerID != "" {
			fmt.Fprintf(&b, "[%s] %s\n", seg.SpeakerID, text)
		} else {
			fmt.Fprintf(&b, "%s\n", text)
		}
		b.WriteString("\n")
	}
	return []byte(b.String()), nil
}

// srtTimestamp formats seconds as HH:MM:SS,mmm.
func srtTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

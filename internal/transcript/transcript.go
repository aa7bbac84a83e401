// Package transcript reads and writes the NDJSON transcript files kept
// under each job's transcripts directory: one TranscriptSegment per line,
// in playback order.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/scrivohq/scrivo/internal/models"
)

// Filename is the canonical transcript file name within a job. The
// content is newline-delimited: segments are appended as the stream
// arrives and the file is renamed into place when it completes.
const Filename = "raw_transcript.json"

// Writer appends segments to a temp file and publishes it atomically on
// Close, so a crashed transcription never leaves a half transcript behind
// as the real file.
type Writer struct {
	path string
	tmp  *os.File
	bw   *bufio.Writer
	enc  *json.Encoder
	last float64
	n    int
}

// NewWriter starts a transcript at path (written as path.tmp until Close).
func NewWriter(path string) (*Writer, error) {
	tmp, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, fmt.Errorf("creating transcript: %w", err)
	}
	bw := bufio.NewWriter(tmp)
	return &Writer{path: path, tmp: tmp, bw: bw, enc: json.NewEncoder(bw), last: -1}, nil
}

// Append writes one segment. Segments must arrive in nondecreasing
// StartTime order; a violation is a protocol error from the provider.
func (w *Writer) Append(seg models.TranscriptSegment) error {
	if !seg.Valid() {
		return fmt.Errorf("segment has invalid time span [%f, %f]", seg.StartTime, seg.EndTime)
	}
	if seg.StartTime < w.last {
		return fmt.Errorf("segment ordering violation: start %f after %f", seg.StartTime, w.last)
	}
	w.last = seg.StartTime
	if err := w.enc.Encode(seg); err != nil {
		return err
	}
	w.n++
	// Flush per segment: the temp file is the resume evidence if the
	// process dies mid-stream.
	return w.bw.Flush()
}

// Count returns the number of segments written so far.
func (w *Writer) Count() int { return w.n }

// Close publishes the transcript under its final name.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.tmp.Close()
		return err
	}
	if err := w.tmp.Close(); err != nil {
		return err
	}
	return os.Rename(w.tmp.Name(), w.path)
}

// Abort discards the temp file without publishing.
func (w *Writer) Abort() {
	w.tmp.Close()
	os.Remove(w.tmp.Name())
}

// Read loads a transcript file.
func Read(path string) ([]models.TranscriptSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segments []models.TranscriptSegment
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var seg models.TranscriptSegment
		if err := json.Unmarshal([]byte(line), &seg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
		}
		segments = append(segments, seg)
	}
	return segments, scanner.Err()
}

// RenderText flattens segments into speaker-attributed prose for a
// refinement prompt.
func RenderText(segments []models.TranscriptSegment) string {
	var b strings.Builder
	var speaker string
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if seg.SpeakerID != speaker {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			speaker = seg.SpeakerID
			fmt.Fprintf(&b, "%s: ", speaker)
		} else if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(text)
	}
	return b.String()
}

package cloudrelay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/provider"
)

// streamEvent is one NDJSON line of the transcription stream.
type streamEvent struct {
	Type     string                    `json:"type"` // segment, language, end, error
	Segment  *models.TranscriptSegment `json:"segment,omitempty"`
	Language string                    `json:"language,omitempty"`
	Message  string                    `json:"message,omitempty"`
	Usage    *usage                    `json:"usage,omitempty"`
}

// maxLineBytes bounds one NDJSON line. Segments are short; anything bigger
// is a protocol violation.
const maxLineBytes = 1 << 20

// Transcribe starts a transcription and forwards segments to onSegment as
// the relay emits them. The stream terminates on an explicit end event or
// when the relay closes the connection; the relay may keep the connection
// open after an end event, so reading stops at the first one rather than
// at EOF.
func (c *Client) Transcribe(ctx context.Context, treq provider.TranscribeRequest, onSegment provider.SegmentFunc) (*provider.TranscribeResult, error) {
	start := time.Now()

	body, contentType, err := c.transcribeBody(treq)
	if err != nil {
		return nil, err
	}

	req, requestID, err := c.newRequest(ctx, http.MethodPost, "/v1/transcriptions", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.NewTransient("transcribe", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classify("transcribe", resp)
	}

	result := &provider.TranscribeResult{Language: treq.Language}
	var endUsage *usage

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	ended := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, provider.NewPermanent("transcribe", fmt.Errorf("malformed stream event: %w", err))
		}

		switch ev.Type {
		case "segment":
			if ev.Segment == nil {
				return nil, provider.NewPermanent("transcribe", fmt.Errorf("segment event without segment"))
			}
			if !ev.Segment.Valid() {
				return nil, provider.NewPermanent("transcribe",
					fmt.Errorf("segment with invalid time span [%f, %f]", ev.Segment.StartTime, ev.Segment.EndTime))
			}
			if err := onSegment(*ev.Segment); err != nil {
				return nil, err
			}
			result.SegmentCount++
		case "language":
			result.Language = ev.Language
		case "error":
			return nil, provider.NewPermanent("transcribe", fmt.Errorf("relay error: %s", ev.Message))
		case "end":
			endUsage = ev.Usage
			ended = true
		default:
			// Unknown event types are skipped so the protocol can grow.
		}
		if ended {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, provider.NewTransient("transcribe", fmt.Errorf("reading stream: %w", err))
	}

	result.Usage = c.buildUsage(ctx, requestID, treq.Model, endUsage, time.Since(start))
	return result, nil
}

// transcribeBody builds the request payload: a JSON body referencing the
// cache handle when one exists, a multipart upload otherwise.
func (c *Client) transcribeBody(treq provider.TranscribeRequest) (io.Reader, string, error) {
	if treq.CacheHandle != "" {
		payload := map[string]any{
			"cache_handle": treq.CacheHandle,
			"model":        treq.Model,
		}
		if treq.Language != "" && treq.Language != "auto" {
			payload["language"] = treq.Language
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, "", provider.NewPermanent("transcribe", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}

	f, err := os.Open(treq.AudioPath)
	if err != nil {
		return nil, "", provider.NewPermanent("transcribe", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		err := mw.WriteField("model", treq.Model)
		if err == nil && treq.Language != "" && treq.Language != "auto" {
			err = mw.WriteField("language", treq.Language)
		}
		var part io.Writer
		if err == nil {
			part, err = mw.CreateFormFile("media", filepath.Base(treq.AudioPath))
		}
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType(), nil
}

// buildUsage assembles the usage record for a completed call. Preference
// order: usage attached to the end event, the post-hoc usage endpoint,
// then a zero-cost record that still captures duration and request count.
func (c *Client) buildUsage(ctx context.Context, requestID, model string, inline *usage, elapsed time.Duration) models.UsageRecord {
	rec := models.UsageRecord{
		Provider:        c.desc.Name,
		Model:           model,
		RequestID:       requestID,
		DurationSeconds: elapsed.Seconds(),
		RequestCount:    1,
	}

	u := inline
	if u == nil {
		if fetched, ok := c.fetchUsage(ctx, requestID); ok {
			u = &fetched
		}
	}
	if u != nil {
		rec.InputTokens = u.InputTokens
		rec.OutputTokens = u.OutputTokens
		rec.CostUSD = models.RoundUSD(u.CostUSD)
		if rec.CostUSD == 0 {
			rec.CostUSD = c.desc.CostUSD(model, u.InputTokens, u.OutputTokens)
		}
	}
	return rec
}

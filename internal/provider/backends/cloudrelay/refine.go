package cloudrelay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/provider"
)

// maxInlineAudioBytes caps audio embedded in a direct-mode refinement
// request. Larger media must go through the upstream cache.
const maxInlineAudioBytes = 64 << 20

// Refine sends a transcript (or, in direct mode, the audio itself) and the
// job's schema to the relay and returns the structured context.
func (c *Client) Refine(ctx context.Context, rreq provider.RefineRequest) (*provider.RefineResult, error) {
	start := time.Now()

	payload := map[string]any{
		"model":  rreq.Model,
		"schema": rreq.Schema,
	}
	if rreq.Language != "" && rreq.Language != "auto" {
		payload["language"] = rreq.Language
	}

	switch {
	case rreq.Direct && rreq.CacheHandle != "":
		payload["cache_handle"] = rreq.CacheHandle
	case rreq.Direct:
		data, err := os.ReadFile(rreq.AudioPath)
		if err != nil {
			return nil, provider.NewPermanent("refine", err)
		}
		if len(data) > maxInlineAudioBytes {
			return nil, provider.NewPermanent("refine",
				fmt.Errorf("audio too large for direct refinement: %d bytes", len(data)))
		}
		payload["audio"] = base64.StdEncoding.EncodeToString(data)
	default:
		payload["input"] = rreq.Transcript
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, provider.NewPermanent("refine", err)
	}

	req, requestID, err := c.newRequest(ctx, http.MethodPost, "/v1/refinements", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.NewTransient("refine", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classify("refine", resp)
	}

	var out struct {
		Context models.EnrichedContext `json:"context"`
		Usage   *usage                 `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, provider.NewPermanent("refine", fmt.Errorf("malformed refinement response: %w", err))
	}
	if out.Context == nil {
		return nil, provider.NewPermanent("refine", fmt.Errorf("refinement response has no context"))
	}

	return &provider.RefineResult{
		Context: out.Context,
		Usage:   c.buildUsage(ctx, requestID, rreq.Model, out.Usage, time.Since(start)),
	}, nil
}

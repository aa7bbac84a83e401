// Package cloudrelay implements the hosted speech/LLM relay backend. The
// relay exposes a multipart upload cache, an NDJSON transcription stream,
// a JSON refinement endpoint, and a post-hoc usage endpoint keyed by
// request id.
package cloudrelay

import (
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

	"github.com/google/uuid"

	"github.com/scrivohq/scrivo/internal/provider"
)

// Runtime is the descriptor runtime key this backend serves.
const Runtime = "cloudrelay"

const defaultTimeout = 10 * time.Minute

// Client talks to one relay endpoint on behalf of one descriptor.
type Client struct {
	desc    *provider.Descriptor
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Client from its descriptor. The API key is read from the
// environment once, here, and held only in memory.
func New(desc *provider.Descriptor) (provider.Provider, error) {
	key, err := desc.APIKey()
	if err != nil {
		return nil, err
	}
	if desc.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base_url is required", desc.Name)
	}
	return &Client{
		desc:    desc,
		baseURL: desc.BaseURL,
		apiKey:  key,
		http:    &http.Client{Timeout: defaultTimeout},
	}, nil
}

// Register installs this backend's runtime into a registry.
func Register(reg *provider.Registry) {
	reg.RegisterRuntime(Runtime, New)
}

func (c *Client) Descriptor() *provider.Descriptor { return c.desc }

// IngestSpec advertises the relay's upstream cache. Media shorter than five
// minutes is cheaper to send inline with each call.
func (c *Client) IngestSpec() provider.IngestSpec {
	return provider.IngestSpec{
		SupportsUpstreamCache:   true,
		CacheMinDurationSeconds: 300,
	}
}

// newRequest builds an authenticated request with a fresh correlation id,
// returning the id so callers can query usage afterwards.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, "", provider.NewPermanent("cloudrelay request", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, requestID, nil
}

// classify converts an HTTP failure into a retry classification, draining
// the body for the error message.
func classify(op string, resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	if provider.TransientStatus(resp.StatusCode) {
		return provider.NewTransient(op, err)
	}
	return provider.NewPermanent(op, err)
}

// UploadToCache streams the file to the relay's media cache and returns
// the cache handle later calls reference.
func (c *Client) UploadToCache(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", provider.NewPermanent("cache upload", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("media", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, _, err := c.newRequest(ctx, http.MethodPost, "/v1/cache", pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return "", provider.NewTransient("cache upload", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classify("cache upload", resp)
	}

	var out struct {
		Handle string `json:"handle"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Handle == "" {
		return "", provider.NewPermanent("cache upload", fmt.Errorf("malformed cache response: %v", err))
	}
	return out.Handle, nil
}

// ReleaseCache invalidates an upstream cache handle.
func (c *Client) ReleaseCache(ctx context.Context, handle string) error {
	req, _, err := c.newRequest(ctx, http.MethodDelete, "/v1/cache/"+handle, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return provider.NewTransient("cache release", err)
	}
	defer resp.Body.Close()
	// 404 means the handle already expired, which is the goal state.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		return classify("cache release", resp)
	}
	return nil
}

// usage is the relay's accounting record for one request.
type usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// fetchUsage queries the post-hoc usage endpoint for a completed request.
// The relay settles accounting asynchronously, so a missing record is not
// an error: the caller falls back to list-price estimation.
func (c *Client) fetchUsage(ctx context.Context, requestID string) (usage, bool) {
	req, _, err := c.newRequest(ctx, http.MethodGet, "/v1/usage/"+requestID, nil)
	if err != nil {
		return usage{}, false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return usage{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return usage{}, false
	}
	var u usage
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return usage{}, false
	}
	return u, true
}

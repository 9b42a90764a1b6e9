// Package renderer implements the document generation engines behind the job
// executor: an HTTP client for the upstream rendering service and a local
// development stand-in.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/pagecraft/server/internal/config"
	"github.com/pagecraft/server/internal/httputil"
	"github.com/pagecraft/server/internal/jobs"
)

// maxErrorBody bounds how much of an upstream error response we keep.
const maxErrorBody = 4 << 10

// Client calls the upstream rendering service over HTTP. One render request
// per job; the hard wall-clock bound lives in the executor, so the HTTP
// client timeout only guards against a wedged connection.
type Client struct {
	upstreamURL string
	apiKey      string
	httpClient  *http.Client
}

// NewClient creates a renderer client from configuration.
func NewClient(cfg config.RendererConfig) *Client {
	return &Client{
		upstreamURL: cfg.UpstreamURL,
		apiKey:      cfg.APIKey,
		httpClient:  httputil.NewClient(cfg.RequestTimeout.Duration),
	}
}

type renderResponse struct {
	ArtifactURL string `json:"artifactUrl"`
	Error       string `json:"error"`
}

// Generate submits the payload to the rendering service and returns the
// artifact URL it produced. A 4xx from upstream means the payload itself is
// unrenderable and is reported as invalid input, not an upstream fault.
func (c *Client) Generate(ctx context.Context, payload json.RawMessage, progress jobs.ProgressFunc) (string, error) {
	if progress != nil {
		progress(5, "submitting")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.upstreamURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	if progress != nil {
		progress(90, "rendering")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", fmt.Errorf("read render response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("%w: renderer rejected payload (status %d): %s", jobs.ErrInvalidInput, resp.StatusCode, body)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("renderer returned status %d: %s", resp.StatusCode, body)
	}

	var out renderResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode render response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("renderer error: %s", out.Error)
	}
	if out.ArtifactURL == "" {
		return "", fmt.Errorf("renderer returned no artifact")
	}

	if progress != nil {
		progress(100, "finalizing")
	}
	return out.ArtifactURL, nil
}

// Local is a development engine that fabricates an artifact without any
// upstream service. Selected when no renderer upstream URL is configured.
type Local struct{}

// Generate validates the payload is JSON and returns a synthetic artifact
// reference.
func (Local) Generate(ctx context.Context, payload json.RawMessage, progress jobs.ProgressFunc) (string, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("%w: payload is not a JSON object: %v", jobs.ErrInvalidInput, err)
	}
	if progress != nil {
		progress(50, "rendering")
		progress(100, "finalizing")
	}
	return "local://" + uuid.NewString() + ".pdf", nil
}

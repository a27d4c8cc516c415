// Package docstore wraps the document store that keeps raw scrape and
// analysis payloads per run. All writes are best-effort: a docstore outage
// never blocks pipeline progress.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Config struct {
	BaseURL        string
	InternalAPIKey string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

type Client struct {
	baseURL        string
	internalAPIKey string
	timeout        time.Duration
	httpClient     *http.Client
}

func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:        strings.TrimSuffix(config.BaseURL, "/"),
		internalAPIKey: config.InternalAPIKey,
		timeout:        config.Timeout,
		httpClient:     config.HTTPClient,
	}
}

// StartRun records initial run metadata.
func (c *Client) StartRun(ctx context.Context, runID, jobID string, sourcesTotal int) error {
	return c.post(ctx, "/job-execution/start", map[string]any{
		"job_run_id":    runID,
		"job_id":        jobID,
		"sources_total": sourcesTotal,
		"started_at":    time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// SourceData persists one source's raw scrape payload, idempotent by
// (run, source) on the service side.
func (c *Client) SourceData(ctx context.Context, runID, sourceURL string, payload any) error {
	return c.post(ctx, "/job-execution/"+runID+"/source-data", map[string]any{
		"source_url": sourceURL,
		"data":       payload,
	})
}

// LLMAnalysis persists one source's analysis payload.
func (c *Client) LLMAnalysis(ctx context.Context, runID, sourceURL string, payload any) error {
	return c.post(ctx, "/job-execution/"+runID+"/llm-analysis", map[string]any{
		"source_url": sourceURL,
		"data":       payload,
	})
}

// CompleteRun records the run summary.
func (c *Client) CompleteRun(ctx context.Context, runID string, summary any) error {
	return c.post(ctx, "/job-execution/"+runID+"/complete", map[string]any{
		"summary":      summary,
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal docstore payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create docstore request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Internal-API-Key", c.internalAPIKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("docstore transport error: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("docstore %s status %d", path, response.StatusCode)
	}
	return nil
}

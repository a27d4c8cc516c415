// Package analyze wraps the LLM analysis collaborator that scores scraped
// content against a job's prompt.
package analyze

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
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
	MaxTokens      int
	Model          string
	HTTPClient     *http.Client
}

type Client struct {
	baseURL        string
	internalAPIKey string
	timeout        time.Duration
	maxTokens      int
	model          string
	httpClient     *http.Client
}

// Result is a scored analysis. RelevanceScore is always clamped to [0,100]
// and Confidence to [0,1] at this boundary, not at call sites.
type Result struct {
	RelevanceScore int      `json:"relevance_score"`
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	KeyPoints      []string `json:"key_points,omitempty"`
	Confidence     float64  `json:"confidence"`
	Success        bool     `json:"success"`
	Error          string   `json:"error,omitempty"`
}

func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1000
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:        strings.TrimSuffix(config.BaseURL, "/"),
		internalAPIKey: config.InternalAPIKey,
		timeout:        config.Timeout,
		maxTokens:      config.MaxTokens,
		model:          config.Model,
		httpClient:     config.HTTPClient,
	}
}

// Analyze submits content plus the job prompt for relevance scoring.
func (c *Client) Analyze(ctx context.Context, content, prompt string) (Result, error) {
	body := map[string]any{
		"content":    content,
		"prompt":     prompt,
		"max_tokens": c.maxTokens,
	}
	if c.model != "" {
		body["model"] = c.model
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshal analysis payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create analysis request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Internal-API-Key", c.internalAPIKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("analysis timeout: %w", err)
		}
		return Result{}, fmt.Errorf("analysis transport error: %w", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read analysis body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(raw))
		if len(message) > 700 {
			message = message[:700]
		}
		return Result{}, &CollaboratorError{Service: "llm", StatusCode: response.StatusCode, Message: message}
	}

	result, err := ParseResult(raw)
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// CollaboratorError is a non-2xx answer from the analysis service.
type CollaboratorError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Service, e.StatusCode, e.Message)
}

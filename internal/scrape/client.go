// Package scrape wraps the headless-browser scraping collaborator.
package scrape

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
	HTTPClient     *http.Client
}

type Client struct {
	baseURL        string
	internalAPIKey string
	timeout        time.Duration
	httpClient     *http.Client
}

// Result is the scraping collaborator's response for one URL.
type Result struct {
	URL        string            `json:"url"`
	Content    string            `json:"content"`
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Cookies    map[string]string `json:"cookies"`
	Success    bool              `json:"success"`
	Error      string            `json:"error,omitempty"`
}

func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
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

// Scrape fetches one source URL through the browser service. waitTime is
// the post-load settle delay in seconds the service applies before reading
// the DOM.
func (c *Client) Scrape(ctx context.Context, sourceURL string, waitTime int) (Result, error) {
	payload, err := json.Marshal(map[string]any{
		"url":       sourceURL,
		"wait_time": waitTime,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal scrape payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("create scrape request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Internal-API-Key", c.internalAPIKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("scrape timeout for %s: %w", sourceURL, err)
		}
		return Result{}, fmt.Errorf("scrape transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read scrape body: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return Result{}, &CollaboratorError{Service: "browser", StatusCode: response.StatusCode, Message: message}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return Result{}, fmt.Errorf("decode scrape response: %w", err)
	}
	return result, nil
}

// CollaboratorError is a non-2xx answer from the scraping service.
type CollaboratorError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Service, e.StatusCode, e.Message)
}

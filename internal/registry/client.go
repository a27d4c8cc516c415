// Package registry reads job definitions from the internal API. Per-job
// policy lookups go through a shared-store cache; the active-job listing is
// always fetched fresh.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/kv"
)

var ErrJobNotFound = errors.New("job not found")

const settingsCacheTTL = 300 * time.Second

type Config struct {
	BaseURL        string
	InternalAPIKey string
	Timeout        time.Duration
	HTTPClient     *http.Client
	Store          kv.Store
	Logger         *log.Logger
}

type Client struct {
	baseURL        string
	internalAPIKey string
	timeout        time.Duration
	httpClient     *http.Client
	store          kv.Store
	logger         *log.Logger
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
		store:          config.Store,
		logger:         config.Logger,
	}
}

// ListActiveJobs fetches every processable job definition. Never cached:
// the scheduling tick must see activations and deactivations promptly.
func (c *Client) ListActiveJobs(ctx context.Context) ([]domain.Job, error) {
	body, err := c.get(ctx, "/internal/jobs/active")
	if err != nil {
		return nil, err
	}

	var jobs []domain.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return nil, fmt.Errorf("decode active jobs: %w", err)
	}
	for i := range jobs {
		jobs[i].Normalize()
	}
	return jobs, nil
}

// GetJob fetches a single job definition by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	body, err := c.get(ctx, "/internal/jobs/"+jobID)
	if err != nil {
		return nil, err
	}

	var job domain.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	job.Normalize()
	return &job, nil
}

// GetJobPolicy resolves the effective alerting policy for a job, reading
// through the shared-store cache under job_settings:{job_id}.
func (c *Client) GetJobPolicy(ctx context.Context, jobID string) (domain.Policy, error) {
	key := kv.JobSettingsKey(jobID)
	if cached, found, err := c.store.Get(ctx, key); err == nil && found {
		var policy domain.Policy
		if err := json.Unmarshal([]byte(cached), &policy); err == nil {
			return policy, nil
		}
		// A corrupt cache entry falls through to a fresh fetch.
		_ = c.store.Delete(ctx, key)
	}

	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return domain.Policy{}, err
	}
	policy := domain.PolicyOf(*job)

	encoded, err := json.Marshal(policy)
	if err == nil {
		if cacheErr := c.store.Set(ctx, key, string(encoded), settingsCacheTTL); cacheErr != nil && c.logger != nil {
			c.logger.Printf("job settings cache write failed job_id=%s: %v", jobID, cacheErr)
		}
	}
	return policy, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create registry request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-Internal-API-Key", c.internalAPIKey)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("registry transport error: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read registry body: %w", err)
	}

	if response.StatusCode == http.StatusNotFound {
		return nil, ErrJobNotFound
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, fmt.Errorf("registry status %d: %s", response.StatusCode, message)
	}
	return body, nil
}

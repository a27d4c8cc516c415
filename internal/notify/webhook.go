package notify

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

type WebhookConfig struct {
	Timeout    time.Duration
	HTTPClient *http.Client
}

// WebhookClient posts channel-native JSON payloads to chat webhooks.
type WebhookClient struct {
	timeout    time.Duration
	httpClient *http.Client
}

func NewWebhookClient(config WebhookConfig) *WebhookClient {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &WebhookClient{timeout: config.Timeout, httpClient: config.HTTPClient}
}

func (c *WebhookClient) Send(ctx context.Context, webhookURL string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, webhookURL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("webhook transport error: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 700))
		return fmt.Errorf("webhook status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// TeamsCard builds the MessageCard shape Teams webhooks expect.
func TeamsCard(title, message, sourceURL string, at time.Time) map[string]any {
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "https://schema.org/extensions",
		"summary":    title,
		"themeColor": "FF6B35",
		"sections": []map[string]any{
			{
				"activityTitle":    "Monitoring Alert",
				"activitySubtitle": title,
				"activityText":     message,
				"facts": []map[string]string{
					{"name": "Source", "value": sourceURL},
					{"name": "Time", "value": at.UTC().Format("2006-01-02 15:04:05")},
				},
			},
		},
		"potentialAction": []map[string]any{
			{
				"@type": "OpenUri",
				"name":  "View Source",
				"targets": []map[string]string{
					{"os": "default", "uri": sourceURL},
				},
			},
		},
	}
}

// SlackMessage builds the attachment payload Slack webhooks expect.
func SlackMessage(title, message, sourceURL string, at time.Time) map[string]any {
	return map[string]any{
		"text": "*" + title + "*",
		"attachments": []map[string]any{
			{
				"color": "danger",
				"fields": []map[string]any{
					{"title": "Message", "value": message, "short": false},
					{"title": "Source", "value": "<" + sourceURL + "|View Source>", "short": true},
					{"title": "Time", "value": at.UTC().Format("2006-01-02 15:04:05"), "short": true},
				},
			},
		},
	}
}

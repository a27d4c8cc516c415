// Package notify holds the delivery transports for alert notifications:
// the mail API client and the chat webhook sender with its channel-native
// payload shapes.
package notify

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

var ErrMailNotConfigured = errors.New("mail api key not configured")

type MailConfig struct {
	APIKey      string
	BaseURL     string
	FromAddress string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

type MailClient struct {
	apiKey      string
	baseURL     string
	fromAddress string
	timeout     time.Duration
	httpClient  *http.Client
}

func NewMailClient(config MailConfig) *MailClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.sendgrid.com"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &MailClient{
		apiKey:      strings.TrimSpace(config.APIKey),
		baseURL:     strings.TrimSuffix(config.BaseURL, "/"),
		fromAddress: config.FromAddress,
		timeout:     config.Timeout,
		httpClient:  config.HTTPClient,
	}
}

func (c *MailClient) Available() bool {
	return c.apiKey != ""
}

// Send delivers one templated text+HTML message. The mail API answers 202
// for accepted sends.
func (c *MailClient) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	if !c.Available() {
		return ErrMailNotConfigured
	}

	content := []map[string]string{
		{"type": "text/plain", "value": textBody},
	}
	if htmlBody != "" {
		content = append(content, map[string]string{"type": "text/html", "value": htmlBody})
	}
	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": to}}},
		},
		"from":    map[string]string{"email": c.fromAddress},
		"subject": subject,
		"content": content,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mail payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.baseURL+"/v3/mail/send", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("create mail request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+c.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("mail transport error: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusAccepted && (response.StatusCode < 200 || response.StatusCode > 299) {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 700))
		return fmt.Errorf("mail api status %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

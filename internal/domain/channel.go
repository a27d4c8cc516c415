package domain

import "encoding/json"

type ChannelType string

const (
	ChannelEmail ChannelType = "email"
	ChannelTeams ChannelType = "teams"
	ChannelSlack ChannelType = "slack"
)

// NotificationChannel is a user-configured delivery target. Config is
// channel-specific: {"email": ...} for mail, {"webhook_url": ...} for chat
// webhooks.
type NotificationChannel struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Type     ChannelType     `json:"channel_type"`
	Config   json.RawMessage `json:"config"`
	IsActive bool            `json:"is_active"`
}

// EmailAddress extracts the address from an email channel config.
func (c NotificationChannel) EmailAddress() string {
	var cfg struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return ""
	}
	return cfg.Email
}

// WebhookURL extracts the webhook endpoint from a chat channel config.
func (c NotificationChannel) WebhookURL() string {
	var cfg struct {
		WebhookURL string `json:"webhook_url"`
	}
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return ""
	}
	return cfg.WebhookURL
}

package dispatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/sitepulse/scheduler/internal/domain"
	"github.com/sitepulse/scheduler/internal/notify"
)

func teamsCardFor(payload domain.AlertPayload) map[string]any {
	return notify.TeamsCard(payload.Title, payload.Content, payload.SourceURL, payload.Timestamp)
}

func slackMessageFor(payload domain.AlertPayload) map[string]any {
	return notify.SlackMessage(payload.Title, payload.Content, payload.SourceURL, payload.Timestamp)
}

// renderInput carries everything the channel renderers need for one alert.
type renderInput struct {
	Title        string
	Score        int
	SourceURL    string
	Timestamp    time.Time
	Content      string
	AckURL       string
	DashboardURL string
	HasAckLink   bool
}

func renderEmailSubject(title string) string {
	return "AI Pipeline Alert: " + title
}

func renderEmailText(in renderInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MONITORING ALERT - %s\n\n", in.Title)
	fmt.Fprintf(&b, "Relevance score: %d/100\n", in.Score)
	fmt.Fprintf(&b, "Source: %s\n", in.SourceURL)
	fmt.Fprintf(&b, "Time: %s\n\n", in.Timestamp.UTC().Format(time.RFC1123))
	fmt.Fprintf(&b, "Summary:\n%s\n\n", in.Content)
	if in.HasAckLink {
		fmt.Fprintf(&b, "Acknowledge this alert: %s\n", in.AckURL)
	}
	fmt.Fprintf(&b, "Dashboard: %s\n", in.DashboardURL)
	return b.String()
}

func renderEmailHTML(in renderInput) string {
	action := fmt.Sprintf(
		`<p><a href="%s">Open dashboard</a></p>`,
		in.DashboardURL,
	)
	if in.HasAckLink {
		action = fmt.Sprintf(
			`<p><a href="%s" style="display:inline-block;background-color:#28a745;color:white;padding:12px 24px;border-radius:6px;text-decoration:none;font-weight:bold;">Acknowledge Alert</a></p>
			<p style="font-size:12px;color:#6c757d;">Or open the <a href="%s">dashboard</a> to manage all alerts.</p>`,
			in.AckURL, in.DashboardURL,
		)
	}

	scoreColor := "#28a745"
	switch {
	case in.Score >= 80:
		scoreColor = "#dc3545"
	case in.Score >= 60:
		scoreColor = "#ffc107"
	}

	return fmt.Sprintf(`<html>
<body style="font-family:Arial,sans-serif;line-height:1.6;color:#333;">
	<div style="max-width:600px;margin:0 auto;padding:20px;">
		<h1 style="font-size:22px;">Monitoring Alert</h1>
		<h2 style="font-size:18px;color:#495057;">%s</h2>
		<p><span style="display:inline-block;background-color:%s;color:white;padding:6px 16px;border-radius:16px;font-weight:bold;">Relevance score: %d/100</span></p>
		<table style="width:100%%;border-collapse:collapse;">
			<tr><td style="padding:6px 0;color:#6c757d;font-weight:bold;width:30%%;">Source</td><td style="padding:6px 0;"><a href="%s">%s</a></td></tr>
			<tr><td style="padding:6px 0;color:#6c757d;font-weight:bold;">Time</td><td style="padding:6px 0;">%s</td></tr>
		</table>
		<div style="background-color:#f8f9fa;padding:15px;border-radius:6px;border-left:4px solid #28a745;margin:16px 0;">
			<p style="margin:0;">%s</p>
		</div>
		%s
	</div>
</body>
</html>`,
		htmlEscape(in.Title),
		scoreColor,
		in.Score,
		in.SourceURL,
		htmlEscape(truncate(in.SourceURL, 50)),
		in.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		htmlEscape(in.Content),
		action,
	)
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}

func htmlEscape(value string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return replacer.Replace(value)
}

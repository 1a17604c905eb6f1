package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meshmon-dev/meshmon/internal/types"
)

type DiscordWebhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type DiscordEmbed struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Color       int                   `json:"color"`
	Fields      []DiscordWebhookField `json:"fields"`
	Footer      *DiscordFooter        `json:"footer,omitempty"`
	Timestamp   string                `json:"timestamp"`
}

type DiscordFooter struct {
	Text string `json:"text"`
}

type DiscordWebhookRequest struct {
	Username  string         `json:"username"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Embeds    []DiscordEmbed `json:"embeds"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields"`
	Footer    string       `json:"footer"`
	Timestamp int64        `json:"ts"`
}

type SlackWebhookRequest struct {
	Username    string            `json:"username"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments"`
}

// TextWebhookRequest is posted to webhooks that are neither Discord nor Slack.
type TextWebhookRequest struct {
	Text string `json:"text"`
}

const (
	ColorRed    = 16711680 // #FF0000 - Critical
	ColorOrange = 16753920 // #FFA500 - Error
	ColorYellow = 16776960 // #FFFF00 - Warning

	Username = "Meshmon"
)

// WebhookDispatcher posts alerts to chat webhooks, shaping the payload for
// Discord and Slack URLs.
type WebhookDispatcher struct {
	client *http.Client
}

func NewWebhookDispatcher(timeout time.Duration) *WebhookDispatcher {
	return &WebhookDispatcher{client: &http.Client{Timeout: timeout}}
}

func (d *WebhookDispatcher) Channel() string { return "webhook" }

func (d *WebhookDispatcher) Send(ctx context.Context, msg Message, webhookURL string) error {
	u, err := url.Parse(webhookURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", webhookURL)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "discord.com" || host == "discordapp.com" || strings.HasSuffix(host, ".discord.com"):
		return d.post(ctx, "Discord", webhookURL, discordPayload(msg))
	case host == "hooks.slack.com":
		return d.post(ctx, "Slack", webhookURL, slackPayload(msg))
	default:
		return d.post(ctx, "Webhook", webhookURL, TextWebhookRequest{Text: msg.Text})
	}
}

func discordPayload(msg Message) DiscordWebhookRequest {
	return DiscordWebhookRequest{
		Username: Username,
		Embeds: []DiscordEmbed{
			{
				Title:       fmt.Sprintf("**[%s %s] %s**", msg.Status.Label(), msg.Level, msg.Title),
				Description: msg.Text,
				Color:       discordColor(msg),
				Fields: []DiscordWebhookField{
					{Name: "Node", Value: msg.Node, Inline: true},
					{Name: "Level", Value: msg.Level.String(), Inline: true},
					{Name: "Status", Value: "**" + msg.Status.Label() + "**", Inline: true},
				},
				Footer: &DiscordFooter{
					Text: "Meshmon Monitoring",
				},
				Timestamp: time.Now().Format(time.RFC3339),
			},
		},
	}
}

func slackPayload(msg Message) SlackWebhookRequest {
	return SlackWebhookRequest{
		Username:  Username,
		IconEmoji: ":rotating_light:",
		Text:      fmt.Sprintf("*[%s %s] %s*", msg.Status.Label(), msg.Level, msg.Title),
		Attachments: []SlackAttachment{
			{
				Color: slackColor(msg),
				Title: fmt.Sprintf("Node '%s'", msg.Node),
				Text:  msg.Text,
				Fields: []SlackField{
					{Title: "Level", Value: msg.Level.String(), Short: true},
					{Title: "Status", Value: msg.Status.Label(), Short: true},
				},
				Footer:    "Meshmon Monitoring",
				Timestamp: time.Now().Unix(),
			},
		},
	}
}

func discordColor(msg Message) int {
	switch msg.Level {
	case types.AlertLevelCritical:
		return ColorRed
	case types.AlertLevelError:
		return ColorOrange
	default:
		return ColorYellow
	}
}

func slackColor(msg Message) string {
	if msg.Level == types.AlertLevelWarning {
		return "warning"
	}
	return "danger"
}

func (d *WebhookDispatcher) post(ctx context.Context, name, webhookURL string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s webhook: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s webhook returned status %d", name, resp.StatusCode)
	}

	return nil
}

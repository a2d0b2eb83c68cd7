package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/systmms/credrotate/internal/logging"
)

// SlackConfig holds configuration for Slack webhook notifications.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	// Channel overrides the webhook's default channel.
	Channel string   `yaml:"channel,omitempty" json:"channel,omitempty"`
	Events  []string `yaml:"events,omitempty" json:"events,omitempty"`
	// Mentions are added to urgent events.
	Mentions []string `yaml:"mentions,omitempty" json:"mentions,omitempty"`
}

// SlackProvider sends notifications to a Slack incoming webhook.
type SlackProvider struct {
	config SlackConfig
	client *http.Client
}

// NewSlackProvider creates a Slack provider and validates its config.
func NewSlackProvider(config SlackConfig) (*SlackProvider, error) {
	p := &SlackProvider{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	if err := p.Validate(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the provider name.
func (p *SlackProvider) Name() string {
	return "slack"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *SlackProvider) SupportsEvent(eventType EventType) bool {
	return supports(p.config.Events, eventType)
}

// Validate checks if the provider configuration is valid.
func (p *SlackProvider) Validate(ctx context.Context) error {
	if p.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL is required")
	}

	parsed, err := url.Parse(p.config.WebhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid webhook URL: %s", logging.Secret(p.config.WebhookURL))
	}
	return nil
}

func (p *SlackProvider) secrets() []string {
	return []string{p.config.WebhookURL}
}

// Send posts the event to Slack.
func (p *SlackProvider) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(p.buildMessage(event))
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

// buildMessage creates a Block Kit formatted Slack message.
func (p *SlackProvider) buildMessage(event Event) map[string]interface{} {
	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{
				"type":  "plain_text",
				"text":  fmt.Sprintf("%s %s", eventEmoji(event.Type), eventTitle(event.Type)),
				"emoji": true,
			},
		},
		{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": event.Summary(),
			},
		},
	}

	if len(event.Detail) > 0 {
		keys := make([]string, 0, len(event.Detail))
		for k := range event.Detail {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fields := make([]map[string]interface{}, 0, len(keys))
		for _, k := range keys {
			// Slack allows at most 10 fields per section.
			if len(fields) == 10 {
				break
			}
			fields = append(fields, map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*%s:*\n%s", k, event.Detail[k]),
			})
		}
		blocks = append(blocks, map[string]interface{}{
			"type":   "section",
			"fields": fields,
		})
	}

	if event.Type.Urgent() && len(p.config.Mentions) > 0 {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Attention:* %s", strings.Join(p.config.Mentions, " ")),
			},
		})
	}

	blocks = append(blocks,
		map[string]interface{}{
			"type": "context",
			"elements": []map[string]interface{}{
				{
					"type": "mrkdwn",
					"text": fmt.Sprintf("<!date^%d^{date_short_pretty} at {time}|%s>",
						event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339)),
				},
			},
		},
		map[string]interface{}{"type": "divider"},
	)

	message := map[string]interface{}{"blocks": blocks}
	if p.config.Channel != "" {
		message["channel"] = p.config.Channel
	}
	return message
}

func eventEmoji(t EventType) string {
	switch t {
	case EventRotationStarted:
		return ":arrows_counterclockwise:"
	case EventRotationCompleted:
		return ":white_check_mark:"
	case EventRotationFailed:
		return ":x:"
	case EventRetryExhausted, EventTamperDetected:
		return ":rotating_light:"
	case EventRollback:
		return ":rewind:"
	case EventCredentialExpiring:
		return ":hourglass_flowing_sand:"
	case EventCredentialExpired, EventCredentialRevoked:
		return ":no_entry:"
	default:
		return ":bell:"
	}
}

func eventTitle(t EventType) string {
	switch t {
	case EventRotationStarted:
		return "Rotation Started"
	case EventRotationCompleted:
		return "Rotation Completed"
	case EventRotationFailed:
		return "Rotation Failed"
	case EventRetryExhausted:
		return "Manual Rotation Required"
	case EventRollback:
		return "Rotation Rolled Back"
	case EventCredentialExpiring:
		return "Credential Expiring"
	case EventCredentialExpired:
		return "Credential Expired"
	case EventCredentialRevoked:
		return "Credential Revoked"
	case EventTamperDetected:
		return "Audit Tampering Detected"
	default:
		return "Credential Event"
	}
}

package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/systmms/credrotate/internal/logging"
)

func (p *PagerDutyProvider) secrets() []string {
	return []string{string(p.config.IntegrationKey)}
}

// PagerDuty Events API v2 endpoint
const pagerDutyAPIURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyConfig holds configuration for PagerDuty notifications.
type PagerDutyConfig struct {
	IntegrationKey logging.Secret `yaml:"integration_key" json:"integration_key"`

	// Severity is the incident severity: critical, error, warning, info.
	// Defaults to "error".
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`

	// Events limits delivery. Empty means urgent events only.
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`

	// AutoResolve resolves the credential's incident when a later rotation
	// completes.
	AutoResolve bool `yaml:"auto_resolve,omitempty" json:"auto_resolve,omitempty"`
}

// PagerDutyProvider opens incidents for events that need an operator.
type PagerDutyProvider struct {
	config PagerDutyConfig
	client *http.Client
	apiURL string
}

// NewPagerDutyProvider creates a PagerDuty provider and validates its config.
func NewPagerDutyProvider(config PagerDutyConfig) (*PagerDutyProvider, error) {
	p := &PagerDutyProvider{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
		apiURL: pagerDutyAPIURL,
	}
	if err := p.Validate(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the provider name.
func (p *PagerDutyProvider) Name() string {
	return "pagerduty"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *PagerDutyProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return eventType.Urgent() || (p.config.AutoResolve && eventType == EventRotationCompleted)
	}
	return supports(p.config.Events, eventType)
}

// Validate checks if the provider configuration is valid.
func (p *PagerDutyProvider) Validate(ctx context.Context) error {
	if p.config.IntegrationKey == "" {
		return fmt.Errorf("integration key is required")
	}

	if p.config.Severity != "" {
		switch strings.ToLower(p.config.Severity) {
		case "critical", "error", "warning", "info":
		default:
			return fmt.Errorf("invalid severity: %s (must be critical, error, warning, or info)", p.config.Severity)
		}
	}
	return nil
}

// Send triggers or resolves the credential's incident.
func (p *PagerDutyProvider) Send(ctx context.Context, event Event) error {
	action := "trigger"
	if event.Type == EventRotationCompleted {
		if !p.config.AutoResolve {
			return nil
		}
		action = "resolve"
	}

	body, err := json.Marshal(p.buildPayload(event, action))
	if err != nil {
		return fmt.Errorf("failed to marshal PagerDuty payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send PagerDuty notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("PagerDuty returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *PagerDutyProvider) buildPayload(event Event, action string) map[string]interface{} {
	summary := "credrotate " + event.Summary()
	// PagerDuty caps summaries at 1024 characters.
	if len(summary) > 1024 {
		summary = summary[:1021] + "..."
	}

	details := map[string]interface{}{
		"event_type":    string(event.Type),
		"credential_id": event.CredentialID,
		"timestamp":     event.Timestamp.Format(time.RFC3339),
	}
	for k, v := range event.Detail {
		details[k] = v
	}

	payload := map[string]interface{}{
		"summary":        summary,
		"severity":       p.severity(event),
		"source":         "credrotate",
		"custom_details": details,
	}
	if !event.Timestamp.IsZero() {
		payload["timestamp"] = event.Timestamp.Format(time.RFC3339)
	}

	return map[string]interface{}{
		"routing_key":  string(p.config.IntegrationKey),
		"event_action": action,
		"dedup_key":    dedupKey(event),
		"payload":      payload,
	}
}

// dedupKey groups every incident for one credential so a completed
// rotation resolves the exhaustion that preceded it.
func dedupKey(event Event) string {
	if event.Type == EventTamperDetected {
		return "credrotate-audit-tamper"
	}
	return "credrotate-" + event.CredentialID
}

func (p *PagerDutyProvider) severity(event Event) string {
	if event.Type == EventTamperDetected {
		return "critical"
	}
	if p.config.Severity == "" {
		return "error"
	}
	return strings.ToLower(p.config.Severity)
}

package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"
)

// RetryConfig holds retry configuration for webhooks.
type RetryConfig struct {
	// MaxAttempts is the maximum number of delivery attempts (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Backoff strategy: linear, exponential or fixed (default: exponential).
	Backoff string `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// InitialWait is the wait before the second attempt.
	InitialWait time.Duration `yaml:"initial_wait,omitempty" json:"initial_wait,omitempty"`
}

// WebhookConfig holds configuration for webhook notifications.
type WebhookConfig struct {
	Name    string            `yaml:"name,omitempty" json:"name,omitempty"`
	URL     string            `yaml:"url" json:"url"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// Events limits delivery to these event types. Empty means all.
	Events []string `yaml:"events,omitempty" json:"events,omitempty"`

	// PayloadTemplate is a Go template for the request body. If empty, a
	// default JSON payload is used.
	PayloadTemplate string `yaml:"payload_template,omitempty" json:"payload_template,omitempty"`

	Retry   *RetryConfig  `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// WebhookProvider posts events to an HTTP endpoint.
type WebhookProvider struct {
	config   WebhookConfig
	client   *http.Client
	template *template.Template
	sleep    func(ctx context.Context, d time.Duration) error
}

// secrets covers header values such as bearer tokens.
func (p *WebhookProvider) secrets() []string {
	out := make([]string, 0, len(p.config.Headers))
	for _, v := range p.config.Headers {
		out = append(out, v)
	}
	return out
}

// NewWebhookProvider creates a webhook provider and validates its config.
func NewWebhookProvider(config WebhookConfig) (*WebhookProvider, error) {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	retry := RetryConfig{}
	if config.Retry != nil {
		retry = *config.Retry
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialWait == 0 {
		retry.InitialWait = time.Second
	}
	config.Retry = &retry

	provider := &WebhookProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		sleep:  sleepContext,
	}
	if config.PayloadTemplate != "" {
		tmpl, err := template.New("payload").Parse(config.PayloadTemplate)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: parse payload template: %w", config.Name, err)
		}
		provider.template = tmpl
	}
	if err := provider.Validate(context.Background()); err != nil {
		return nil, err
	}
	return provider, nil
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *WebhookProvider) SupportsEvent(eventType EventType) bool {
	return supports(p.config.Events, eventType)
}

// Validate checks if the provider configuration is valid.
func (p *WebhookProvider) Validate(ctx context.Context) error {
	if p.config.URL == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(p.config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", p.config.URL)
	}

	switch strings.ToUpper(p.config.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", p.config.Method)
	}

	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("invalid backoff strategy: %s (must be linear, exponential, or fixed)", p.config.Retry.Backoff)
	}

	for _, e := range p.config.Events {
		if !knownEvent(e) {
			return fmt.Errorf("unknown event type: %s", e)
		}
	}
	return nil
}

// Send delivers the event, retrying with backoff.
func (p *WebhookProvider) Send(ctx context.Context, event Event) error {
	payload, err := p.buildPayload(event)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.Retry.MaxAttempts; attempt++ {
		err := p.doSend(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < p.config.Retry.MaxAttempts {
			if err := p.sleep(ctx, p.calculateBackoff(attempt)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", p.config.Retry.MaxAttempts, lastErr)
}

func (p *WebhookProvider) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.config.Method), p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *WebhookProvider) buildPayload(event Event) ([]byte, error) {
	if p.template != nil {
		return p.buildCustomPayload(event)
	}
	return p.buildDefaultPayload(event)
}

// webhookTemplateData provides template-friendly access to event data.
type webhookTemplateData struct {
	Type         string
	CredentialID string
	Summary      string
	Urgent       bool
	Timestamp    string
	Detail       map[string]string
}

func (p *WebhookProvider) buildCustomPayload(event Event) ([]byte, error) {
	data := webhookTemplateData{
		Type:         string(event.Type),
		CredentialID: event.CredentialID,
		Summary:      event.Summary(),
		Urgent:       event.Type.Urgent(),
		Timestamp:    event.Timestamp.Format(time.RFC3339),
		Detail:       event.Detail,
	}

	var buf bytes.Buffer
	if err := p.template.Execute(&buf, data); err != nil {
		return p.buildDefaultPayload(event)
	}
	return buf.Bytes(), nil
}

func (p *WebhookProvider) buildDefaultPayload(event Event) ([]byte, error) {
	payload := map[string]interface{}{
		"event":         string(event.Type),
		"credential_id": event.CredentialID,
		"summary":       event.Summary(),
		"urgent":        event.Type.Urgent(),
		"timestamp":     event.Timestamp.Format(time.RFC3339),
	}
	if len(event.Detail) > 0 {
		payload["detail"] = event.Detail
	}
	return json.Marshal(payload)
}

func (p *WebhookProvider) calculateBackoff(attempt int) time.Duration {
	initial := p.config.Retry.InitialWait

	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear":
		return initial * time.Duration(attempt)
	case "exponential":
		return initial * time.Duration(1<<(attempt-1))
	default:
		return initial
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func knownEvent(name string) bool {
	for _, t := range AllEventTypes() {
		if strings.EqualFold(string(t), name) {
			return true
		}
	}
	return false
}

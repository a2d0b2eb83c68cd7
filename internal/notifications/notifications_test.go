package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/systmms/credrotate/internal/logging"
)

// fakeProvider is a test double for Provider.
type fakeProvider struct {
	name     string
	events   []string
	sendFunc func(ctx context.Context, event Event) error
	block    chan struct{}

	mu   sync.Mutex
	sent []Event
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) SupportsEvent(eventType EventType) bool {
	return supports(p.events, eventType)
}

func (p *fakeProvider) Validate(context.Context) error { return nil }

func (p *fakeProvider) Send(ctx context.Context, event Event) error {
	if p.block != nil {
		<-p.block
	}
	if p.sendFunc != nil {
		if err := p.sendFunc(ctx, event); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.sent = append(p.sent, event)
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) received() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.sent))
	copy(out, p.sent)
	return out
}

func TestManagerDeliversToSupportingProviders(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(ManagerOptions{QueueSize: 10, Clock: testingclock.NewFakeClock(now)})
	all := &fakeProvider{name: "all"}
	failuresOnly := &fakeProvider{name: "failures", events: []string{"rotation_failed"}}
	broken := &fakeProvider{name: "broken", sendFunc: func(context.Context, Event) error {
		return errors.New("unreachable")
	}}
	m.RegisterProvider(all)
	m.RegisterProvider(failuresOnly)
	m.RegisterProvider(broken)
	assert.Len(t, m.Providers(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx)

	m.Notify(ctx, EventRotationCompleted, "cred-1", map[string]string{"attempt_id": "a-1"})
	m.Notify(ctx, EventRotationFailed, "cred-2", nil)
	m.Stop()
	m.Stop()

	got := all.received()
	require.Len(t, got, 2)
	assert.Equal(t, EventRotationCompleted, got[0].Type)
	assert.Equal(t, "cred-1", got[0].CredentialID)
	assert.Equal(t, "a-1", got[0].Detail["attempt_id"])
	assert.Equal(t, now, got[0].Timestamp)

	failed := failuresOnly.received()
	require.Len(t, failed, 1)
	assert.Equal(t, "cred-2", failed[0].CredentialID)
}

func TestManagerDropsWhenFull(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerOptions{QueueSize: 1})
	slow := &fakeProvider{name: "slow", block: make(chan struct{})}
	m.RegisterProvider(slow)
	m.Start(context.Background())

	// The first event is picked up by the worker and blocks it, the second
	// fills the queue, anything after that is dropped.
	m.Send(Event{Type: EventRotationStarted, CredentialID: "1"})
	require.Eventually(t, func() bool { return len(m.queue) == 0 }, time.Second, time.Millisecond)
	m.Send(Event{Type: EventRotationStarted, CredentialID: "2"})
	m.Send(Event{Type: EventRotationStarted, CredentialID: "3"})
	m.Send(Event{Type: EventRotationStarted, CredentialID: "4"})

	assert.Equal(t, int64(2), m.DroppedCount())
	close(slow.block)
	m.Stop()
	assert.Len(t, slow.received(), 2)
}

func TestManagerIgnoresEventsWhenStopped(t *testing.T) {
	t.Parallel()

	m := NewManager(ManagerOptions{})
	p := &fakeProvider{name: "p"}
	m.RegisterProvider(p)
	m.Notify(context.Background(), EventRollback, "c", nil)
	assert.Zero(t, m.DroppedCount())
	assert.Empty(t, p.received())
}

func TestEventSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		event Event
		want  string
	}{
		{Event{Type: EventRotationCompleted, CredentialID: "c1"}, "rotation completed: c1"},
		{Event{Type: EventCredentialExpiring, CredentialID: "c1", Detail: map[string]string{"days_until_expiry": "5", "credential_name": "db"}}, "credential expiring in 5 days: db"},
		{Event{Type: EventTamperDetected}, "audit log tampering detected"},
	}
	for _, tt := range tests {
		t.Run(string(tt.event.Type), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.event.Summary())
		})
	}

	assert.True(t, EventRetryExhausted.Urgent())
	assert.False(t, EventRotationStarted.Urgent())
}

func TestWebhookProviderValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  WebhookConfig
		wantErr string
	}{
		{"valid", WebhookConfig{URL: "https://hooks.example.com/x"}, ""},
		{"missing url", WebhookConfig{}, "URL is required"},
		{"relative url", WebhookConfig{URL: "/hook"}, "invalid URL"},
		{"bad method", WebhookConfig{URL: "https://h.example.com", Method: "GET"}, "invalid method"},
		{"bad backoff", WebhookConfig{URL: "https://h.example.com", Retry: &RetryConfig{Backoff: "random"}}, "invalid backoff"},
		{"unknown event", WebhookConfig{URL: "https://h.example.com", Events: []string{"exploded"}}, "unknown event type"},
		{"bad template", WebhookConfig{URL: "https://h.example.com", PayloadTemplate: "{{.Type"}, "parse payload template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewWebhookProvider(tt.config)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWebhookProviderSupportsEvent(t *testing.T) {
	t.Parallel()

	p, err := NewWebhookProvider(WebhookConfig{URL: "https://h.example.com", Events: []string{"ROTATION_FAILED"}})
	require.NoError(t, err)
	assert.True(t, p.SupportsEvent(EventRotationFailed))
	assert.False(t, p.SupportsEvent(EventRotationStarted))
	assert.Equal(t, "webhook", p.Name())
}

func TestWebhookProviderSend(t *testing.T) {
	t.Parallel()

	var body map[string]interface{}
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Token")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p, err := NewWebhookProvider(WebhookConfig{Name: "ops", URL: srv.URL, Headers: map[string]string{"X-Token": "t"}})
	require.NoError(t, err)
	assert.Equal(t, "webhook:ops", p.Name())

	ts := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	err = p.Send(context.Background(), Event{
		Type:         EventRetryExhausted,
		CredentialID: "cred-9",
		Detail:       map[string]string{"attempt_id": "a-4"},
		Timestamp:    ts,
	})
	require.NoError(t, err)
	assert.Equal(t, "t", header)
	assert.Equal(t, "retry_exhausted", body["event"])
	assert.Equal(t, "cred-9", body["credential_id"])
	assert.Equal(t, true, body["urgent"])
	assert.Equal(t, "2025-03-01T00:00:00Z", body["timestamp"])
	assert.Equal(t, map[string]interface{}{"attempt_id": "a-4"}, body["detail"])
}

func TestWebhookProviderTemplate(t *testing.T) {
	t.Parallel()

	var raw []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	p, err := NewWebhookProvider(WebhookConfig{URL: srv.URL, PayloadTemplate: `{"text":"{{.Summary}}"}`})
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), Event{Type: EventRollback, CredentialID: "c"}))
	assert.JSONEq(t, `{"text":"rotation rolled back: c"}`, string(raw))
}

func TestWebhookProviderRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := NewWebhookProvider(WebhookConfig{URL: srv.URL, Retry: &RetryConfig{MaxAttempts: 3, Backoff: "exponential", InitialWait: time.Second}})
	require.NoError(t, err)
	var waits []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	require.NoError(t, p.Send(context.Background(), Event{Type: EventRotationFailed}))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)

	calls.Store(-10)
	err = p.Send(context.Background(), Event{Type: EventRotationFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backoff string
		attempt int
		want    time.Duration
	}{
		{"linear", 3, 3 * time.Second},
		{"exponential", 3, 4 * time.Second},
		{"fixed", 3, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.backoff, func(t *testing.T) {
			t.Parallel()
			p, err := NewWebhookProvider(WebhookConfig{URL: "https://h.example.com", Retry: &RetryConfig{Backoff: tt.backoff}})
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.calculateBackoff(tt.attempt))
		})
	}
}

func TestSlackProvider(t *testing.T) {
	t.Parallel()

	var msg map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &msg)
	}))
	defer srv.Close()

	_, err := NewSlackProvider(SlackConfig{})
	require.Error(t, err)

	p, err := NewSlackProvider(SlackConfig{WebhookURL: srv.URL, Channel: "#sec", Mentions: []string{"@oncall"}})
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), Event{
		Type:         EventRetryExhausted,
		CredentialID: "c-1",
		Detail:       map[string]string{"error": "vault timeout"},
		Timestamp:    time.Unix(1700000000, 0).UTC(),
	}))

	assert.Equal(t, "#sec", msg["channel"])
	blocks, ok := msg["blocks"].([]interface{})
	require.True(t, ok)
	raw, _ := json.Marshal(blocks)
	assert.Contains(t, string(raw), "Manual Rotation Required")
	assert.Contains(t, string(raw), "vault timeout")
	assert.Contains(t, string(raw), "@oncall")
}

func TestSlackProviderErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p, err := NewSlackProvider(SlackConfig{WebhookURL: srv.URL})
	require.NoError(t, err)
	err = p.Send(context.Background(), Event{Type: EventRotationStarted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestPagerDutyProvider(t *testing.T) {
	t.Parallel()

	var payloads []map[string]interface{}
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var p map[string]interface{}
		_ = json.Unmarshal(raw, &p)
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	_, err := NewPagerDutyProvider(PagerDutyConfig{})
	require.Error(t, err)
	_, err = NewPagerDutyProvider(PagerDutyConfig{IntegrationKey: "k", Severity: "loud"})
	require.Error(t, err)

	p, err := NewPagerDutyProvider(PagerDutyConfig{IntegrationKey: "key", AutoResolve: true})
	require.NoError(t, err)
	p.apiURL = srv.URL

	assert.True(t, p.SupportsEvent(EventRetryExhausted))
	assert.True(t, p.SupportsEvent(EventRotationCompleted))
	assert.False(t, p.SupportsEvent(EventRotationStarted))

	require.NoError(t, p.Send(context.Background(), Event{Type: EventRetryExhausted, CredentialID: "c-1"}))
	require.NoError(t, p.Send(context.Background(), Event{Type: EventRotationCompleted, CredentialID: "c-1"}))
	require.NoError(t, p.Send(context.Background(), Event{Type: EventTamperDetected}))

	require.Len(t, payloads, 3)
	assert.Equal(t, "trigger", payloads[0]["event_action"])
	assert.Equal(t, "resolve", payloads[1]["event_action"])
	assert.Equal(t, payloads[0]["dedup_key"], payloads[1]["dedup_key"])
	assert.Equal(t, "key", payloads[0]["routing_key"])
	inner := payloads[2]["payload"].(map[string]interface{})
	assert.Equal(t, "critical", inner["severity"])
}

func TestNewFromConfig(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Webhooks:  []WebhookConfig{{Name: "a", URL: "https://a.example.com"}},
		Slack:     &SlackConfig{WebhookURL: "https://hooks.slack.com/services/x"},
		PagerDuty: &PagerDutyConfig{IntegrationKey: "k"},
	}
	m, err := NewFromConfig(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, m.Providers(), 3)
	assert.False(t, cfg.Empty())
	assert.True(t, Config{}.Empty())

	_, err = NewFromConfig(Config{Webhooks: []WebhookConfig{{URL: ""}}}, nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications.webhooks[0]")
}

func TestDeliveryErrorsDoNotLeakSecrets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	hookURL := srv.URL + "/services/T000/B000/hook-token-abc"
	srv.Close()

	var out bytes.Buffer
	m := NewManager(ManagerOptions{Logger: logging.NewWithWriter(&out, false, true)})
	slack, err := NewSlackProvider(SlackConfig{WebhookURL: hookURL})
	require.NoError(t, err)
	m.RegisterProvider(slack)

	m.dispatchEvent(context.Background(), Event{Type: EventRotationFailed, CredentialID: "c-1"})
	assert.Contains(t, out.String(), "slack: deliver rotation_failed for c-1")
	assert.Contains(t, out.String(), "[REDACTED]")
	assert.NotContains(t, out.String(), "hook-token-abc")

	_, err = NewSlackProvider(SlackConfig{WebhookURL: "hooks.slack.com/services/hook-token-abc"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "hook-token-abc")

	pd := PagerDutyConfig{IntegrationKey: "pd-key-123", Severity: "error"}
	assert.NotContains(t, fmt.Sprintf("%v %+v", pd, pd), "pd-key-123")
}

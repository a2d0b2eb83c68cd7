// Package notifications delivers credential lifecycle events to webhooks,
// Slack and PagerDuty. Delivery is asynchronous and best-effort: rotation
// and audit paths never wait on a notification.
package notifications

import (
	"context"
	"strings"

	"github.com/systmms/credrotate/internal/logging"
)

// Provider delivers events to one destination.
type Provider interface {
	// Name returns the provider name (e.g., "slack", "pagerduty", "webhook:ops").
	Name() string

	// Send delivers one event.
	Send(ctx context.Context, event Event) error

	// SupportsEvent returns true if this provider handles the given event type.
	SupportsEvent(eventType EventType) bool

	// Validate checks if the provider configuration is valid.
	Validate(ctx context.Context) error
}

// secretHolder is implemented by providers whose configuration carries
// values that must not appear in logs.
type secretHolder interface {
	secrets() []string
}

// redactedError returns err's message with the provider's secrets masked.
func redactedError(p Provider, err error) string {
	holder, ok := p.(secretHolder)
	if !ok {
		return err.Error()
	}
	return logging.Redact(err.Error(), holder.secrets())
}

// Notifier is the fire-and-forget surface used by the rotation engine.
type Notifier interface {
	Notify(ctx context.Context, kind EventType, credentialID string, detail map[string]string)
}

// Nop discards every notification.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, EventType, string, map[string]string) {}

// supports matches eventType against a configured event filter. An empty
// filter accepts everything.
func supports(filter []string, eventType EventType) bool {
	if len(filter) == 0 {
		return true
	}
	for _, e := range filter {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

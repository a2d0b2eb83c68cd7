package notifications

import (
	"fmt"

	"k8s.io/utils/clock"

	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
)

// Config is the notifications section of the configuration file.
type Config struct {
	QueueSize int              `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
	Webhooks  []WebhookConfig  `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
	Slack     *SlackConfig     `yaml:"slack,omitempty" json:"slack,omitempty"`
	PagerDuty *PagerDutyConfig `yaml:"pagerduty,omitempty" json:"pagerduty,omitempty"`
}

// Empty reports whether no provider is configured.
func (c Config) Empty() bool {
	return len(c.Webhooks) == 0 && c.Slack == nil && c.PagerDuty == nil
}

// NewFromConfig builds a Manager with every configured provider registered.
// The manager still has to be started.
func NewFromConfig(cfg Config, clk clock.PassiveClock, logger *logging.Logger, rec *metrics.Recorder) (*Manager, error) {
	m := NewManager(ManagerOptions{
		QueueSize: cfg.QueueSize,
		Clock:     clk,
		Logger:    logger,
		Metrics:   rec,
	})
	for i, wc := range cfg.Webhooks {
		p, err := NewWebhookProvider(wc)
		if err != nil {
			return nil, fmt.Errorf("notifications.webhooks[%d]: %w", i, err)
		}
		m.RegisterProvider(p)
	}
	if cfg.Slack != nil {
		p, err := NewSlackProvider(*cfg.Slack)
		if err != nil {
			return nil, fmt.Errorf("notifications.slack: %w", err)
		}
		m.RegisterProvider(p)
	}
	if cfg.PagerDuty != nil {
		p, err := NewPagerDutyProvider(*cfg.PagerDuty)
		if err != nil {
			return nil, fmt.Errorf("notifications.pagerduty: %w", err)
		}
		m.RegisterProvider(p)
	}
	return m, nil
}

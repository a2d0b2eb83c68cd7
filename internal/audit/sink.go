package audit

import (
	"fmt"

	"github.com/systmms/credrotate/internal/model"
)

// Sink mirrors appended records to an external destination. Sinks are
// best-effort: a failing sink never blocks an append.
type Sink interface {
	Write(r *model.AuditRecord) error
	Close() error
}

// SinkConfig selects and configures a mirror sink.
type SinkConfig struct {
	Type    string `yaml:"type" json:"type"` // none, file, syslog
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
	Network string `yaml:"network,omitempty" json:"network,omitempty"`
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
	Tag     string `yaml:"tag,omitempty" json:"tag,omitempty"`
}

// NewSink creates the sink described by cfg.
func NewSink(cfg SinkConfig) (Sink, error) {
	switch cfg.Type {
	case "", "none":
		return NoopSink{}, nil
	case "file":
		return NewFileSink(cfg.Path)
	case "syslog":
		return NewSyslogSink(cfg.Network, cfg.Address, cfg.Tag)
	default:
		return nil, fmt.Errorf("unsupported audit sink type: %s", cfg.Type)
	}
}

// NoopSink discards records.
type NoopSink struct{}

func (NoopSink) Write(*model.AuditRecord) error { return nil }
func (NoopSink) Close() error                   { return nil }

package audit

import (
	"encoding/json"
	"fmt"
	"log/syslog"

	"github.com/systmms/credrotate/internal/model"
)

// SyslogSink forwards records to syslog as JSON messages.
type SyslogSink struct {
	writer *syslog.Writer
}

// NewSyslogSink connects to a remote syslog daemon when network and address
// are set, otherwise to the local one.
func NewSyslogSink(network, address, tag string) (*SyslogSink, error) {
	if tag == "" {
		tag = "credrotate-audit"
	}
	priority := syslog.LOG_INFO | syslog.LOG_AUTH

	var (
		writer *syslog.Writer
		err    error
	)
	if network != "" && address != "" {
		writer, err = syslog.Dial(network, address, priority, tag)
	} else {
		writer, err = syslog.New(priority, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create syslog writer: %w", err)
	}
	return &SyslogSink{writer: writer}, nil
}

// Write sends r at a priority derived from its severity.
func (s *SyslogSink) Write(r *model.AuditRecord) error {
	msg, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to serialize audit record: %w", err)
	}
	switch r.Severity {
	case model.SeverityCritical:
		return s.writer.Crit(string(msg))
	case model.SeverityHigh:
		return s.writer.Err(string(msg))
	case model.SeverityWarning:
		return s.writer.Warning(string(msg))
	default:
		return s.writer.Info(string(msg))
	}
}

// Close closes the syslog connection.
func (s *SyslogSink) Close() error {
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}

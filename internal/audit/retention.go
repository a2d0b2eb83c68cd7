package audit

import (
	"time"

	"github.com/systmms/credrotate/internal/model"
)

const (
	// ComplianceRetentionDays is seven years.
	ComplianceRetentionDays = 2555
	// AuthRetentionDays covers authentication and authorization events.
	AuthRetentionDays = 365
)

// RetentionPolicy maps event types to the number of days a record is kept.
type RetentionPolicy struct {
	DefaultDays int
	Days        map[model.EventType]int
}

// DefaultRetentionPolicy returns the standard per-event-type retention with
// defaultDays for everything else. A non-positive defaultDays falls back to
// ComplianceRetentionDays.
func DefaultRetentionPolicy(defaultDays int) RetentionPolicy {
	if defaultDays <= 0 {
		defaultDays = ComplianceRetentionDays
	}
	return RetentionPolicy{
		DefaultDays: defaultDays,
		Days: map[model.EventType]int{
			model.EventCredentialRotation:  ComplianceRetentionDays,
			model.EventCredentialAccess:    ComplianceRetentionDays,
			model.EventPrivilegedOperation: ComplianceRetentionDays,
			model.EventCompliance:          ComplianceRetentionDays,
			model.EventSecurityIncident:    ComplianceRetentionDays,
			model.EventAuthentication:      AuthRetentionDays,
			model.EventAuthorization:       AuthRetentionDays,
		},
	}
}

// RetentionDays returns how long r is kept. High-risk records are kept at
// least ComplianceRetentionDays.
func (p RetentionPolicy) RetentionDays(r *model.AuditRecord) int {
	days, ok := p.Days[r.EventType]
	if !ok {
		days = p.DefaultDays
	}
	if r.IsHighRisk() && days < ComplianceRetentionDays {
		days = ComplianceRetentionDays
	}
	return days
}

// RetentionDate returns the instant after which r may be purged.
func (p RetentionPolicy) RetentionDate(r *model.AuditRecord) time.Time {
	return r.Timestamp.AddDate(0, 0, p.RetentionDays(r))
}

package model

import "time"

// EventType classifies audit records. Retention is keyed on it.
type EventType string

const (
	EventCredentialRotation  EventType = "credential_rotation"
	EventCredentialAccess    EventType = "credential_access"
	EventCredentialLifecycle EventType = "credential_lifecycle"
	EventPrivilegedOperation EventType = "privileged_operation"
	EventCompliance          EventType = "compliance"
	EventSecurityIncident    EventType = "security_incident"
	EventAuthentication      EventType = "authentication"
	EventAuthorization       EventType = "authorization"
)

// Audit actions.
const (
	ActionScheduled      = "SCHEDULED"
	ActionStarted        = "STARTED"
	ActionCompleted      = "COMPLETED"
	ActionFailed         = "FAILED"
	ActionCancelled      = "CANCELLED"
	ActionRolledBack     = "ROLLED_BACK"
	ActionRetired        = "RETIRED"
	ActionCreated        = "CREATED"
	ActionAccessed       = "ACCESSED"
	ActionRevoked        = "REVOKED"
	ActionDeleted        = "DELETED"
	ActionExpired        = "EXPIRED"
	ActionExpiryWarning  = "EXPIRY_WARNING"
	ActionPurged         = "PURGED"
	ActionTamperDetected = "TAMPER_DETECTED"
)

// AuditResult is the outcome recorded for an event.
type AuditResult string

const (
	ResultSuccess AuditResult = "success"
	ResultFailure AuditResult = "failure"
	ResultDenied  AuditResult = "denied"
	ResultError   AuditResult = "error"
)

// Severity grades an audit record.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Actor identifies who performed an audited action. At most one of the id
// fields is usually set; PrincipalName covers actors unknown to the directory.
type Actor struct {
	UserID            string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	ServiceIdentityID string `json:"service_identity_id,omitempty" yaml:"service_identity_id,omitempty"`
	PrincipalName     string `json:"principal_name,omitempty" yaml:"principal_name,omitempty"`
	DisplayName       string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// Name picks the most specific label available.
func (a Actor) Name() string {
	switch {
	case a.DisplayName != "":
		return a.DisplayName
	case a.PrincipalName != "":
		return a.PrincipalName
	case a.ServiceIdentityID != "":
		return a.ServiceIdentityID
	case a.UserID != "":
		return a.UserID
	}
	return "system"
}

// SystemActor is used for scheduler and job driven events.
var SystemActor = Actor{PrincipalName: "system:credrotate"}

// Target identifies the resource an audited action touched.
type Target struct {
	ResourceType string `json:"resource_type,omitempty" yaml:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty" yaml:"resource_id,omitempty"`
	ResourceName string `json:"resource_name,omitempty" yaml:"resource_name,omitempty"`
}

// AuditRecord is an immutable security event. Checksum is computed when the
// record is appended and never changes afterwards.
type AuditRecord struct {
	ID            string                 `json:"id" yaml:"id"`
	Sequence      int64                  `json:"sequence" yaml:"sequence"`
	EventType     EventType              `json:"event_type" yaml:"event_type"`
	EventSubtype  string                 `json:"event_subtype,omitempty" yaml:"event_subtype,omitempty"`
	Action        string                 `json:"action" yaml:"action"`
	Result        AuditResult            `json:"result" yaml:"result"`
	Timestamp     time.Time              `json:"timestamp" yaml:"timestamp"`
	Actor         Actor                  `json:"actor" yaml:"actor"`
	Target        Target                 `json:"target" yaml:"target"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty" yaml:"details,omitempty"`
	SourceIP      string                 `json:"source_ip,omitempty" yaml:"source_ip,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	Severity      Severity               `json:"severity" yaml:"severity"`
	RiskScore     int                    `json:"risk_score" yaml:"risk_score"`
	Suspicious    bool                   `json:"suspicious,omitempty" yaml:"suspicious,omitempty"`
	RetentionDate time.Time              `json:"retention_date" yaml:"retention_date"`
	Checksum      string                 `json:"checksum" yaml:"checksum"`
}

// Clone returns a copy with its own details map.
func (r *AuditRecord) Clone() *AuditRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.Details != nil {
		out.Details = make(map[string]interface{}, len(r.Details))
		for k, v := range r.Details {
			out.Details[k] = v
		}
	}
	return &out
}

// HighRiskScore is the risk score at and above which a record is high risk.
const HighRiskScore = 75

// IsHighRisk reports whether the record warrants extended retention.
func (r *AuditRecord) IsHighRisk() bool {
	return r.Severity == SeverityHigh || r.Severity == SeverityCritical ||
		r.Suspicious || r.RiskScore >= HighRiskScore
}

// ComplianceRecord is the flattened export form of an audit record.
type ComplianceRecord struct {
	ID           string      `json:"id" yaml:"id"`
	Timestamp    time.Time   `json:"timestamp" yaml:"timestamp"`
	EventType    EventType   `json:"event_type" yaml:"event_type"`
	Action       string      `json:"action" yaml:"action"`
	Result       AuditResult `json:"result" yaml:"result"`
	Actor        string      `json:"actor" yaml:"actor"`
	Target       string      `json:"target,omitempty" yaml:"target,omitempty"`
	Description  string      `json:"description,omitempty" yaml:"description,omitempty"`
	RiskScore    int         `json:"risk_score" yaml:"risk_score"`
	Checksum     string      `json:"checksum" yaml:"checksum"`
	RetainUntil  time.Time   `json:"retain_until" yaml:"retain_until"`
	HighRisk     bool        `json:"high_risk" yaml:"high_risk"`
	ResourceType string      `json:"resource_type,omitempty" yaml:"resource_type,omitempty"`
}

// ToCompliance flattens the record for export.
func (r *AuditRecord) ToCompliance() ComplianceRecord {
	target := r.Target.ResourceName
	if target == "" {
		target = r.Target.ResourceID
	}
	return ComplianceRecord{
		ID:           r.ID,
		Timestamp:    r.Timestamp,
		EventType:    r.EventType,
		Action:       r.Action,
		Result:       r.Result,
		Actor:        r.Actor.Name(),
		Target:       target,
		Description:  r.Description,
		RiskScore:    r.RiskScore,
		Checksum:     r.Checksum,
		RetainUntil:  r.RetentionDate,
		HighRisk:     r.IsHighRisk(),
		ResourceType: r.Target.ResourceType,
	}
}

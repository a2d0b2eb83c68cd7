// Package audit implements the append-only, checksummed audit trail.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/logging"
	"github.com/systmms/credrotate/internal/metrics"
	"github.com/systmms/credrotate/internal/model"
	"github.com/systmms/credrotate/internal/store"
)

// AuditLogResource identifies the audit log itself as a target.
const AuditLogResource = "audit_log"

// Options configures a Log. Zero values pick defaults.
type Options struct {
	Retention RetentionPolicy
	Rules     *RiskEngine
	Sink      Sink
	Archiver  Archiver
	Clock     clock.PassiveClock
	Logger    *logging.Logger
	Metrics   *metrics.Recorder
}

// Log is the audit integrity log. Records are appended once and never
// updated; the only removal path is PurgeExpired.
type Log struct {
	store     store.AuditStore
	retention RetentionPolicy
	rules     *RiskEngine
	sink      Sink
	archiver  Archiver
	clock     clock.PassiveClock
	logger    *logging.Logger
	metrics   *metrics.Recorder
}

// NewLog creates a Log over st.
func NewLog(st store.AuditStore, opts Options) *Log {
	l := &Log{
		store:     st,
		retention: opts.Retention,
		rules:     opts.Rules,
		sink:      opts.Sink,
		archiver:  opts.Archiver,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if l.retention.DefaultDays == 0 && l.retention.Days == nil {
		l.retention = DefaultRetentionPolicy(0)
	}
	if l.sink == nil {
		l.sink = NoopSink{}
	}
	if l.clock == nil {
		l.clock = clock.RealClock{}
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	l.logger = l.logger.Component("audit")
	return l
}

// Append persists r and returns its ID. Append fills in ID, Timestamp,
// Result, Severity, RetentionDate, Checksum and Sequence on r. A record whose
// ID is already persisted is rejected with ErrImmutabilityViolation.
func (l *Log) Append(ctx context.Context, r *model.AuditRecord) (string, error) {
	if r == nil {
		return "", dserrors.NewValidationError("record", "audit record is required")
	}
	if r.EventType == "" {
		return "", dserrors.NewValidationError("event_type", "event type is required")
	}
	if r.Action == "" {
		return "", dserrors.NewValidationError("action", "action is required")
	}
	if field := nonUTF8Field(r); field != "" {
		return "", dserrors.NewValidationError(field, "%s is not valid UTF-8", field)
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	} else if _, err := l.store.GetAudit(ctx, r.ID); err == nil {
		return "", &dserrors.ImmutabilityError{RecordID: r.ID, Op: "append"}
	} else if !errors.Is(err, dserrors.ErrNotFound) {
		return "", err
	}

	if r.Timestamp.IsZero() {
		r.Timestamp = l.clock.Now()
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)
	if r.Result == "" {
		r.Result = model.ResultSuccess
	}
	if r.Severity == "" {
		r.Severity = model.SeverityInfo
	}

	matched, err := l.rules.Apply(r)
	if err != nil {
		l.logger.Warn("risk evaluation for %s: %v", r.ID, err)
	}
	if len(matched) > 0 {
		l.logger.Debug("record %s matched risk rules %v", r.ID, matched)
	}

	r.RetentionDate = l.retention.RetentionDate(r).UTC().Truncate(time.Microsecond)

	sum, err := Checksum(r)
	if err != nil {
		return "", fmt.Errorf("checksum audit record: %w", err)
	}
	r.Checksum = sum

	if err := l.store.InsertAudit(ctx, r); err != nil {
		return "", err
	}
	l.metrics.AuditAppended(string(r.EventType))

	if err := l.sink.Write(r); err != nil {
		l.metrics.AuditSinkFailed(fmt.Sprintf("%T", l.sink))
		l.logger.Warn("mirror audit record %s: %v", r.ID, err)
	}
	return r.ID, nil
}

// Get returns a stored record.
func (l *Log) Get(ctx context.Context, id string) (*model.AuditRecord, error) {
	return l.store.GetAudit(ctx, id)
}

// List returns records matching f, oldest first.
func (l *Log) List(ctx context.Context, f store.AuditFilter) ([]*model.AuditRecord, error) {
	return l.store.ListAudit(ctx, f)
}

// Verify recomputes the checksum of a stored record and compares it with the
// one recorded at append time.
func (l *Log) Verify(ctx context.Context, id string) (bool, error) {
	r, err := l.store.GetAudit(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := verifyRecord(r)
	if err != nil {
		return false, err
	}
	if !ok {
		l.metrics.AuditVerifyFailed()
	}
	return ok, nil
}

func verifyRecord(r *model.AuditRecord) (bool, error) {
	if nonUTF8Field(r) != "" {
		return false, nil
	}
	sum, err := Checksum(r)
	if err != nil {
		return false, err
	}
	return sum == r.Checksum, nil
}

// VerifyReport summarises a verification sweep.
type VerifyReport struct {
	Checked  int      `json:"checked" yaml:"checked"`
	Tampered []string `json:"tampered,omitempty" yaml:"tampered,omitempty"`
	// IncidentID is the security incident record appended for a failed sweep.
	IncidentID string `json:"incident_id,omitempty" yaml:"incident_id,omitempty"`
}

// OK reports whether every checked record verified.
func (r VerifyReport) OK() bool {
	return len(r.Tampered) == 0
}

// VerifyAll verifies every record matching f. When any record fails, a
// single TAMPER_DETECTED security incident naming the failed records is
// appended.
func (l *Log) VerifyAll(ctx context.Context, f store.AuditFilter) (VerifyReport, error) {
	records, err := l.store.ListAudit(ctx, f)
	if err != nil {
		return VerifyReport{}, err
	}

	var report VerifyReport
	for _, r := range records {
		ok, err := verifyRecord(r)
		if err != nil {
			return report, err
		}
		report.Checked++
		if !ok {
			l.metrics.AuditVerifyFailed()
			report.Tampered = append(report.Tampered, r.ID)
		}
	}
	if report.OK() {
		return report, nil
	}

	l.logger.Error("audit verification failed for %d of %d records", len(report.Tampered), report.Checked)
	incident := &model.AuditRecord{
		EventType:   model.EventSecurityIncident,
		Action:      model.ActionTamperDetected,
		Result:      model.ResultFailure,
		Actor:       model.SystemActor,
		Target:      model.Target{ResourceType: AuditLogResource, ResourceID: AuditLogResource},
		Description: fmt.Sprintf("checksum mismatch on %d audit records", len(report.Tampered)),
		Details: map[string]interface{}{
			"record_ids": report.Tampered,
			"checked":    report.Checked,
		},
		Severity:   model.SeverityCritical,
		RiskScore:  100,
		Suspicious: true,
	}
	id, err := l.Append(ctx, incident)
	if err != nil {
		return report, fmt.Errorf("record tamper incident: %w", err)
	}
	report.IncidentID = id
	return report, nil
}

// PurgeResult describes a retention purge.
type PurgeResult struct {
	Cutoff     time.Time `json:"cutoff" yaml:"cutoff"`
	Deleted    int64     `json:"deleted" yaml:"deleted"`
	Oldest     time.Time `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest     time.Time `json:"newest,omitempty" yaml:"newest,omitempty"`
	ArchiveKey string    `json:"archive_key,omitempty" yaml:"archive_key,omitempty"`
	// RecordID is the PURGED meta record, empty when nothing expired.
	RecordID string `json:"record_id,omitempty" yaml:"record_id,omitempty"`
}

// PurgeExpired deletes records whose retention date is at or before now.
// Before deleting it archives the batch, when an archiver is configured, and
// appends a PURGED compliance record describing it. Nothing is written when
// no record has expired.
func (l *Log) PurgeExpired(ctx context.Context, now time.Time) (PurgeResult, error) {
	cutoff := now.UTC().Truncate(time.Microsecond)
	result := PurgeResult{Cutoff: cutoff}

	expired, err := l.store.ListAudit(ctx, store.AuditFilter{RetentionBefore: &cutoff})
	if err != nil {
		return result, err
	}
	if len(expired) == 0 {
		return result, nil
	}

	result.Oldest, result.Newest = expired[0].Timestamp, expired[0].Timestamp
	for _, r := range expired[1:] {
		if r.Timestamp.Before(result.Oldest) {
			result.Oldest = r.Timestamp
		}
		if r.Timestamp.After(result.Newest) {
			result.Newest = r.Timestamp
		}
	}

	if l.archiver != nil {
		key, err := l.archiver.Archive(ctx, expired, cutoff)
		if err != nil {
			return result, fmt.Errorf("archive expired audit records: %w", err)
		}
		result.ArchiveKey = key
	}

	details := map[string]interface{}{
		"count":  len(expired),
		"oldest": result.Oldest.Format(time.RFC3339Nano),
		"newest": result.Newest.Format(time.RFC3339Nano),
		"cutoff": cutoff.Format(time.RFC3339Nano),
	}
	if result.ArchiveKey != "" {
		details["archive"] = result.ArchiveKey
	}
	meta := &model.AuditRecord{
		EventType:   model.EventCompliance,
		Action:      model.ActionPurged,
		Actor:       model.SystemActor,
		Target:      model.Target{ResourceType: AuditLogResource, ResourceID: AuditLogResource},
		Description: fmt.Sprintf("purged %d audit records past retention", len(expired)),
		Details:     details,
	}
	if result.RecordID, err = l.Append(ctx, meta); err != nil {
		return result, fmt.Errorf("record purge: %w", err)
	}

	deleted, err := l.store.PurgeAudit(ctx, cutoff)
	if err != nil {
		return result, err
	}
	result.Deleted = deleted
	l.metrics.AuditPurged(deleted)
	l.logger.Info("purged %d audit records with retention before %s", deleted, cutoff.Format(time.RFC3339))
	return result, nil
}

// Close releases the mirror sink.
func (l *Log) Close() error {
	return l.sink.Close()
}

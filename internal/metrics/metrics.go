package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rotation metrics
	attemptsScheduledTotal  *prometheus.CounterVec
	rotationStartedTotal    *prometheus.CounterVec
	rotationCompletedTotal  *prometheus.CounterVec
	rotationDuration        *prometheus.HistogramVec
	retriesScheduledTotal   *prometheus.CounterVec
	retriesExhaustedTotal   *prometheus.CounterVec
	rollbackTotal           *prometheus.CounterVec
	oldVersionsRetiredTotal prometheus.Counter
	dueCredentials          prometheus.Gauge

	// Vault metrics
	vaultOperationDuration *prometheus.HistogramVec

	// Audit metrics
	auditAppendedTotal        *prometheus.CounterVec
	auditVerifyFailuresTotal  prometheus.Counter
	auditPurgedTotal          prometheus.Counter
	auditSinkFailuresTotal    *prometheus.CounterVec
	notificationsDroppedTotal prometheus.Counter

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// Recorder records engine metrics. Every method is a no-op until
// InitMetrics has run, and a nil *Recorder is valid.
type Recorder struct{}

// New creates a Recorder.
func New() *Recorder {
	return &Recorder{}
}

// InitMetrics registers all collectors with the default Prometheus registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		attemptsScheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_rotation_attempts_scheduled_total",
				Help: "Total number of rotation attempts scheduled",
			},
			[]string{"rotation_type"},
		)

		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_rotation_started_total",
				Help: "Total number of rotation attempts started",
			},
			[]string{"kind"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_rotation_finished_total",
				Help: "Total number of rotation attempts that reached a terminal state",
			},
			[]string{"kind", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credrotate_rotation_duration_seconds",
				Help:    "Duration of rotation attempts in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"kind"},
		)

		retriesScheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_rotation_retries_scheduled_total",
				Help: "Total number of failed rotations with a retry scheduled",
			},
			[]string{"kind"},
		)

		retriesExhaustedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_rotation_retries_exhausted_total",
				Help: "Total number of rotations that ran out of retries",
			},
			[]string{"kind"},
		)

		rollbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_rollback_total",
				Help: "Total number of rollbacks to a previous vault version",
			},
			[]string{"kind"},
		)

		oldVersionsRetiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credrotate_old_versions_retired_total",
				Help: "Total number of superseded vault paths deleted",
			},
		)

		dueCredentials = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "credrotate_scheduler_due_credentials",
				Help: "Credentials found due for rotation on the last scheduler tick",
			},
		)

		vaultOperationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credrotate_vault_operation_duration_seconds",
				Help:    "Duration of vault operations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"backend", "operation", "result"},
		)

		auditAppendedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_audit_records_appended_total",
				Help: "Total number of audit records appended",
			},
			[]string{"event_type"},
		)

		auditVerifyFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credrotate_audit_verification_failures_total",
				Help: "Total number of audit records whose checksum did not match",
			},
		)

		auditPurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credrotate_audit_records_purged_total",
				Help: "Total number of audit records removed by retention purges",
			},
		)

		auditSinkFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credrotate_audit_sink_failures_total",
				Help: "Total number of audit records the mirror sink failed to write",
			},
			[]string{"sink"},
		)

		notificationsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "credrotate_notifications_dropped_total",
				Help: "Total number of notifications dropped because the queue was full",
			},
		)

		metricsRegistered = true
	})
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}

// AttemptScheduled records a new attempt.
func (r *Recorder) AttemptScheduled(rotationType string) {
	if !metricsRegistered {
		return
	}
	attemptsScheduledTotal.WithLabelValues(rotationType).Inc()
}

// RotationStarted records an attempt moving to in_progress.
func (r *Recorder) RotationStarted(kind string) {
	if !metricsRegistered {
		return
	}
	rotationStartedTotal.WithLabelValues(kind).Inc()
}

// RotationFinished records a terminal attempt and its duration.
func (r *Recorder) RotationFinished(kind, status string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	rotationCompletedTotal.WithLabelValues(kind, status).Inc()
	if durationSeconds > 0 {
		rotationDuration.WithLabelValues(kind).Observe(durationSeconds)
	}
}

// RetryScheduled records a failure that will be retried.
func (r *Recorder) RetryScheduled(kind string) {
	if !metricsRegistered {
		return
	}
	retriesScheduledTotal.WithLabelValues(kind).Inc()
}

// RetryExhausted records a failure with no retries left.
func (r *Recorder) RetryExhausted(kind string) {
	if !metricsRegistered {
		return
	}
	retriesExhaustedTotal.WithLabelValues(kind).Inc()
}

// Rollback records a rollback.
func (r *Recorder) Rollback(kind string) {
	if !metricsRegistered {
		return
	}
	rollbackTotal.WithLabelValues(kind).Inc()
}

// OldVersionRetired records a deleted superseded path.
func (r *Recorder) OldVersionRetired() {
	if !metricsRegistered {
		return
	}
	oldVersionsRetiredTotal.Inc()
}

// DueCredentials sets the due gauge.
func (r *Recorder) DueCredentials(n int) {
	if !metricsRegistered {
		return
	}
	dueCredentials.Set(float64(n))
}

// VaultOperation records one vault call.
func (r *Recorder) VaultOperation(backend, operation string, err error, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	vaultOperationDuration.WithLabelValues(backend, operation, result).Observe(durationSeconds)
}

// AuditAppended records an appended audit record.
func (r *Recorder) AuditAppended(eventType string) {
	if !metricsRegistered {
		return
	}
	auditAppendedTotal.WithLabelValues(eventType).Inc()
}

// AuditVerifyFailed records a checksum mismatch.
func (r *Recorder) AuditVerifyFailed() {
	if !metricsRegistered {
		return
	}
	auditVerifyFailuresTotal.Inc()
}

// AuditPurged records purged records.
func (r *Recorder) AuditPurged(n int64) {
	if !metricsRegistered || n <= 0 {
		return
	}
	auditPurgedTotal.Add(float64(n))
}

// AuditSinkFailed records a mirror write failure.
func (r *Recorder) AuditSinkFailed(sink string) {
	if !metricsRegistered {
		return
	}
	auditSinkFailuresTotal.WithLabelValues(sink).Inc()
}

// NotificationDropped records a notification lost to a full queue.
func (r *Recorder) NotificationDropped() {
	if !metricsRegistered {
		return
	}
	notificationsDroppedTotal.Inc()
}

// GetRotationStartedTotal returns the rotation started counter for testing.
func GetRotationStartedTotal() *prometheus.CounterVec {
	return rotationStartedTotal
}

// GetRotationFinishedTotal returns the terminal attempt counter for testing.
func GetRotationFinishedTotal() *prometheus.CounterVec {
	return rotationCompletedTotal
}

// GetRetriesExhaustedTotal returns the exhausted counter for testing.
func GetRetriesExhaustedTotal() *prometheus.CounterVec {
	return retriesExhaustedTotal
}

// GetAuditAppendedTotal returns the audit append counter for testing.
func GetAuditAppendedTotal() *prometheus.CounterVec {
	return auditAppendedTotal
}

// GetAuditVerifyFailuresTotal returns the verification failure counter for testing.
func GetAuditVerifyFailuresTotal() prometheus.Counter {
	return auditVerifyFailuresTotal
}

// GetNotificationsDroppedTotal returns the dropped notification counter for testing.
func GetNotificationsDroppedTotal() prometheus.Counter {
	return notificationsDroppedTotal
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	// Registered SQL drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/go-libsql"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/model"
)

// SQLStore implements Store on database/sql for Postgres, MySQL and libSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the dialect's driver.
func OpenSQL(d Dialect, dsn string) (*SQLStore, error) {
	if d.Name == MySQL.Name {
		normalized, err := NormalizeMySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	}
	db, err := sql.Open(d.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Name, err)
	}
	if d.Name == LibSQL.Name {
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		}
		for _, p := range pragmas {
			var result string
			_ = db.QueryRow(p).Scan(&result)
		}
	}
	return NewSQLStore(db, d), nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, s.dialect)
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

type rowScanner interface {
	Scan(dest ...any) error
}

// --- Credentials ---

const credentialColumns = `id, owner_id, name, kind, vault_path, vault_version, status, expires_at,
	rotation_frequency_days, next_rotation_at, last_rotated_at, rotation_count, auto_rotation_enabled,
	use_count, last_used_at, notification_days, notification_sent, inflight_attempt_id,
	created_by, updated_by, created_at, updated_at, version, deleted, deleted_at`

func (s *SQLStore) CreateCredential(ctx context.Context, c *model.Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var n int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM credentials WHERE vault_path = ?`), c.VaultPath).Scan(&n); err != nil {
		return fmt.Errorf("check vault path: %w", err)
	}
	if n > 0 {
		return duplicatePath(c.VaultPath)
	}

	d := s.dialect
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.ID, c.OwnerID, c.Name, string(c.Kind), c.VaultPath, nullStr(c.VaultVersion), string(c.Status),
		d.nullTimeValue(c.ExpiresAt), c.RotationFrequencyDays, d.nullTimeValue(c.NextRotationAt),
		d.nullTimeValue(c.LastRotatedAt), c.RotationCount, c.AutoRotationEnabled, c.UseCount,
		d.nullTimeValue(c.LastUsedAt), c.NotificationDays, c.NotificationSent, nil,
		nullStr(c.CreatedBy), nullStr(c.UpdatedBy), d.timeValue(timeOrNow(c.CreatedAt)), d.timeValue(timeOrNow(c.UpdatedAt)),
		1, c.Deleted, d.nullTimeValue(c.DeletedAt),
	)
	if err != nil {
		if d.IsUniqueViolation(err) {
			return duplicatePath(c.VaultPath)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit credential: %w", err)
	}
	c.Version = 1
	c.InFlightAttemptID = ""
	return nil
}

func (s *SQLStore) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+credentialColumns+` FROM credentials WHERE id = ?`), id)
	c, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, dserrors.NotFound("credential", id)
	}
	return c, err
}

func (s *SQLStore) ListCredentials(ctx context.Context, f CredentialFilter) ([]*model.Credential, error) {
	var where []string
	var args []any
	if !f.IncludeDeleted {
		where = append(where, "deleted = ?")
		args = append(args, false)
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DueAt != nil {
		where = append(where, "status = ? AND auto_rotation_enabled = ? AND deleted = ? AND (next_rotation_at IS NULL OR next_rotation_at <= ?)")
		args = append(args, string(model.CredentialActive), true, false, s.dialect.timeValue(*f.DueAt))
	}
	if f.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, s.dialect.timeValue(*f.ExpiresBefore))
	}

	query := `SELECT ` + credentialColumns + ` FROM credentials`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var out []*model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateCredential(ctx context.Context, c *model.Credential) error {
	d := s.dialect
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE credentials SET
		owner_id = ?, name = ?, kind = ?, vault_path = ?, vault_version = ?, status = ?, expires_at = ?,
		rotation_frequency_days = ?, next_rotation_at = ?, last_rotated_at = ?, rotation_count = ?,
		auto_rotation_enabled = ?, use_count = ?, last_used_at = ?, notification_days = ?,
		notification_sent = ?, updated_by = ?, updated_at = ?, deleted = ?, deleted_at = ?,
		version = version + 1
		WHERE id = ? AND version = ?`),
		c.OwnerID, c.Name, string(c.Kind), c.VaultPath, nullStr(c.VaultVersion), string(c.Status),
		d.nullTimeValue(c.ExpiresAt), c.RotationFrequencyDays, d.nullTimeValue(c.NextRotationAt),
		d.nullTimeValue(c.LastRotatedAt), c.RotationCount, c.AutoRotationEnabled, c.UseCount,
		d.nullTimeValue(c.LastUsedAt), c.NotificationDays, c.NotificationSent, nullStr(c.UpdatedBy),
		d.timeValue(timeOrNow(c.UpdatedAt)), c.Deleted, d.nullTimeValue(c.DeletedAt),
		c.ID, c.Version,
	)
	if err != nil {
		if d.IsUniqueViolation(err) {
			return duplicatePath(c.VaultPath)
		}
		return fmt.Errorf("update credential: %w", err)
	}
	if err := s.checkVersioned(ctx, res, "credentials", "credential", c.ID, c.Version); err != nil {
		return err
	}
	c.Version++
	return nil
}

// checkVersioned turns a zero-row versioned update into NotFound or a conflict.
func (s *SQLStore) checkVersioned(ctx context.Context, res sql.Result, table, entity, id string, version int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM `+table+` WHERE id = ?`), id).Scan(&count); err != nil {
		return fmt.Errorf("check %s: %w", entity, err)
	}
	if count == 0 {
		return dserrors.NotFound(entity, id)
	}
	return &dserrors.ConflictError{Entity: entity, ID: id, Expected: version}
}

func scanCredential(row rowScanner) (*model.Credential, error) {
	var (
		c                                       model.Credential
		kind, status                            string
		vaultVersion, inflight, createdBy, upBy sql.NullString
		expires, next, last, lastUsed, deleted  sqlTime
		createdAt, updatedAt                    sqlTime
	)
	err := row.Scan(&c.ID, &c.OwnerID, &c.Name, &kind, &c.VaultPath, &vaultVersion, &status, &expires,
		&c.RotationFrequencyDays, &next, &last, &c.RotationCount, &c.AutoRotationEnabled,
		&c.UseCount, &lastUsed, &c.NotificationDays, &c.NotificationSent, &inflight,
		&createdBy, &upBy, &createdAt, &updatedAt, &c.Version, &c.Deleted, &deleted)
	if err != nil {
		return nil, err
	}
	c.Kind = model.CredentialKind(kind)
	c.Status = model.CredentialStatus(status)
	c.VaultVersion = vaultVersion.String
	c.InFlightAttemptID = inflight.String
	c.CreatedBy, c.UpdatedBy = createdBy.String, upBy.String
	c.ExpiresAt, c.NextRotationAt, c.LastRotatedAt = expires.ptr(), next.ptr(), last.ptr()
	c.LastUsedAt, c.DeletedAt = lastUsed.ptr(), deleted.ptr()
	c.CreatedAt, c.UpdatedAt = createdAt.Time, updatedAt.Time
	return &c, nil
}

// --- Attempts ---

const attemptColumns = `id, credential_id, sequence, status, rotation_type, triggered_by, reason,
	scheduled_at, started_at, completed_at, retry_count, max_retries, next_retry_at,
	old_vault_path, old_vault_version, new_vault_path, new_vault_version, error_message,
	duration_seconds, rollback_available, old_path_purge_at, version`

func (s *SQLStore) ScheduleAttempt(ctx context.Context, a *model.RotationAttempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Claim the in-flight slot. Concurrent claimers serialize on the row
	// lock and all but one see zero rows affected.
	res, err := tx.ExecContext(ctx, s.q(`UPDATE credentials SET inflight_attempt_id = ? WHERE id = ? AND inflight_attempt_id IS NULL`),
		a.ID, a.CredentialID)
	if err != nil {
		return fmt.Errorf("claim in-flight slot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var count int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM credentials WHERE id = ?`), a.CredentialID).Scan(&count); err != nil {
			return fmt.Errorf("check credential: %w", err)
		}
		if count == 0 {
			return dserrors.NotFound("credential", a.CredentialID)
		}
		return dserrors.ErrAttemptInFlight
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM rotation_attempts WHERE credential_id = ?`),
		a.CredentialID).Scan(&seq); err != nil {
		return fmt.Errorf("next attempt sequence: %w", err)
	}

	d := s.dialect
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO rotation_attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.CredentialID, seq, string(a.Status), string(a.RotationType), nullStr(a.TriggeredBy), nullStr(a.Reason),
		d.timeValue(timeOrNow(a.ScheduledAt)), d.nullTimeValue(a.StartedAt), d.nullTimeValue(a.CompletedAt),
		a.RetryCount, a.MaxRetries, d.nullTimeValue(a.NextRetryAt),
		nullStr(a.OldVaultPath), nullStr(a.OldVaultVersion), nullStr(a.NewVaultPath), nullStr(a.NewVaultVersion),
		nullStr(a.ErrorMessage), a.DurationSeconds, a.RollbackAvailable, d.nullTimeValue(a.OldPathPurgeAt), 1,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attempt: %w", err)
	}
	a.Sequence = seq
	a.Version = 1
	return nil
}

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (*model.RotationAttempt, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+attemptColumns+` FROM rotation_attempts WHERE id = ?`), id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, dserrors.NotFound("rotation attempt", id)
	}
	return a, err
}

func (s *SQLStore) ListAttempts(ctx context.Context, f AttemptFilter) ([]*model.RotationAttempt, error) {
	var where []string
	var args []any
	if f.CredentialID != "" {
		where = append(where, "credential_id = ?")
		args = append(args, f.CredentialID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.PurgeDueAt != nil {
		where = append(where, "rollback_available = ? AND old_path_purge_at IS NOT NULL AND old_path_purge_at <= ?")
		args = append(args, true, s.dialect.timeValue(*f.PurgeDueAt))
	}

	query := `SELECT ` + attemptColumns + ` FROM rotation_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scheduled_at DESC, sequence DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*model.RotationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateAttempt(ctx context.Context, a *model.RotationAttempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	d := s.dialect
	res, err := tx.ExecContext(ctx, s.q(`UPDATE rotation_attempts SET
		status = ?, triggered_by = ?, reason = ?, started_at = ?, completed_at = ?, retry_count = ?,
		max_retries = ?, next_retry_at = ?, old_vault_path = ?, old_vault_version = ?, new_vault_path = ?,
		new_vault_version = ?, error_message = ?, duration_seconds = ?, rollback_available = ?,
		old_path_purge_at = ?, version = version + 1
		WHERE id = ? AND version = ?`),
		string(a.Status), nullStr(a.TriggeredBy), nullStr(a.Reason), d.nullTimeValue(a.StartedAt),
		d.nullTimeValue(a.CompletedAt), a.RetryCount, a.MaxRetries, d.nullTimeValue(a.NextRetryAt),
		nullStr(a.OldVaultPath), nullStr(a.OldVaultVersion), nullStr(a.NewVaultPath), nullStr(a.NewVaultVersion),
		nullStr(a.ErrorMessage), a.DurationSeconds, a.RollbackAvailable, d.nullTimeValue(a.OldPathPurgeAt),
		a.ID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var count int
		if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM rotation_attempts WHERE id = ?`), a.ID).Scan(&count); err != nil {
			return fmt.Errorf("check attempt: %w", err)
		}
		if count == 0 {
			return dserrors.NotFound("rotation attempt", a.ID)
		}
		return &dserrors.ConflictError{Entity: "rotation attempt", ID: a.ID, Expected: a.Version}
	}

	if a.Status.Terminal() {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE credentials SET inflight_attempt_id = NULL WHERE id = ? AND inflight_attempt_id = ?`),
			a.CredentialID, a.ID); err != nil {
			return fmt.Errorf("release in-flight slot: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attempt: %w", err)
	}
	a.Version++
	return nil
}

func scanAttempt(row rowScanner) (*model.RotationAttempt, error) {
	var (
		a                                model.RotationAttempt
		status, rotationType             string
		triggeredBy, reason              sql.NullString
		oldPath, oldVer, newPath, newVer sql.NullString
		errMsg                           sql.NullString
		duration                         sql.NullFloat64
		scheduled, started, completed    sqlTime
		nextRetry, purgeAt               sqlTime
	)
	err := row.Scan(&a.ID, &a.CredentialID, &a.Sequence, &status, &rotationType, &triggeredBy, &reason,
		&scheduled, &started, &completed, &a.RetryCount, &a.MaxRetries, &nextRetry,
		&oldPath, &oldVer, &newPath, &newVer, &errMsg,
		&duration, &a.RollbackAvailable, &purgeAt, &a.Version)
	if err != nil {
		return nil, err
	}
	a.Status = model.AttemptStatus(status)
	a.RotationType = model.RotationType(rotationType)
	a.TriggeredBy, a.Reason = triggeredBy.String, reason.String
	a.ScheduledAt = scheduled.Time
	a.StartedAt, a.CompletedAt, a.NextRetryAt, a.OldPathPurgeAt = started.ptr(), completed.ptr(), nextRetry.ptr(), purgeAt.ptr()
	a.OldVaultPath, a.OldVaultVersion = oldPath.String, oldVer.String
	a.NewVaultPath, a.NewVaultVersion = newPath.String, newVer.String
	a.ErrorMessage = errMsg.String
	a.DurationSeconds = duration.Float64
	return &a, nil
}

// --- Audit ---

const auditColumns = `id, sequence, event_type, event_subtype, action, result, ts,
	actor_user_id, actor_service_id, actor_principal, actor_display_name,
	target_resource_type, target_resource_id, target_resource_name, description, details,
	source_ip, correlation_id, severity, risk_score, suspicious, retention_date, checksum`

func (s *SQLStore) InsertAudit(ctx context.Context, r *model.AuditRecord) error {
	var details any
	if len(r.Details) > 0 {
		raw, err := json.Marshal(r.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = string(raw)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM audit_records WHERE id = ?`), r.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check audit record: %w", err)
	}
	if exists > 0 {
		return &dserrors.ImmutabilityError{RecordID: r.ID, Op: "insert"}
	}

	seq, err := s.nextAuditSequence(ctx, tx, r.Target.ResourceID)
	if err != nil {
		return err
	}

	d := s.dialect
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO audit_records (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, seq, string(r.EventType), nullStr(r.EventSubtype), r.Action, string(r.Result), d.timeValue(r.Timestamp),
		nullStr(r.Actor.UserID), nullStr(r.Actor.ServiceIdentityID), nullStr(r.Actor.PrincipalName), nullStr(r.Actor.DisplayName),
		nullStr(r.Target.ResourceType), nullStr(r.Target.ResourceID), nullStr(r.Target.ResourceName),
		nullStr(r.Description), details, nullStr(r.SourceIP), nullStr(r.CorrelationID),
		string(r.Severity), r.RiskScore, r.Suspicious, d.timeValue(r.RetentionDate), r.Checksum,
	)
	if err != nil {
		if d.IsUniqueViolation(err) {
			return &dserrors.ImmutabilityError{RecordID: r.ID, Op: "insert"}
		}
		return fmt.Errorf("insert audit record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit record: %w", err)
	}
	r.Sequence = seq
	return nil
}

// nextAuditSequence bumps the per-target counter. The counter survives
// purges so sequences never repeat for a target.
func (s *SQLStore) nextAuditSequence(ctx context.Context, tx *sql.Tx, target string) (int64, error) {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE audit_sequences SET last_seq = last_seq + 1 WHERE target_id = ?`), target)
	if err != nil {
		return 0, fmt.Errorf("bump audit sequence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO audit_sequences (target_id, last_seq) VALUES (?, 1)`), target); err != nil {
			return 0, fmt.Errorf("init audit sequence: %w", err)
		}
		return 1, nil
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, s.q(`SELECT last_seq FROM audit_sequences WHERE target_id = ?`), target).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read audit sequence: %w", err)
	}
	return seq, nil
}

func (s *SQLStore) GetAudit(ctx context.Context, id string) (*model.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+auditColumns+` FROM audit_records WHERE id = ?`), id)
	r, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return nil, dserrors.NotFound("audit record", id)
	}
	return r, err
}

func (s *SQLStore) ListAudit(ctx context.Context, f AuditFilter) ([]*model.AuditRecord, error) {
	var where []string
	var args []any
	d := s.dialect
	if f.TargetID != "" {
		where = append(where, "target_resource_id = ?")
		args = append(args, f.TargetID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.EventType))
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, d.timeValue(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, d.timeValue(f.Until))
	}
	if f.RetentionBefore != nil {
		where = append(where, "retention_date <= ?")
		args = append(args, d.timeValue(*f.RetentionBefore))
	}

	query := `SELECT ` + auditColumns + ` FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts ASC, sequence ASC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []*model.AuditRecord
	for rows.Next() {
		r, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) PurgeAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM audit_records WHERE retention_date <= ?`), s.dialect.timeValue(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge audit records: %w", err)
	}
	return res.RowsAffected()
}

func scanAudit(row rowScanner) (*model.AuditRecord, error) {
	var (
		r                                model.AuditRecord
		eventType, result, severity      string
		subtype, userID, serviceID       sql.NullString
		principal, display               sql.NullString
		targetType, targetID, targetName sql.NullString
		description, details, ip, corrID sql.NullString
		ts, retention                    sqlTime
	)
	err := row.Scan(&r.ID, &r.Sequence, &eventType, &subtype, &r.Action, &result, &ts,
		&userID, &serviceID, &principal, &display,
		&targetType, &targetID, &targetName, &description, &details,
		&ip, &corrID, &severity, &r.RiskScore, &r.Suspicious, &retention, &r.Checksum)
	if err != nil {
		return nil, err
	}
	r.EventType = model.EventType(eventType)
	r.EventSubtype = subtype.String
	r.Result = model.AuditResult(result)
	r.Timestamp = ts.Time
	r.Actor = model.Actor{UserID: userID.String, ServiceIdentityID: serviceID.String, PrincipalName: principal.String, DisplayName: display.String}
	r.Target = model.Target{ResourceType: targetType.String, ResourceID: targetID.String, ResourceName: targetName.String}
	r.Description = description.String
	r.SourceIP, r.CorrelationID = ip.String, corrID.String
	r.Severity = model.Severity(severity)
	r.RetentionDate = retention.Time
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &r.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details for %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func duplicatePath(path string) error {
	return &dserrors.ValidationError{Field: "vault_path", Message: path, Err: dserrors.ErrDuplicateVaultPath}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}


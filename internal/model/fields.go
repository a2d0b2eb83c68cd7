package model

import "time"

// AuditFields records who created and last changed a row.
type AuditFields struct {
	CreatedBy string    `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	UpdatedBy string    `json:"updated_by,omitempty" yaml:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Touch stamps the update columns.
func (f *AuditFields) Touch(by string, at time.Time) {
	if by != "" {
		f.UpdatedBy = by
	}
	f.UpdatedAt = at
}

// VersionFields carries the optimistic concurrency counter. A write must
// present the version it read; the store bumps it on success.
type VersionFields struct {
	Version int64 `json:"version" yaml:"version"`
}

// SoftDelete hides a row from registry queries without removing it.
type SoftDelete struct {
	Deleted   bool       `json:"deleted,omitempty" yaml:"deleted,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// Visible reports whether the row should appear in ordinary queries.
func (s SoftDelete) Visible() bool {
	return !s.Deleted
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/model"
)

// MemoryStore keeps everything in process memory. It is the default for
// tests and single-shot CLI runs.
type MemoryStore struct {
	mu          sync.RWMutex
	credentials map[string]*model.Credential
	attempts    map[string]*model.RotationAttempt
	audit       map[string]*model.AuditRecord
	// auditSeq holds the last sequence handed out per target resource.
	auditSeq map[string]int64

	// onWrite is called with the lock held after every successful mutation.
	onWrite func() error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials: make(map[string]*model.Credential),
		attempts:    make(map[string]*model.RotationAttempt),
		audit:       make(map[string]*model.AuditRecord),
		auditSeq:    make(map[string]int64),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) committed() error {
	if m.onWrite == nil {
		return nil
	}
	return m.onWrite()
}

// --- Credentials ---

func (m *MemoryStore) CreateCredential(_ context.Context, c *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[c.ID]; ok {
		return dserrors.NewValidationError("id", "credential %s already exists", c.ID)
	}
	for _, existing := range m.credentials {
		if existing.VaultPath == c.VaultPath {
			return &dserrors.ValidationError{Field: "vault_path", Message: c.VaultPath, Err: dserrors.ErrDuplicateVaultPath}
		}
	}
	c.Version = 1
	c.InFlightAttemptID = ""
	m.credentials[c.ID] = c.Clone()
	return m.committed()
}

func (m *MemoryStore) GetCredential(_ context.Context, id string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[id]
	if !ok {
		return nil, dserrors.NotFound("credential", id)
	}
	return c.Clone(), nil
}

func (m *MemoryStore) ListCredentials(_ context.Context, f CredentialFilter) ([]*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Credential
	for _, c := range m.credentials {
		if f.match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) UpdateCredential(_ context.Context, c *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.credentials[c.ID]
	if !ok {
		return dserrors.NotFound("credential", c.ID)
	}
	if existing.Version != c.Version {
		return &dserrors.ConflictError{Entity: "credential", ID: c.ID, Expected: c.Version}
	}
	if existing.VaultPath != c.VaultPath {
		for id, other := range m.credentials {
			if id != c.ID && other.VaultPath == c.VaultPath {
				return &dserrors.ValidationError{Field: "vault_path", Message: c.VaultPath, Err: dserrors.ErrDuplicateVaultPath}
			}
		}
	}
	next := c.Clone()
	next.Version = existing.Version + 1
	next.InFlightAttemptID = existing.InFlightAttemptID
	m.credentials[c.ID] = next
	c.Version = next.Version
	c.InFlightAttemptID = next.InFlightAttemptID
	return m.committed()
}

// --- Attempts ---

func (m *MemoryStore) ScheduleAttempt(_ context.Context, a *model.RotationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.credentials[a.CredentialID]
	if !ok {
		return dserrors.NotFound("credential", a.CredentialID)
	}
	if c.InFlightAttemptID != "" {
		return dserrors.ErrAttemptInFlight
	}
	if _, dup := m.attempts[a.ID]; dup {
		return dserrors.NewValidationError("id", "attempt %s already exists", a.ID)
	}

	var seq int64
	for _, other := range m.attempts {
		if other.CredentialID == a.CredentialID && other.Sequence > seq {
			seq = other.Sequence
		}
	}
	a.Sequence = seq + 1
	a.Version = 1
	m.attempts[a.ID] = a.Clone()
	c.InFlightAttemptID = a.ID
	return m.committed()
}

func (m *MemoryStore) GetAttempt(_ context.Context, id string) (*model.RotationAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, dserrors.NotFound("rotation attempt", id)
	}
	return a.Clone(), nil
}

func (m *MemoryStore) ListAttempts(_ context.Context, f AttemptFilter) ([]*model.RotationAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.RotationAttempt
	for _, a := range m.attempts {
		if f.match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.After(out[j].ScheduledAt)
		}
		if out[i].CredentialID == out[j].CredentialID {
			return out[i].Sequence > out[j].Sequence
		}
		return out[i].ID > out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) UpdateAttempt(_ context.Context, a *model.RotationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.attempts[a.ID]
	if !ok {
		return dserrors.NotFound("rotation attempt", a.ID)
	}
	if existing.Version != a.Version {
		return &dserrors.ConflictError{Entity: "rotation attempt", ID: a.ID, Expected: a.Version}
	}
	next := a.Clone()
	next.Version = existing.Version + 1
	next.Sequence = existing.Sequence
	next.CredentialID = existing.CredentialID
	m.attempts[a.ID] = next
	a.Version = next.Version

	if next.Status.Terminal() {
		if c, ok := m.credentials[next.CredentialID]; ok && c.InFlightAttemptID == next.ID {
			c.InFlightAttemptID = ""
		}
	}
	return m.committed()
}

// --- Audit ---

func (m *MemoryStore) InsertAudit(_ context.Context, r *model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.audit[r.ID]; ok {
		return &dserrors.ImmutabilityError{RecordID: r.ID, Op: "insert"}
	}
	key := r.Target.ResourceID
	m.auditSeq[key]++
	r.Sequence = m.auditSeq[key]
	m.audit[r.ID] = r.Clone()
	return m.committed()
}

func (m *MemoryStore) GetAudit(_ context.Context, id string) (*model.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.audit[id]
	if !ok {
		return nil, dserrors.NotFound("audit record", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListAudit(_ context.Context, f AuditFilter) ([]*model.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.AuditRecord
	for _, r := range m.audit {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].Target.ResourceID == out[j].Target.ResourceID {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].ID < out[j].ID
	})
	return limit(out, f.Limit), nil
}

func (m *MemoryStore) PurgeAudit(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, r := range m.audit {
		if !r.RetentionDate.After(cutoff) {
			delete(m.audit, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, m.committed()
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

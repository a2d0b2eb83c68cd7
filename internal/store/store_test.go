package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/credrotate/internal/errors"
	"github.com/systmms/credrotate/internal/model"
)

var baseTime = time.Date(2026, 5, 4, 10, 30, 0, 123456000, time.UTC)

func newLibSQLStore(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQL(LibSQL, "file:"+dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFileStore(t *testing.T) Store {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"file":   newFileStore,
		"libsql": newLibSQLStore,
	}
}

func seedCredential(t *testing.T, s Store, mutate ...func(*model.Credential)) *model.Credential {
	t.Helper()
	id := uuid.NewString()
	c := &model.Credential{
		ID:                    id,
		OwnerID:               "svc-billing",
		Name:                  "billing-db",
		Kind:                  model.KindPassword,
		VaultPath:             "credentials/svc-billing/password/20260504/" + id,
		Status:                model.CredentialActive,
		RotationFrequencyDays: 30,
		AutoRotationEnabled:   true,
		NotificationDays:      model.DefaultNotificationDays,
		AuditFields:           model.AuditFields{CreatedBy: "tester", CreatedAt: baseTime, UpdatedAt: baseTime},
	}
	for _, m := range mutate {
		m(c)
	}
	require.NoError(t, s.CreateCredential(context.Background(), c))
	return c
}

func newAttempt(credID string) *model.RotationAttempt {
	return &model.RotationAttempt{
		ID:           uuid.NewString(),
		CredentialID: credID,
		Status:       model.AttemptScheduled,
		RotationType: model.RotationAutomatic,
		ScheduledAt:  baseTime,
		MaxRetries:   model.DefaultMaxRetries,
	}
}

func TestStoreCredentials(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)

			expires := baseTime.Add(90 * 24 * time.Hour)
			c := seedCredential(t, s, func(c *model.Credential) { c.ExpiresAt = &expires })
			assert.Equal(t, int64(1), c.Version)

			got, err := s.GetCredential(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, c.VaultPath, got.VaultPath)
			assert.Equal(t, model.KindPassword, got.Kind)
			assert.True(t, got.AutoRotationEnabled)
			assert.Nil(t, got.NextRotationAt)
			require.NotNil(t, got.ExpiresAt)
			assert.True(t, expires.Equal(*got.ExpiresAt))
			assert.True(t, baseTime.Truncate(time.Microsecond).Equal(got.CreatedAt))

			_, err = s.GetCredential(ctx, "missing")
			assert.ErrorIs(t, err, dserrors.ErrNotFound)

			dup := &model.Credential{ID: uuid.NewString(), OwnerID: "x", Name: "x", Kind: model.KindToken,
				VaultPath: c.VaultPath, Status: model.CredentialActive, RotationFrequencyDays: 1}
			err = s.CreateCredential(ctx, dup)
			assert.ErrorIs(t, err, dserrors.ErrDuplicateVaultPath)
			assert.ErrorIs(t, err, dserrors.ErrValidation)
		})
	}
}

func TestStoreUpdateCredentialVersioning(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)
			c := seedCredential(t, s)

			first, err := s.GetCredential(ctx, c.ID)
			require.NoError(t, err)
			second, err := s.GetCredential(ctx, c.ID)
			require.NoError(t, err)

			first.UseCount++
			require.NoError(t, s.UpdateCredential(ctx, first))
			assert.Equal(t, int64(2), first.Version)

			second.RotationCount++
			err = s.UpdateCredential(ctx, second)
			assert.ErrorIs(t, err, dserrors.ErrConcurrentModification)

			got, err := s.GetCredential(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.UseCount)
			assert.Equal(t, 0, got.RotationCount)

			ghost := c.Clone()
			ghost.ID = "ghost"
			assert.ErrorIs(t, s.UpdateCredential(ctx, ghost), dserrors.ErrNotFound)
		})
	}
}

func TestStoreListCredentialsFilters(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)
			now := baseTime.Add(time.Hour)
			past, future := now.Add(-time.Minute), now.Add(time.Minute)

			never := seedCredential(t, s)
			due := seedCredential(t, s, func(c *model.Credential) { c.NextRotationAt = &past })
			atNow := seedCredential(t, s, func(c *model.Credential) { c.NextRotationAt = &now })
			seedCredential(t, s, func(c *model.Credential) { c.NextRotationAt = &future })
			seedCredential(t, s, func(c *model.Credential) { c.AutoRotationEnabled = false; c.NextRotationAt = &past })
			seedCredential(t, s, func(c *model.Credential) { c.Status = model.CredentialPendingRotation })
			deleted := seedCredential(t, s, func(c *model.Credential) { c.Deleted = true; c.DeletedAt = &past })
			other := seedCredential(t, s, func(c *model.Credential) { c.OwnerID = "svc-other"; c.ExpiresAt = &future })

			got, err := s.ListCredentials(ctx, CredentialFilter{DueAt: &now})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{never.ID, due.ID, atNow.ID, other.ID}, ids(got))

			all, err := s.ListCredentials(ctx, CredentialFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 7)
			assert.NotContains(t, ids(all), deleted.ID)

			withDeleted, err := s.ListCredentials(ctx, CredentialFilter{IncludeDeleted: true})
			require.NoError(t, err)
			assert.Len(t, withDeleted, 8)

			byOwner, err := s.ListCredentials(ctx, CredentialFilter{OwnerID: "svc-other"})
			require.NoError(t, err)
			assert.Equal(t, []string{other.ID}, ids(byOwner))

			horizon := future.Add(time.Second)
			expiring, err := s.ListCredentials(ctx, CredentialFilter{ExpiresBefore: &horizon})
			require.NoError(t, err)
			assert.Equal(t, []string{other.ID}, ids(expiring))

			pending, err := s.ListCredentials(ctx, CredentialFilter{Status: model.CredentialPendingRotation, Limit: 5})
			require.NoError(t, err)
			assert.Len(t, pending, 1)
		})
	}
}

func TestStoreInFlightSlot(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)
			c := seedCredential(t, s)

			first := newAttempt(c.ID)
			require.NoError(t, s.ScheduleAttempt(ctx, first))
			assert.Equal(t, int64(1), first.Sequence)

			err := s.ScheduleAttempt(ctx, newAttempt(c.ID))
			assert.ErrorIs(t, err, dserrors.ErrAttemptInFlight)

			// A credential write from a stale read must not free the slot.
			cred, err := s.GetCredential(ctx, c.ID)
			require.NoError(t, err)
			assert.Equal(t, first.ID, cred.InFlightAttemptID)
			cred.InFlightAttemptID = ""
			cred.UseCount = 7
			require.NoError(t, s.UpdateCredential(ctx, cred))
			assert.ErrorIs(t, s.ScheduleAttempt(ctx, newAttempt(c.ID)), dserrors.ErrAttemptInFlight)

			started := baseTime.Add(time.Second)
			first.Status = model.AttemptInProgress
			first.StartedAt = &started
			require.NoError(t, s.UpdateAttempt(ctx, first))
			assert.ErrorIs(t, s.ScheduleAttempt(ctx, newAttempt(c.ID)), dserrors.ErrAttemptInFlight)

			first.Status = model.AttemptCompleted
			require.NoError(t, s.UpdateAttempt(ctx, first))

			cred, err = s.GetCredential(ctx, c.ID)
			require.NoError(t, err)
			assert.Empty(t, cred.InFlightAttemptID)

			second := newAttempt(c.ID)
			second.ScheduledAt = baseTime.Add(time.Minute)
			require.NoError(t, s.ScheduleAttempt(ctx, second))
			assert.Equal(t, int64(2), second.Sequence)

			assert.ErrorIs(t, s.ScheduleAttempt(ctx, newAttempt("missing")), dserrors.ErrNotFound)

			history, err := s.ListAttempts(ctx, AttemptFilter{CredentialID: c.ID})
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, second.ID, history[0].ID, "newest first")
			assert.Equal(t, model.AttemptCompleted, history[1].Status)
			require.NotNil(t, history[1].StartedAt)
			assert.True(t, started.Equal(*history[1].StartedAt))
		})
	}
}

func TestStoreConcurrentScheduleSingleWinner(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)
			c := seedCredential(t, s)

			const callers = 8
			var wg sync.WaitGroup
			errs := make([]error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = s.ScheduleAttempt(ctx, newAttempt(c.ID))
				}(i)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				assert.ErrorIs(t, err, dserrors.ErrAttemptInFlight)
			}
			assert.Equal(t, 1, wins)

			attempts, err := s.ListAttempts(ctx, AttemptFilter{CredentialID: c.ID})
			require.NoError(t, err)
			assert.Len(t, attempts, 1)
		})
	}
}

func TestStoreAttemptVersioning(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)
			c := seedCredential(t, s)
			a := newAttempt(c.ID)
			require.NoError(t, s.ScheduleAttempt(ctx, a))

			stale, err := s.GetAttempt(ctx, a.ID)
			require.NoError(t, err)

			a.Status = model.AttemptCancelled
			require.NoError(t, s.UpdateAttempt(ctx, a))

			stale.Status = model.AttemptInProgress
			assert.ErrorIs(t, s.UpdateAttempt(ctx, stale), dserrors.ErrConcurrentModification)

			_, err = s.GetAttempt(ctx, "nope")
			assert.ErrorIs(t, err, dserrors.ErrNotFound)
		})
	}
}

func TestStorePurgeDueAttempts(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)
			c := seedCredential(t, s)

			a := newAttempt(c.ID)
			require.NoError(t, s.ScheduleAttempt(ctx, a))
			purgeAt := baseTime.Add(24 * time.Hour)
			a.Status = model.AttemptCompleted
			a.RollbackAvailable = true
			a.OldPathPurgeAt = &purgeAt
			a.OldVaultPath = "credentials/old"
			require.NoError(t, s.UpdateAttempt(ctx, a))

			early := purgeAt.Add(-time.Second)
			got, err := s.ListAttempts(ctx, AttemptFilter{PurgeDueAt: &early})
			require.NoError(t, err)
			assert.Empty(t, got)

			got, err = s.ListAttempts(ctx, AttemptFilter{PurgeDueAt: &purgeAt})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "credentials/old", got[0].OldVaultPath)
		})
	}
}

func TestStoreAudit(t *testing.T) {
	t.Parallel()

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)

			mk := func(target string, offset time.Duration, retention time.Time) *model.AuditRecord {
				return &model.AuditRecord{
					ID:            uuid.NewString(),
					EventType:     model.EventCredentialRotation,
					Action:        model.ActionScheduled,
					Result:        model.ResultSuccess,
					Timestamp:     baseTime.Add(offset).Truncate(time.Microsecond),
					Actor:         model.SystemActor,
					Target:        model.Target{ResourceType: "credential", ResourceID: target},
					Description:   "scheduled",
					Details:       map[string]interface{}{"attempt": "a1"},
					Severity:      model.SeverityInfo,
					RetentionDate: retention,
					Checksum:      fmt.Sprintf("%064d", 1),
				}
			}

			soon := baseTime.Add(time.Hour)
			later := baseTime.Add(365 * 24 * time.Hour)
			a1 := mk("c1", 0, soon)
			a2 := mk("c1", time.Second, later)
			b1 := mk("c2", 2*time.Second, soon)
			for _, r := range []*model.AuditRecord{a1, a2, b1} {
				require.NoError(t, s.InsertAudit(ctx, r))
			}
			assert.Equal(t, int64(1), a1.Sequence)
			assert.Equal(t, int64(2), a2.Sequence)
			assert.Equal(t, int64(1), b1.Sequence)

			again := a1.Clone()
			again.Description = "rewritten"
			assert.ErrorIs(t, s.InsertAudit(ctx, again), dserrors.ErrImmutabilityViolation)

			got, err := s.GetAudit(ctx, a1.ID)
			require.NoError(t, err)
			assert.Equal(t, "scheduled", got.Description)
			assert.Equal(t, "a1", got.Details["attempt"])
			assert.True(t, a1.Timestamp.Equal(got.Timestamp))
			assert.Equal(t, model.SystemActor, got.Actor)

			forC1, err := s.ListAudit(ctx, AuditFilter{TargetID: "c1"})
			require.NoError(t, err)
			assert.Equal(t, []string{a1.ID, a2.ID}, auditIDs(forC1))

			expired, err := s.ListAudit(ctx, AuditFilter{RetentionBefore: &soon})
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{a1.ID, b1.ID}, auditIDs(expired))

			n, err := s.PurgeAudit(ctx, soon)
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			left, err := s.ListAudit(ctx, AuditFilter{})
			require.NoError(t, err)
			assert.Equal(t, []string{a2.ID}, auditIDs(left))

			// Sequences keep counting after a purge.
			a3 := mk("c1", 3*time.Second, later)
			require.NoError(t, s.InsertAudit(ctx, a3))
			assert.Equal(t, int64(3), a3.Sequence)
		})
	}
}

func ids(cs []*model.Credential) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ID)
	}
	return out
}

func auditIDs(rs []*model.AuditRecord) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/models"
	"account-security/internal/repository"
)

func TestRemoveBackupCodeConsumedOnce(t *testing.T) {
	ctx := context.Background()
	repo := New()
	require.NoError(t, repo.EnableTwoFactor(ctx, "u1", "SECRET", []string{"abcd1234", "ZZZZ9999"}))

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.RemoveBackupCode(ctx, "u1", "ABCD1234")
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	u, err := repo.GetUserSecurity(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ZZZZ9999"}, u.BackupCodes)
}

func TestEnableTwoFactorConflict(t *testing.T) {
	ctx := context.Background()
	repo := New()
	require.NoError(t, repo.EnableTwoFactor(ctx, "u1", "S1", nil))
	err := repo.EnableTwoFactor(ctx, "u1", "S2", nil)
	assert.ErrorIs(t, err, repository.ErrConflict)

	u, _ := repo.GetUserSecurity(ctx, "u1")
	assert.Equal(t, "S1", u.TwoFactorSecret)
}

func TestIncrementFailedAttemptsLocksExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := New()
	lockUntil := time.Now().Add(30 * time.Minute)

	var locks int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := repo.IncrementFailedAttempts(ctx, "u1", 5, lockUntil)
			assert.NoError(t, err)
			if res.Locked {
				atomic.AddInt32(&locks, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), locks)
	u, _ := repo.GetUserSecurity(ctx, "u1")
	assert.Equal(t, 0, u.FailedLoginAttempts)
	require.NotNil(t, u.LockedUntil)
	assert.True(t, u.LockedUntil.Equal(lockUntil))
}

func TestResetFailedAttemptsKeepsLock(t *testing.T) {
	ctx := context.Background()
	repo := New()
	until := time.Now().Add(time.Hour)
	repo.PutUserSecurity(&models.UserSecurity{UserID: "u1", FailedLoginAttempts: 3, LockedUntil: &until})

	require.NoError(t, repo.ResetFailedAttempts(ctx, "u1", time.Now()))
	u, _ := repo.GetUserSecurity(ctx, "u1")
	assert.Equal(t, 0, u.FailedLoginAttempts)
	assert.NotNil(t, u.LockedUntil)
	assert.NotNil(t, u.LastLoginAt)

	require.NoError(t, repo.ClearLock(ctx, "u1"))
	u, _ = repo.GetUserSecurity(ctx, "u1")
	assert.Nil(t, u.LockedUntil)
}

func TestSessionTermination(t *testing.T) {
	ctx := context.Background()
	repo := New()
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateSession(ctx, &models.Session{
			ID:           fmt.Sprintf("s%d", i),
			UserID:       "u1",
			SessionToken: fmt.Sprintf("tok%d", i),
			ExpiresAt:    now.Add(time.Hour),
		}))
	}

	changed, err := repo.TerminateSession(ctx, "s0", "user_request")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.TerminateSession(ctx, "s0", "user_request")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = repo.TerminateSession(ctx, "missing", "x")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	n, err := repo.TerminateUserSessions(ctx, "u1", "tok2", "terminate_all")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, err := repo.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.False(t, s.Terminated)
}

func TestTerminateExpiredSessions(t *testing.T) {
	ctx := context.Background()
	repo := New()
	now := time.Now()
	require.NoError(t, repo.CreateSession(ctx, &models.Session{ID: "old", UserID: "u1", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, repo.CreateSession(ctx, &models.Session{ID: "new", UserID: "u1", ExpiresAt: now.Add(time.Minute)}))

	n, err := repo.TerminateExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, _ := repo.GetSession(ctx, "old")
	assert.True(t, s.Terminated)
	assert.Equal(t, "expired", s.TerminatedReason)
}

func TestQueryAuditLogsPagingAndFilters(t *testing.T) {
	ctx := context.Background()
	repo := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		action := models.ActionLoginSuccess
		if i%2 == 1 {
			action = models.ActionLoginFailed
		}
		require.NoError(t, repo.AppendAuditLog(ctx, &models.AuditLogEntry{
			ID:        fmt.Sprintf("e%d", i),
			UserID:    "u1",
			Action:    action,
			Success:   action == models.ActionLoginSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.AppendAuditLog(ctx, &models.AuditLogEntry{ID: "other", UserID: "u2", Action: models.ActionLogout, Timestamp: base}))

	entries, total, err := repo.QueryAuditLogs(ctx, repository.AuditQuery{UserID: "u1", Offset: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	require.Len(t, entries, 3)
	assert.Equal(t, "e7", entries[0].ID)
	assert.Equal(t, "e5", entries[2].ID)

	failed := false
	entries, total, err = repo.QueryAuditLogs(ctx, repository.AuditQuery{
		UserID:  "u1",
		Actions: []models.AuditAction{models.ActionLoginFailed},
		Success: &failed,
		Since:   base.Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, entries, 3)

	entries, total, err = repo.QueryAuditLogs(ctx, repository.AuditQuery{UserID: "u1", Offset: 50})
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	assert.Empty(t, entries)
}

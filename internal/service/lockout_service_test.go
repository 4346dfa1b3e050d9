package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/models"
)

func TestLockoutAfterFiveFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.LockoutService()
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		res, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, i, res.Attempts)
		assert.False(t, res.Locked)
	}
	locked, err := svc.IsLocked(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, locked)

	res, err := svc.RecordFailure(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, res.Locked)

	user, _ := env.repo.GetUserSecurity(ctx, "u1")
	assert.Equal(t, 0, user.FailedLoginAttempts)
	require.NotNil(t, user.LockedUntil)
	assert.Equal(t, env.clock.Now().Add(30*time.Minute), *user.LockedUntil)

	// A racing success must not clear the lock.
	require.NoError(t, svc.RecordSuccess(ctx, "u1"))
	locked, _ = svc.IsLocked(ctx, "u1")
	assert.True(t, locked)

	var lockedErr *AccountLockedError
	err = svc.CheckLocked(ctx, "u1")
	require.ErrorAs(t, err, &lockedErr)
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Equal(t, *user.LockedUntil, lockedErr.LockedUntil)

	env.clock.Advance(29 * time.Minute)
	locked, _ = svc.IsLocked(ctx, "u1")
	assert.True(t, locked)

	env.clock.Advance(time.Minute + time.Second)
	locked, _ = svc.IsLocked(ctx, "u1")
	assert.False(t, locked)

	entries := env.auditEntries(t, "u1", models.ActionAccountLocked)
	require.Len(t, entries, 1)
	assert.Equal(t, user.LockedUntil.UTC().Format(time.RFC3339), entries[0].Details["unlock_at"])
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.LockoutService()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
	}
	require.NoError(t, svc.RecordSuccess(ctx, "u1"))

	res, err := svc.RecordFailure(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Locked)

	user, _ := env.repo.GetUserSecurity(ctx, "u1")
	require.NotNil(t, user.LastLoginAt)
	assert.True(t, user.LastLoginAt.Equal(env.clock.Now()))
}

func TestManualUnlock(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.LockoutService()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.RecordFailure(ctx, "u1")
		require.NoError(t, err)
	}
	require.NoError(t, svc.Unlock(ctx, "u1"))

	locked, err := svc.IsLocked(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, locked)

	entries := env.auditEntries(t, "u1", models.ActionAccountUnlocked)
	require.Len(t, entries, 1)
	assert.Equal(t, "manual", entries[0].Details["reason"])
}

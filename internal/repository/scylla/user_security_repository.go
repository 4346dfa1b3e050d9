package scylla

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

// Backup codes are stored as SHA-256 digests; the plaintext is only ever
// shown to the user once at setup.
func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func hashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = hashBackupCode(c)
	}
	return out
}

// ensureUserSecurity materializes the default row so that conditional
// updates have something to compare against.
func (r *Repository) ensureUserSecurity(ctx context.Context, userID string) error {
	if _, err := r.cas(ctx, stmtEnsureUserSecurity, userID); err != nil {
		return fmt.Errorf("failed to ensure user_security row: %w", err)
	}
	return nil
}

func (r *Repository) GetUserSecurity(ctx context.Context, userID string) (*models.UserSecurity, error) {
	var (
		enabled, verified     *bool
		secret                *string
		codes                 []string
		attempts              *int
		lockedUntil, lastSeen *time.Time
		id                    string
	)

	query := r.client.Query(ctx, stmtGetUserSecurity, userID)
	err := r.client.ScanWithRetry(query, &id, &enabled, &secret, &codes, &attempts, &lockedUntil, &lastSeen, &verified)
	if errors.Is(err, gocql.ErrNotFound) {
		return &models.UserSecurity{UserID: userID}, nil
	}
	if err != nil {
		r.logger.Error("Failed to load user security", util.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get user security: %w", err)
	}

	us := &models.UserSecurity{
		UserID:      userID,
		BackupCodes: codes,
		LockedUntil: nonZeroTime(lockedUntil),
		LastLoginAt: nonZeroTime(lastSeen),
	}
	if enabled != nil {
		us.TwoFactorEnabled = *enabled
	}
	if verified != nil {
		us.EmailVerified = *verified
	}
	if attempts != nil {
		us.FailedLoginAttempts = *attempts
	}
	if secret != nil && *secret != "" {
		plain, err := r.crypto.DecryptString(ctx, *secret)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt two-factor secret: %w", err)
		}
		us.TwoFactorSecret = plain
	}
	return us, nil
}

func (r *Repository) EnableTwoFactor(ctx context.Context, userID, secret string, backupCodes []string) error {
	if err := r.ensureUserSecurity(ctx, userID); err != nil {
		return err
	}
	sealed, err := r.crypto.EncryptString(ctx, secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt two-factor secret: %w", err)
	}

	applied, err := r.cas(ctx, stmtEnableTwoFactor, sealed, hashBackupCodes(backupCodes), time.Now().UTC(), userID)
	if err != nil {
		return err
	}
	if !applied {
		return repository.ErrConflict
	}
	r.logger.Info("Two-factor enabled", util.UserID(userID), zap.Int("backup_codes", len(backupCodes)))
	return nil
}

func (r *Repository) DisableTwoFactor(ctx context.Context, userID string) error {
	if err := r.client.Query(ctx, stmtDisableTwoFactor, time.Now().UTC(), userID).Exec(); err != nil {
		return fmt.Errorf("failed to disable two-factor: %w", err)
	}
	return nil
}

func (r *Repository) RemoveBackupCode(ctx context.Context, userID, code string) (bool, error) {
	digest := hashBackupCode(code)

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		var current []string
		query := r.client.Query(ctx, stmtGetBackupCodes, userID).Consistency(gocql.LocalSerial)
		if err := r.client.ScanWithRetry(query, &current); err != nil {
			if errors.Is(err, gocql.ErrNotFound) {
				return false, nil
			}
			return false, fmt.Errorf("failed to read backup codes: %w", err)
		}

		idx := indexOf(current, digest)
		if idx < 0 {
			return false, nil
		}
		remaining := make([]string, 0, len(current)-1)
		remaining = append(remaining, current[:idx]...)
		remaining = append(remaining, current[idx+1:]...)

		applied, err := r.cas(ctx, stmtReplaceBackupCodes, remaining, time.Now().UTC(), userID, current)
		if err != nil {
			return false, err
		}
		if applied {
			return true, nil
		}
	}
	return false, fmt.Errorf("backup code removal for %s: %w", userID, repository.ErrConflict)
}

func (r *Repository) IncrementFailedAttempts(ctx context.Context, userID string, threshold int, lockUntil time.Time) (*repository.FailureResult, error) {
	if err := r.ensureUserSecurity(ctx, userID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		var current *int
		query := r.client.Query(ctx, stmtGetFailedAttempts, userID).Consistency(gocql.LocalSerial)
		if err := r.client.ScanWithRetry(query, &current); err != nil {
			return nil, fmt.Errorf("failed to read failed attempts: %w", notFound(err))
		}
		n := 0
		if current != nil {
			n = *current
		}

		next := n + 1
		now := time.Now().UTC()
		if next >= threshold {
			until := lockUntil.UTC()
			applied, err := r.cas(ctx, stmtLockAccount, until, now, userID, n)
			if err != nil {
				return nil, err
			}
			if applied {
				r.logger.Warn("Account locked", util.UserID(userID), util.Time("locked_until", until))
				return &repository.FailureResult{Attempts: next, Locked: true, LockedUntil: &until}, nil
			}
			continue
		}

		applied, err := r.cas(ctx, stmtSetFailedAttempts, next, now, userID, n)
		if err != nil {
			return nil, err
		}
		if applied {
			return &repository.FailureResult{Attempts: next}, nil
		}
	}
	return nil, fmt.Errorf("failed attempt increment for %s: %w", userID, repository.ErrConflict)
}

func (r *Repository) ResetFailedAttempts(ctx context.Context, userID string, lastLoginAt time.Time) error {
	if err := r.client.Query(ctx, stmtResetFailedAttempts, lastLoginAt.UTC(), time.Now().UTC(), userID).Exec(); err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}

func (r *Repository) ClearLock(ctx context.Context, userID string) error {
	if err := r.client.Query(ctx, stmtClearLock, time.Now().UTC(), userID).Exec(); err != nil {
		return fmt.Errorf("failed to clear lock: %w", err)
	}
	return nil
}

func indexOf(values []string, target string) int {
	for i, v := range values {
		if v == target {
			return i
		}
	}
	return -1
}

func nonZeroTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

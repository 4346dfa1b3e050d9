// Package repository defines the storage contract consumed by the security
// services. Adapters live in the memory and scylla subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"account-security/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("conditional update rejected")
)

// FailureResult is the outcome of an atomic failed-attempt increment.
type FailureResult struct {
	Attempts    int
	Locked      bool
	LockedUntil *time.Time
}

// AuditQuery selects audit entries. Zero values mean "no constraint";
// Limit <= 0 returns every match.
type AuditQuery struct {
	UserID  string
	Actions []models.AuditAction
	Success *bool
	Since   time.Time
	Offset  int
	Limit   int
}

// Matches reports whether entry satisfies every filter in q except paging.
func (q AuditQuery) Matches(entry *models.AuditLogEntry) bool {
	if q.UserID != "" && entry.UserID != q.UserID {
		return false
	}
	if len(q.Actions) > 0 {
		found := false
		for _, a := range q.Actions {
			if entry.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Success != nil && entry.Success != *q.Success {
		return false
	}
	if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

type UserSecurityRepository interface {
	GetUserSecurity(ctx context.Context, userID string) (*models.UserSecurity, error)
	// EnableTwoFactor returns ErrConflict when 2FA is already enabled.
	EnableTwoFactor(ctx context.Context, userID, secret string, backupCodes []string) error
	DisableTwoFactor(ctx context.Context, userID string) error
	// RemoveBackupCode removes code if present. Two concurrent calls with the
	// same code observe exactly one true.
	RemoveBackupCode(ctx context.Context, userID, code string) (bool, error)
	// IncrementFailedAttempts adds one failure. When the count reaches
	// threshold the account is locked until lockUntil and the count resets.
	IncrementFailedAttempts(ctx context.Context, userID string, threshold int, lockUntil time.Time) (*FailureResult, error)
	ResetFailedAttempts(ctx context.Context, userID string, lastLoginAt time.Time) error
	ClearLock(ctx context.Context, userID string) error
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	GetSessionByToken(ctx context.Context, token string) (*models.Session, error)
	ListUserSessions(ctx context.Context, userID string) ([]*models.Session, error)
	// TerminateSession returns false when the session was already terminated.
	TerminateSession(ctx context.Context, sessionID, reason string) (bool, error)
	TerminateUserSessions(ctx context.Context, userID, exceptToken, reason string) (int, error)
	TouchSessions(ctx context.Context, token string, at time.Time) (int, error)
	TerminateExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

type AuditLogRepository interface {
	AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error
	// QueryAuditLogs returns matches newest first and the unpaged total.
	QueryAuditLogs(ctx context.Context, q AuditQuery) ([]*models.AuditLogEntry, int, error)
}

// Repository is the full storage surface of the service.
type Repository interface {
	UserSecurityRepository
	SessionRepository
	AuditLogRepository
	HealthCheck(ctx context.Context) error
}

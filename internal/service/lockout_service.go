package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
)

// LockoutService enforces temporary account lockout after repeated
// authentication failures.
//
//	unlocked --(threshold consecutive failures)--> locked
//	locked   --(duration elapsed | Unlock)-------> unlocked
type LockoutService struct {
	repo   repository.UserSecurityRepository
	audit  *AuditService
	clock  Clock
	policy Policy
	logger *zap.Logger
}

func NewLockoutService(repo repository.UserSecurityRepository, audit *AuditService, clock Clock, policy Policy, logger *zap.Logger) *LockoutService {
	return &LockoutService{
		repo:   repo,
		audit:  audit,
		clock:  clock,
		policy: policy,
		logger: logger.Named("lockout"),
	}
}

// IsLocked reports whether the account is locked right now. Callers should
// treat an error as locked.
func (s *LockoutService) IsLocked(ctx context.Context, userID string) (bool, error) {
	user, err := s.repo.GetUserSecurity(ctx, userID)
	if err != nil {
		return false, repoErr("get user security", err)
	}
	return user.IsLocked(s.clock.Now()), nil
}

// CheckLocked returns an *AccountLockedError when the account is locked.
func (s *LockoutService) CheckLocked(ctx context.Context, userID string) error {
	user, err := s.repo.GetUserSecurity(ctx, userID)
	if err != nil {
		return repoErr("get user security", err)
	}
	if user.IsLocked(s.clock.Now()) {
		return &AccountLockedError{LockedUntil: *user.LockedUntil}
	}
	return nil
}

// RecordFailure counts one failed attempt and locks the account when the
// threshold is reached.
func (s *LockoutService) RecordFailure(ctx context.Context, userID string) (*repository.FailureResult, error) {
	lockUntil := s.clock.Now().Add(s.policy.LockoutDuration)
	res, err := s.repo.IncrementFailedAttempts(ctx, userID, s.policy.LockoutThreshold, lockUntil)
	if err != nil {
		return nil, repoErr("increment failed attempts", err)
	}

	if res.Locked {
		s.logger.Warn("account locked",
			zap.String("user_id", userID),
			zap.Time("locked_until", *res.LockedUntil),
		)
		s.audit.Log(ctx, AuditEvent{
			UserID:  userID,
			Action:  models.ActionAccountLocked,
			Success: true,
			Details: map[string]interface{}{
				"unlock_at": res.LockedUntil.UTC().Format(time.RFC3339),
				"threshold": s.policy.LockoutThreshold,
			},
		})
	}
	return res, nil
}

// RecordSuccess resets the failure counter and stamps the login time. An
// existing lock is left in place.
func (s *LockoutService) RecordSuccess(ctx context.Context, userID string) error {
	return repoErr("reset failed attempts", s.repo.ResetFailedAttempts(ctx, userID, s.clock.Now().UTC()))
}

// Unlock clears a lock ahead of expiry.
func (s *LockoutService) Unlock(ctx context.Context, userID string) error {
	if err := s.repo.ClearLock(ctx, userID); err != nil {
		return repoErr("clear lock", err)
	}
	s.logger.Info("account unlocked", zap.String("user_id", userID))
	s.audit.Log(ctx, AuditEvent{
		UserID:  userID,
		Action:  models.ActionAccountUnlocked,
		Success: true,
		Details: map[string]interface{}{"reason": "manual"},
	})
	return nil
}

package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const sessionTokenBytes = 32

// AuditPage is one page of QueryAuditLog results.
type AuditPage struct {
	Entries []*models.AuditLogEntry `json:"entries"`
	Total   int                     `json:"total"`
	Page    int                     `json:"page"`
	Limit   int                     `json:"limit"`
}

// LoginResult is returned by CompleteLogin.
type LoginResult struct {
	Session    *models.Session `json:"session"`
	Token      string          `json:"token"`
	Suspicious bool            `json:"suspicious"`
}

// AccountSecurityService is the entry point used by the HTTP layer. It
// composes lockout, second factor, sessions and audit into the login flow.
type AccountSecurityService struct {
	users     repository.UserSecurityRepository
	twoFactor *TwoFactorService
	sessions  *SessionService
	lockout   *LockoutService
	audit     *AuditService
	clock     Clock
	policy    Policy
	logger    *zap.Logger
}

func NewAccountSecurityService(
	users repository.UserSecurityRepository,
	twoFactor *TwoFactorService,
	sessions *SessionService,
	lockout *LockoutService,
	audit *AuditService,
	clock Clock,
	policy Policy,
	logger *zap.Logger,
) *AccountSecurityService {
	return &AccountSecurityService{
		users:     users,
		twoFactor: twoFactor,
		sessions:  sessions,
		lockout:   lockout,
		audit:     audit,
		clock:     clock,
		policy:    policy,
		logger:    logger.Named("account_security"),
	}
}

func (s *AccountSecurityService) Setup2FA(ctx context.Context, userID, accountLabel string) (*TwoFactorSetup, error) {
	return s.twoFactor.GenerateSetup(ctx, userID, accountLabel)
}

// Enable2FA confirms a setup with a code computed from the pending secret.
func (s *AccountSecurityService) Enable2FA(ctx context.Context, userID, secret, code string, backupCodes []string, meta RequestMeta) error {
	if !s.twoFactor.VerifyTOTP(secret, code, s.policy.TOTPSkew) {
		s.audit.Log(ctx, meta.event(userID, models.ActionTwoFactorEnable, false, map[string]interface{}{
			"reason": "invalid_code",
		}))
		return ErrInvalidCode
	}
	return s.twoFactor.Enable(ctx, userID, secret, backupCodes, meta)
}

// Disable2FA turns the second factor off after re-verifying it.
func (s *AccountSecurityService) Disable2FA(ctx context.Context, userID, code string, meta RequestMeta) error {
	user, err := s.guardedUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrNotEnabled
	}

	if _, err := s.checkSecondFactor(ctx, user, code, meta); err != nil {
		return err
	}
	return s.twoFactor.Disable(ctx, userID, meta)
}

// Verify2FA checks a TOTP code, then a backup code. Every failure is
// reported as ErrInvalidCode and counts toward lockout.
func (s *AccountSecurityService) Verify2FA(ctx context.Context, userID, code string, meta RequestMeta) error {
	user, err := s.guardedUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.TwoFactorEnabled {
		return ErrNotEnabled
	}

	method, err := s.checkSecondFactor(ctx, user, code, meta)
	if err != nil {
		return err
	}
	s.audit.Log(ctx, meta.event(userID, models.ActionTwoFactorVerify, true, map[string]interface{}{
		"method": method,
	}))
	return nil
}

// guardedUser loads the record and refuses locked accounts. Storage errors
// are returned as is so callers fail closed.
func (s *AccountSecurityService) guardedUser(ctx context.Context, userID string) (*models.UserSecurity, error) {
	user, err := s.users.GetUserSecurity(ctx, userID)
	if err != nil {
		return nil, repoErr("get user security", err)
	}
	if user.IsLocked(s.clock.Now()) {
		return nil, &AccountLockedError{LockedUntil: *user.LockedUntil}
	}
	return user, nil
}

func (s *AccountSecurityService) checkSecondFactor(ctx context.Context, user *models.UserSecurity, code string, meta RequestMeta) (string, error) {
	if s.twoFactor.VerifyTOTP(user.TwoFactorSecret, code, s.policy.TOTPSkew) {
		return "totp", nil
	}

	ok, err := s.twoFactor.VerifyAndConsumeBackupCode(ctx, user.UserID, code, meta)
	if err != nil {
		return "", err
	}
	if ok {
		return "backup_code", nil
	}

	s.audit.Log(ctx, meta.event(user.UserID, models.ActionTwoFactorVerify, false, nil))
	if _, err := s.lockout.RecordFailure(ctx, user.UserID); err != nil {
		s.logger.Error("failed to record verification failure", zap.String("user_id", user.UserID), zap.Error(err))
	}
	return "", ErrInvalidCode
}

func (s *AccountSecurityService) ListSessions(ctx context.Context, userID, currentToken string) ([]*models.Session, error) {
	return s.sessions.ListSessions(ctx, userID, currentToken)
}

func (s *AccountSecurityService) TerminateSession(ctx context.Context, userID, sessionID, reason string, meta RequestMeta) error {
	return s.sessions.TerminateSession(ctx, sessionID, userID, reason, meta)
}

func (s *AccountSecurityService) TerminateAllSessions(ctx context.Context, userID, exceptToken string, meta RequestMeta) (int, error) {
	return s.sessions.TerminateAllSessions(ctx, userID, exceptToken, meta)
}

func (s *AccountSecurityService) QueryAuditLog(ctx context.Context, userID string, filter AuditFilter, page, limit int) (*AuditPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}
	entries, total, err := s.audit.QueryEvents(ctx, userID, filter, page, limit)
	if err != nil {
		return nil, err
	}
	return &AuditPage{Entries: entries, Total: total, Page: page, Limit: limit}, nil
}

func (s *AccountSecurityService) GetSecurityScore(ctx context.Context, userID string) (SecurityScore, error) {
	user, err := s.users.GetUserSecurity(ctx, userID)
	if err != nil {
		return SecurityScore{}, repoErr("get user security", err)
	}
	failed, err := s.audit.CountFailedEvents(ctx, userID, s.policy.ScoreWindowDays)
	if err != nil {
		return SecurityScore{}, err
	}
	return CalculateSecurityScore(user, ScoreStats{
		FailedEvents: failed,
		WindowDays:   s.policy.ScoreWindowDays,
		Now:          s.clock.Now(),
	}), nil
}

// BeginLogin records the attempt and refuses locked accounts. Primary
// credentials are checked by the caller afterwards.
func (s *AccountSecurityService) BeginLogin(ctx context.Context, userID string, meta RequestMeta) error {
	err := s.lockout.CheckLocked(ctx, userID)
	details := map[string]interface{}{}
	var locked *AccountLockedError
	if errors.As(err, &locked) {
		details["reason"] = "account_locked"
	}
	s.audit.Log(ctx, meta.event(userID, models.ActionLoginAttempt, err == nil, details))
	return err
}

// FailLogin records a rejected primary credential.
func (s *AccountSecurityService) FailLogin(ctx context.Context, userID, reason string, meta RequestMeta) error {
	if err := s.lockout.CheckLocked(ctx, userID); err != nil {
		return err
	}
	s.audit.Log(ctx, meta.event(userID, models.ActionLoginFailed, false, map[string]interface{}{
		"reason": normalizeReason(reason, "invalid_credentials"),
	}))

	res, err := s.lockout.RecordFailure(ctx, userID)
	if err != nil {
		return err
	}
	if res.Locked {
		return &AccountLockedError{LockedUntil: *res.LockedUntil}
	}
	return nil
}

// CompleteLogin issues a session after primary credentials were accepted.
// When the account has 2FA enabled, code must be a valid TOTP or backup
// code; it is ignored otherwise.
func (s *AccountSecurityService) CompleteLogin(ctx context.Context, userID, code string, meta RequestMeta) (*LoginResult, error) {
	user, err := s.guardedUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TwoFactorEnabled {
		method, err := s.checkSecondFactor(ctx, user, code, meta)
		if err != nil {
			return nil, err
		}
		s.audit.Log(ctx, meta.event(userID, models.ActionTwoFactorVerify, true, map[string]interface{}{
			"method": method,
		}))
	}

	suspicious, err := s.audit.DetectSuspiciousActivity(ctx, userID, meta.IPAddress)
	if err != nil {
		s.logger.Warn("suspicious activity check failed", zap.String("user_id", userID), zap.Error(err))
		suspicious = false
	}

	if err := s.lockout.RecordSuccess(ctx, userID); err != nil {
		return nil, err
	}

	token, err := NewSessionToken()
	if err != nil {
		return nil, err
	}
	session, err := s.sessions.CreateSession(ctx, userID, token, s.clock.Now().Add(s.policy.SessionTTL), meta.IPAddress, meta.UserAgent)
	if err != nil {
		return nil, err
	}

	meta.SessionID = session.ID
	s.audit.Log(ctx, meta.event(userID, models.ActionLoginSuccess, true, nil))
	if suspicious {
		s.logger.Warn("suspicious login", util.UserID(userID), util.IP(meta.IPAddress))
		s.audit.Log(ctx, meta.event(userID, models.ActionSuspiciousActivity, true, map[string]interface{}{
			"trigger": "login",
		}))
	}

	return &LoginResult{Session: session, Token: token, Suspicious: suspicious}, nil
}

// Logout terminates the session holding token.
func (s *AccountSecurityService) Logout(ctx context.Context, token string, meta RequestMeta) error {
	session, err := s.sessions.SessionByToken(ctx, token)
	if err != nil {
		return err
	}
	meta.SessionID = session.ID
	if err := s.sessions.TerminateSession(ctx, session.ID, session.UserID, "logout", meta); err != nil {
		return err
	}
	s.audit.Log(ctx, meta.event(session.UserID, models.ActionLogout, true, nil))
	return nil
}

// Authenticate resolves an active session and refreshes its activity.
func (s *AccountSecurityService) Authenticate(ctx context.Context, token string) (*models.Session, error) {
	session, err := s.sessions.SessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Touch(ctx, token); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *AccountSecurityService) UnlockAccount(ctx context.Context, userID string) error {
	return s.lockout.Unlock(ctx, userID)
}

// NewSessionToken returns 256 random bits, base64url encoded.
func NewSessionToken() (string, error) {
	b := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

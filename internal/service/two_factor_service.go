package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
)

const (
	totpPeriod       = 30
	totpSecretSize   = 20
	backupCodeLength = 8
	backupCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var backupCodeFormat = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// TwoFactorSetup is returned by GenerateSetup. Nothing is persisted until
// the setup is confirmed through Enable.
type TwoFactorSetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
	ManualEntryKey  string   `json:"manual_entry_key"`
}

// TwoFactorService manages TOTP second-factor enrolment and backup codes.
type TwoFactorService struct {
	repo   repository.UserSecurityRepository
	audit  *AuditService
	clock  Clock
	policy Policy
	logger *zap.Logger
}

func NewTwoFactorService(repo repository.UserSecurityRepository, audit *AuditService, clock Clock, policy Policy, logger *zap.Logger) *TwoFactorService {
	return &TwoFactorService{
		repo:   repo,
		audit:  audit,
		clock:  clock,
		policy: policy,
		logger: logger.Named("two_factor"),
	}
}

// GenerateSetup creates a fresh secret and backup codes for userID.
func (s *TwoFactorService) GenerateSetup(ctx context.Context, userID, accountLabel string) (*TwoFactorSetup, error) {
	user, err := s.repo.GetUserSecurity(ctx, userID)
	if err != nil {
		return nil, repoErr("get user security", err)
	}
	if user.TwoFactorEnabled {
		return nil, ErrAlreadyEnabled
	}
	if accountLabel == "" {
		accountLabel = userID
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.policy.TOTPIssuer,
		AccountName: accountLabel,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
		Rand:        rand.Reader,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp key: %w", err)
	}

	codes, err := GenerateBackupCodes(s.policy.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	return &TwoFactorSetup{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
		ManualEntryKey:  manualEntryKey(key.Secret()),
	}, nil
}

// VerifyTOTP checks a 6-digit code against secret, accepting windowSteps
// periods of drift on either side of the current time.
func (s *TwoFactorService) VerifyTOTP(secret, code string, windowSteps int) bool {
	return verifyTOTPAt(secret, code, windowSteps, s.clock.Now())
}

func verifyTOTPAt(secret, code string, windowSteps int, at time.Time) bool {
	if secret == "" || windowSteps < 0 {
		return false
	}
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, at.UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      uint(windowSteps),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// VerifyAndConsumeBackupCode removes code from the user's set when present.
// The removal is the repository's conditional update, so a code is
// accepted at most once.
func (s *TwoFactorService) VerifyAndConsumeBackupCode(ctx context.Context, userID, code string, meta RequestMeta) (bool, error) {
	code = normalizeBackupCode(code)
	if len(code) != backupCodeLength {
		return false, nil
	}

	removed, err := s.repo.RemoveBackupCode(ctx, userID, code)
	if err != nil {
		return false, repoErr("remove backup code", err)
	}
	if !removed {
		return false, nil
	}

	remaining := -1
	if user, err := s.repo.GetUserSecurity(ctx, userID); err == nil {
		remaining = len(user.BackupCodes)
	}
	s.logger.Info("backup code consumed", zap.String("user_id", userID), zap.Int("remaining", remaining))
	s.audit.Log(ctx, meta.event(userID, models.ActionTwoFactorBackupUsed, true, map[string]interface{}{
		"remaining_codes": remaining,
	}))
	return true, nil
}

// Enable persists a confirmed setup. The secret must carry at least 160
// bits and the codes must be exactly the configured number of distinct
// eight character codes.
func (s *TwoFactorService) Enable(ctx context.Context, userID, secret string, backupCodes []string, meta RequestMeta) error {
	if err := validateSecret(secret); err != nil {
		return err
	}
	codes, err := s.validateBackupCodes(backupCodes)
	if err != nil {
		return err
	}

	if err := s.repo.EnableTwoFactor(ctx, userID, secret, codes); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return ErrAlreadyEnabled
		}
		return repoErr("enable two factor", err)
	}

	s.logger.Info("two-factor enabled", zap.String("user_id", userID))
	s.audit.Log(ctx, meta.event(userID, models.ActionTwoFactorEnable, true, map[string]interface{}{
		"backup_codes": len(codes),
	}))
	return nil
}

// Disable clears the second factor. The caller must have verified the
// user's identity first.
func (s *TwoFactorService) Disable(ctx context.Context, userID string, meta RequestMeta) error {
	if err := s.repo.DisableTwoFactor(ctx, userID); err != nil {
		return repoErr("disable two factor", err)
	}
	s.logger.Info("two-factor disabled", zap.String("user_id", userID))
	s.audit.Log(ctx, meta.event(userID, models.ActionTwoFactorDisable, true, nil))
	return nil
}

// GenerateBackupCodes returns n distinct codes from crypto/rand.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	alphabet := big.NewInt(int64(len(backupCodeChars)))

	for len(codes) < n {
		var b strings.Builder
		for i := 0; i < backupCodeLength; i++ {
			idx, err := rand.Int(rand.Reader, alphabet)
			if err != nil {
				return nil, fmt.Errorf("failed to generate backup code: %w", err)
			}
			b.WriteByte(backupCodeChars[idx.Int64()])
		}
		code := b.String()
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

func validateSecret(secret string) error {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil || len(raw) < totpSecretSize {
		return fmt.Errorf("%w: secret must be base32 with at least %d bytes", ErrInvalidInput, totpSecretSize)
	}
	return nil
}

func (s *TwoFactorService) validateBackupCodes(backupCodes []string) ([]string, error) {
	if len(backupCodes) != s.policy.BackupCodeCount {
		return nil, fmt.Errorf("%w: expected %d backup codes", ErrInvalidInput, s.policy.BackupCodeCount)
	}
	codes := make([]string, len(backupCodes))
	seen := make(map[string]struct{}, len(backupCodes))
	for i, c := range backupCodes {
		code := normalizeBackupCode(c)
		if !backupCodeFormat.MatchString(code) {
			return nil, fmt.Errorf("%w: malformed backup code", ErrInvalidInput)
		}
		if _, dup := seen[code]; dup {
			return nil, fmt.Errorf("%w: duplicate backup code", ErrInvalidInput)
		}
		seen[code] = struct{}{}
		codes[i] = code
	}
	return codes, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

// manualEntryKey groups the secret in blocks of four for typing.
func manualEntryKey(secret string) string {
	var groups []string
	for i := 0; i < len(secret); i += 4 {
		end := i + 4
		if end > len(secret) {
			end = len(secret)
		}
		groups = append(groups, secret[i:end])
	}
	return strings.Join(groups, " ")
}

package service

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/models"
)

var backupCodePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

func TestGenerateSetup(t *testing.T) {
	env := newTestEnv(t, nil)

	setup, err := env.factory.TwoFactorService().GenerateSetup(context.Background(), "u1", "alice@example.com")
	require.NoError(t, err)

	assert.Len(t, setup.Secret, 32)
	assert.True(t, strings.HasPrefix(setup.ProvisioningURI, "otpauth://totp/"))
	assert.Contains(t, setup.ProvisioningURI, "issuer=AccountSecurity")
	assert.Equal(t, setup.Secret, strings.ReplaceAll(setup.ManualEntryKey, " ", ""))
	assert.Len(t, strings.Fields(setup.ManualEntryKey), 8)

	require.Len(t, setup.BackupCodes, 10)
	seen := map[string]bool{}
	for _, c := range setup.BackupCodes {
		assert.Regexp(t, backupCodePattern, c)
		assert.False(t, seen[c], "duplicate code %s", c)
		seen[c] = true
	}

	user, err := env.repo.GetUserSecurity(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, user.TwoFactorEnabled)
	assert.Empty(t, user.TwoFactorSecret)
}

func TestGenerateSetupAlreadyEnabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.enableTwoFactor(t, "u1")

	_, err := env.factory.TwoFactorService().GenerateSetup(context.Background(), "u1", "")
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestGenerateBackupCodesUnique(t *testing.T) {
	codes, err := GenerateBackupCodes(200)
	require.NoError(t, err)
	seen := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		seen[c] = struct{}{}
	}
	assert.Len(t, seen, 200)
}

func TestVerifyTOTPWindow(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.TwoFactorService()
	const secret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	now := env.clock.Now()

	tests := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"current step", 0, true},
		{"one step behind", -30 * time.Second, true},
		{"two steps behind", -60 * time.Second, true},
		{"two steps ahead", 60 * time.Second, true},
		{"three steps behind", -90 * time.Second, false},
		{"ten steps ahead", 300 * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := codeAt(t, secret, now.Add(tt.offset))
			assert.Equal(t, tt.want, svc.VerifyTOTP(secret, code, 2))
		})
	}

	assert.False(t, svc.VerifyTOTP(secret, "12345", 2))
	assert.False(t, svc.VerifyTOTP("", codeAt(t, secret, now), 2))
	assert.False(t, svc.VerifyTOTP(secret, codeAt(t, secret, now.Add(-30*time.Second)), 0))
}

func TestEnableScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	setup := env.enableTwoFactor(t, "u1")

	user, err := env.repo.GetUserSecurity(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, user.TwoFactorEnabled)
	assert.Equal(t, setup.Secret, user.TwoFactorSecret)
	assert.ElementsMatch(t, setup.BackupCodes, user.BackupCodes)

	entries := env.auditEntries(t, "u1", models.ActionTwoFactorEnable)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
}

func TestEnableTwiceFails(t *testing.T) {
	env := newTestEnv(t, nil)
	setup := env.enableTwoFactor(t, "u1")

	err := env.factory.TwoFactorService().Enable(context.Background(), "u1", setup.Secret, setup.BackupCodes, RequestMeta{})
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestEnableValidatesMaterial(t *testing.T) {
	const secret = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	valid, err := GenerateBackupCodes(10)
	require.NoError(t, err)
	with := func(i int, code string) []string {
		out := append([]string(nil), valid...)
		out[i] = code
		return out
	}
	dashed := append([]string(nil), valid...)
	dashed[0] = strings.ToLower(dashed[0][:4] + "-" + dashed[0][4:])

	tests := []struct {
		name    string
		secret  string
		codes   []string
		wantErr bool
	}{
		{name: "valid", secret: secret, codes: valid},
		{name: "lower case secret and dashed code", secret: strings.ToLower(secret), codes: dashed},
		{name: "empty secret", secret: "", codes: valid, wantErr: true},
		{name: "short secret", secret: "AAAAAAAA", codes: valid, wantErr: true},
		{name: "not base32", secret: "JBSWY3DPEHPK3PXP!BSWY3DPEHPK3PXP", codes: valid, wantErr: true},
		{name: "no codes", secret: secret, wantErr: true},
		{name: "too few codes", secret: secret, codes: valid[:9], wantErr: true},
		{name: "too many codes", secret: secret, codes: append(with(0, valid[0]), "ZZZZ9999"), wantErr: true},
		{name: "short code", secret: secret, codes: with(1, "X"), wantErr: true},
		{name: "long code", secret: secret, codes: with(1, "TOOLONGCODE123"), wantErr: true},
		{name: "symbol in code", secret: secret, codes: with(1, "ABCD_234"), wantErr: true},
		{name: "duplicate code", secret: secret, codes: with(1, strings.ToLower(valid[0])), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			ctx := context.Background()
			err := env.factory.TwoFactorService().Enable(ctx, "u1", tt.secret, tt.codes, RequestMeta{})

			user, getErr := env.repo.GetUserSecurity(ctx, "u1")
			require.NoError(t, getErr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidInput)
				assert.False(t, user.TwoFactorEnabled)
				assert.Empty(t, env.auditEntries(t, "u1", models.ActionTwoFactorEnable))
				return
			}
			require.NoError(t, err)
			assert.True(t, user.TwoFactorEnabled)
			for _, c := range user.BackupCodes {
				assert.Regexp(t, backupCodePattern, c)
			}
		})
	}
}

func TestEnable2FARejectsWrongCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	setup, err := env.account().Setup2FA(ctx, "u1", "")
	require.NoError(t, err)

	wrong := codeAt(t, setup.Secret, env.clock.Now().Add(10*time.Minute))
	err = env.account().Enable2FA(ctx, "u1", setup.Secret, wrong, setup.BackupCodes, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)

	user, _ := env.repo.GetUserSecurity(ctx, "u1")
	assert.False(t, user.TwoFactorEnabled)
}

func TestBackupCodeSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	setup := env.enableTwoFactor(t, "u1")
	svc := env.factory.TwoFactorService()
	ctx := context.Background()
	code := strings.ToLower(setup.BackupCodes[3])

	ok, err := svc.VerifyAndConsumeBackupCode(ctx, "u1", code, RequestMeta{IPAddress: "203.0.113.7"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.VerifyAndConsumeBackupCode(ctx, "u1", code, RequestMeta{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.VerifyAndConsumeBackupCode(ctx, "u1", "NOTACODE", RequestMeta{})
	require.NoError(t, err)
	assert.False(t, ok)

	user, _ := env.repo.GetUserSecurity(ctx, "u1")
	assert.Len(t, user.BackupCodes, 9)

	entries := env.auditEntries(t, "u1", models.ActionTwoFactorBackupUsed)
	require.Len(t, entries, 1)
	assert.Equal(t, 9, entries[0].Details["remaining_codes"])
	assert.Equal(t, "203.0.113.7", entries[0].IPAddress)
}

func TestDisable2FA(t *testing.T) {
	env := newTestEnv(t, nil)
	setup := env.enableTwoFactor(t, "u1")
	ctx := context.Background()

	err := env.account().Disable2FA(ctx, "u1", "invalid", RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidCode)

	require.NoError(t, env.account().Disable2FA(ctx, "u1", setup.BackupCodes[0], RequestMeta{}))

	user, _ := env.repo.GetUserSecurity(ctx, "u1")
	assert.False(t, user.TwoFactorEnabled)
	assert.Empty(t, user.TwoFactorSecret)
	assert.Empty(t, user.BackupCodes)
	assert.Len(t, env.auditEntries(t, "u1", models.ActionTwoFactorDisable), 1)

	err = env.account().Disable2FA(ctx, "u1", setup.BackupCodes[1], RequestMeta{})
	assert.ErrorIs(t, err, ErrNotEnabled)
}

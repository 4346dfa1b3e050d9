package models

import "time"

// UserSecurity is the security-owned slice of a user account. The identity
// system owns the rest of the user record.
type UserSecurity struct {
	UserID              string     `json:"user_id" db:"user_id"`
	TwoFactorEnabled    bool       `json:"two_factor_enabled" db:"two_factor_enabled"`
	TwoFactorSecret     string     `json:"-" db:"two_factor_secret"` // base32, empty unless enabled
	BackupCodes         []string   `json:"-" db:"backup_codes"`      // unused codes, upper-cased
	FailedLoginAttempts int        `json:"failed_login_attempts" db:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	EmailVerified       bool       `json:"email_verified" db:"email_verified"`
}

// IsLocked reports whether authentication must be refused at now.
func (u *UserSecurity) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

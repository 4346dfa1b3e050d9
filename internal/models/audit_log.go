package models

import "time"

// AuditAction is the closed set of security event tags.
type AuditAction string

const (
	ActionLoginAttempt        AuditAction = "LOGIN_ATTEMPT"
	ActionLoginSuccess        AuditAction = "LOGIN_SUCCESS"
	ActionLoginFailed         AuditAction = "LOGIN_FAILED"
	ActionLogout              AuditAction = "LOGOUT"
	ActionTwoFactorEnable     AuditAction = "TWO_FACTOR_ENABLE"
	ActionTwoFactorDisable    AuditAction = "TWO_FACTOR_DISABLE"
	ActionTwoFactorVerify     AuditAction = "TWO_FACTOR_VERIFY"
	ActionTwoFactorBackupUsed AuditAction = "TWO_FACTOR_BACKUP_USED"
	ActionSessionCreated      AuditAction = "SESSION_CREATED"
	ActionSessionTerminated   AuditAction = "SESSION_TERMINATED"
	ActionAccountLocked       AuditAction = "ACCOUNT_LOCKED"
	ActionAccountUnlocked     AuditAction = "ACCOUNT_UNLOCKED"
	ActionSuspiciousActivity  AuditAction = "SUSPICIOUS_ACTIVITY"
)

var allActions = []AuditAction{
	ActionLoginAttempt, ActionLoginSuccess, ActionLoginFailed, ActionLogout,
	ActionTwoFactorEnable, ActionTwoFactorDisable, ActionTwoFactorVerify, ActionTwoFactorBackupUsed,
	ActionSessionCreated, ActionSessionTerminated,
	ActionAccountLocked, ActionAccountUnlocked, ActionSuspiciousActivity,
}

// ParseAuditAction validates an action tag received from a caller.
func ParseAuditAction(s string) (AuditAction, bool) {
	for _, a := range allActions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// AuditLogEntry is an immutable security event record.
type AuditLogEntry struct {
	ID        string                 `json:"id" db:"id"`
	UserID    string                 `json:"user_id,omitempty" db:"user_id"`
	SessionID string                 `json:"session_id,omitempty" db:"session_id"`
	Action    AuditAction            `json:"action" db:"action"`
	Success   bool                   `json:"success" db:"success"`
	Details   map[string]interface{} `json:"details,omitempty" db:"details"`
	IPAddress string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string                 `json:"user_agent,omitempty" db:"user_agent"`
	Location  string                 `json:"location,omitempty" db:"location"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
}

package models

import "time"

// Session is one authenticated client connection. Sessions are soft-deleted
// through Terminated so the audit trail keeps its references.
type Session struct {
	ID               string    `json:"id" db:"session_id"`
	UserID           string    `json:"user_id" db:"user_id"`
	SessionToken     string    `json:"-" db:"session_token"`
	ExpiresAt        time.Time `json:"expires_at" db:"expires_at"`
	IPAddress        string    `json:"ip_address,omitempty" db:"ip_address"`
	Location         string    `json:"location,omitempty" db:"location"`
	Browser          string    `json:"browser,omitempty" db:"browser"`
	OS               string    `json:"os,omitempty" db:"os"`
	Device           string    `json:"device,omitempty" db:"device"`
	LastActive       time.Time `json:"last_active" db:"last_active"`
	Terminated       bool      `json:"terminated" db:"terminated"`
	TerminatedReason string    `json:"terminated_reason,omitempty" db:"terminated_reason"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`

	// Current is set only on listings, for the session making the request.
	Current bool `json:"current" db:"-"`
}

// IsActive reports whether the session may still authenticate requests.
func (s *Session) IsActive(now time.Time) bool {
	return !s.Terminated && s.ExpiresAt.After(now)
}

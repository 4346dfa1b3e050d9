// Package memory is a process-local Repository used by tests and by
// development deployments without Scylla nodes.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"account-security/internal/models"
	"account-security/internal/repository"
)

type Repository struct {
	mu       sync.Mutex
	users    map[string]*models.UserSecurity
	sessions map[string]*models.Session
	byUser   map[string][]string
	audit    []*models.AuditLogEntry
}

var _ repository.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{
		users:    make(map[string]*models.UserSecurity),
		sessions: make(map[string]*models.Session),
		byUser:   make(map[string][]string),
	}
}

// PutUserSecurity seeds or replaces a security record.
func (r *Repository) PutUserSecurity(u *models.UserSecurity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.UserID] = cloneUser(u)
}

// user returns the stored record, materializing a default one. Caller holds mu.
func (r *Repository) user(userID string) *models.UserSecurity {
	u, ok := r.users[userID]
	if !ok {
		u = &models.UserSecurity{UserID: userID}
		r.users[userID] = u
	}
	return u
}

func (r *Repository) GetUserSecurity(ctx context.Context, userID string) (*models.UserSecurity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[userID]; ok {
		return cloneUser(u), nil
	}
	return &models.UserSecurity{UserID: userID}, nil
}

func (r *Repository) EnableTwoFactor(ctx context.Context, userID, secret string, backupCodes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.user(userID)
	if u.TwoFactorEnabled {
		return repository.ErrConflict
	}
	u.TwoFactorEnabled = true
	u.TwoFactorSecret = secret
	u.BackupCodes = upperAll(backupCodes)
	return nil
}

func (r *Repository) DisableTwoFactor(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.user(userID)
	u.TwoFactorEnabled = false
	u.TwoFactorSecret = ""
	u.BackupCodes = nil
	return nil
}

func (r *Repository) RemoveBackupCode(ctx context.Context, userID, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return false, nil
	}
	code = strings.ToUpper(code)
	for i, c := range u.BackupCodes {
		if c == code {
			u.BackupCodes = append(u.BackupCodes[:i:i], u.BackupCodes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *Repository) IncrementFailedAttempts(ctx context.Context, userID string, threshold int, lockUntil time.Time) (*repository.FailureResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.user(userID)
	u.FailedLoginAttempts++
	res := &repository.FailureResult{Attempts: u.FailedLoginAttempts}
	if u.FailedLoginAttempts >= threshold {
		until := lockUntil
		u.LockedUntil = &until
		u.FailedLoginAttempts = 0
		res.Locked = true
		res.LockedUntil = &until
	}
	return res, nil
}

func (r *Repository) ResetFailedAttempts(ctx context.Context, userID string, lastLoginAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.user(userID)
	u.FailedLoginAttempts = 0
	at := lastLoginAt
	u.LastLoginAt = &at
	return nil
}

func (r *Repository) ClearLock(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.user(userID)
	u.LockedUntil = nil
	u.FailedLoginAttempts = 0
	return nil
}

func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[session.ID]; exists {
		return repository.ErrConflict
	}
	s := *session
	s.Current = false
	r.sessions[s.ID] = &s
	r.byUser[s.UserID] = append(r.byUser[s.UserID], s.ID)
	return nil
}

func (r *Repository) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (r *Repository) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *models.Session
	for _, s := range r.sessions {
		if s.SessionToken != token {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, repository.ErrNotFound
	}
	out := *found
	return &out, nil
}

func (r *Repository) ListUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byUser[userID]
	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		s := *r.sessions[id]
		out = append(out, &s)
	}
	return out, nil
}

func (r *Repository) TerminateSession(ctx context.Context, sessionID, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if s.Terminated {
		return false, nil
	}
	s.Terminated = true
	s.TerminatedReason = reason
	return true, nil
}

func (r *Repository) TerminateUserSessions(ctx context.Context, userID, exceptToken, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, id := range r.byUser[userID] {
		s := r.sessions[id]
		if s.Terminated || (exceptToken != "" && s.SessionToken == exceptToken) {
			continue
		}
		s.Terminated = true
		s.TerminatedReason = reason
		count++
	}
	return count, nil
}

func (r *Repository) TouchSessions(ctx context.Context, token string, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.sessions {
		if s.SessionToken == token && !s.Terminated {
			s.LastActive = at
			count++
		}
	}
	return count, nil
}

func (r *Repository) TerminateExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.sessions {
		if !s.Terminated && !s.ExpiresAt.After(now) {
			s.Terminated = true
			s.TerminatedReason = "expired"
			count++
		}
	}
	return count, nil
}

func (r *Repository) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := *entry
	if entry.Details != nil {
		e.Details = make(map[string]interface{}, len(entry.Details))
		for k, v := range entry.Details {
			e.Details[k] = v
		}
	}
	r.audit = append(r.audit, &e)
	return nil
}

func (r *Repository) QueryAuditLogs(ctx context.Context, q repository.AuditQuery) ([]*models.AuditLogEntry, int, error) {
	r.mu.Lock()
	matches := make([]*models.AuditLogEntry, 0)
	for _, e := range r.audit {
		if q.Matches(e) {
			c := *e
			matches = append(matches, &c)
		}
	}
	r.mu.Unlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})

	total := len(matches)
	if q.Offset > 0 {
		if q.Offset >= total {
			return []*models.AuditLogEntry{}, total, nil
		}
		matches = matches[q.Offset:]
	}
	if q.Limit > 0 && len(matches) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, total, nil
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

func cloneUser(u *models.UserSecurity) *models.UserSecurity {
	c := *u
	if u.BackupCodes != nil {
		c.BackupCodes = append([]string(nil), u.BackupCodes...)
	}
	if u.LockedUntil != nil {
		t := *u.LockedUntil
		c.LockedUntil = &t
	}
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func upperAll(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = strings.ToUpper(c)
	}
	return out
}

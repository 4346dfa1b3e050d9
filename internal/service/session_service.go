package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/user_agent"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceBot     = "bot"

	maxReasonLength = 128
)

// DeviceInfo is what can be derived from a User-Agent header.
type DeviceInfo struct {
	Browser string
	OS      string
	Device  string
}

// ParseUserAgent derives browser, OS and device type. Unknown parts are
// left empty.
func ParseUserAgent(raw string) DeviceInfo {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DeviceInfo{}
	}
	ua := user_agent.New(raw)

	info := DeviceInfo{}
	info.Browser, _ = ua.Browser()
	if os := ua.OSInfo(); os.Name != "" {
		info.OS = os.Name
	} else {
		info.OS = ua.OS()
	}

	lower := strings.ToLower(raw)
	switch {
	case ua.Bot():
		info.Device = DeviceBot
	case strings.Contains(lower, "tablet") || strings.Contains(lower, "ipad"):
		info.Device = DeviceTablet
	case ua.Mobile():
		info.Device = DeviceMobile
	case info.Browser != "":
		info.Device = DeviceDesktop
	}
	return info
}

// SessionService tracks active sessions and their revocation.
type SessionService struct {
	repo    repository.SessionRepository
	audit   *AuditService
	locator locator
	clock   Clock
	logger  *zap.Logger
}

func NewSessionService(repo repository.SessionRepository, audit *AuditService, geo GeoLookup, clock Clock, policy Policy, logger *zap.Logger) *SessionService {
	logger = logger.Named("sessions")
	return &SessionService{
		repo:    repo,
		audit:   audit,
		locator: locator{lookup: geo, timeout: policy.GeoLookupTimeout, logger: logger},
		clock:   clock,
		logger:  logger,
	}
}

// CreateSession stores a new session for an authenticated login.
func (s *SessionService) CreateSession(ctx context.Context, userID, token string, expiresAt time.Time, ip, userAgent string) (*models.Session, error) {
	if userID == "" || token == "" {
		return nil, ErrInvalidInput
	}

	now := s.clock.Now().UTC()
	device := ParseUserAgent(userAgent)
	session := &models.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		SessionToken: token,
		ExpiresAt:    expiresAt.UTC(),
		IPAddress:    ip,
		Location:     s.locator.resolve(ctx, ip),
		Browser:      device.Browser,
		OS:           device.OS,
		Device:       device.Device,
		LastActive:   now,
		CreatedAt:    now,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, repoErr("create session", err)
	}

	s.audit.Log(ctx, AuditEvent{
		UserID:    userID,
		SessionID: session.ID,
		Action:    models.ActionSessionCreated,
		Success:   true,
		IPAddress: ip,
		UserAgent: userAgent,
		Location:  session.Location,
		Details: map[string]interface{}{
			"browser":    session.Browser,
			"os":         session.OS,
			"device":     session.Device,
			"expires_at": session.ExpiresAt.Format(time.RFC3339),
		},
	})
	return session, nil
}

// ListSessions returns the user's active sessions, most recently used
// first, flagging the one holding currentToken.
func (s *SessionService) ListSessions(ctx context.Context, userID, currentToken string) ([]*models.Session, error) {
	all, err := s.repo.ListUserSessions(ctx, userID)
	if err != nil {
		return nil, repoErr("list sessions", err)
	}

	now := s.clock.Now()
	active := make([]*models.Session, 0, len(all))
	for _, sess := range all {
		if !sess.IsActive(now) {
			continue
		}
		sess.Current = currentToken != "" && sess.SessionToken == currentToken
		active = append(active, sess)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].LastActive.After(active[j].LastActive)
	})
	return active, nil
}

// TerminateSession revokes one session owned by userID. Revoking an
// already terminated session succeeds without side effects.
func (s *SessionService) TerminateSession(ctx context.Context, sessionID, userID, reason string, meta RequestMeta) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return repoErr("get session", err)
	}
	if session.UserID != userID {
		return ErrSessionNotFound
	}

	reason = normalizeReason(reason, "user_request")
	changed, err := s.repo.TerminateSession(ctx, sessionID, reason)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return repoErr("terminate session", err)
	}
	if !changed {
		return nil
	}

	s.logger.Info("session terminated",
		zap.String("user_id", userID),
		zap.String("session_id", sessionID),
		zap.String("reason", reason),
	)
	s.audit.Log(ctx, AuditEvent{
		UserID:    userID,
		SessionID: sessionID,
		Action:    models.ActionSessionTerminated,
		Success:   true,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details:   map[string]interface{}{"reason": reason},
	})
	return nil
}

// TerminateAllSessions revokes every active session of userID except the
// one holding exceptToken, and records a single summary event.
func (s *SessionService) TerminateAllSessions(ctx context.Context, userID, exceptToken string, meta RequestMeta) (int, error) {
	count, err := s.repo.TerminateUserSessions(ctx, userID, exceptToken, "terminate_all")
	if err != nil {
		return 0, repoErr("terminate user sessions", err)
	}

	s.logger.Info("sessions terminated",
		zap.String("user_id", userID),
		zap.Int("count", count),
	)
	s.audit.Log(ctx, AuditEvent{
		UserID:    userID,
		SessionID: meta.SessionID,
		Action:    models.ActionSessionTerminated,
		Success:   true,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details: map[string]interface{}{
			"reason":       "terminate_all",
			"count":        count,
			"kept_current": exceptToken != "",
		},
	})
	return count, nil
}

// Touch marks the sessions holding token as active now.
func (s *SessionService) Touch(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	_, err := s.repo.TouchSessions(ctx, token, s.clock.Now().UTC())
	return repoErr("touch sessions", err)
}

// SessionByToken resolves an active session.
func (s *SessionService) SessionByToken(ctx context.Context, token string) (*models.Session, error) {
	session, err := s.repo.GetSessionByToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, repoErr("get session by token", err)
	}
	if !session.IsActive(s.clock.Now()) {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// SweepExpired marks expired sessions terminated.
func (s *SessionService) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.repo.TerminateExpiredSessions(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, repoErr("terminate expired sessions", err)
	}
	if n > 0 {
		s.logger.Info("expired sessions swept", zap.Int("count", n))
	}
	return n, nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *SessionService) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("session sweep failed", zap.Error(err))
			}
		}
	}
}

func normalizeReason(reason, fallback string) string {
	reason = util.SanitizeInput(reason, maxReasonLength)
	if reason == "" {
		return fallback
	}
	return reason
}

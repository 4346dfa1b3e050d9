package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

// Sessions are written to three tables: by id for lookups and conditional
// termination, by user for listings, and by token for authentication.

func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	created := session.CreatedAt.UTC()
	values := []interface{}{
		session.ID, session.UserID, session.SessionToken, session.ExpiresAt.UTC(),
		session.IPAddress, session.Location, session.Browser, session.OS, session.Device,
		session.LastActive.UTC(), session.Terminated, session.TerminatedReason, created,
	}

	applied, err := r.cas(ctx, stmtCreateSessionByID, values...)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("session %s: %w", session.ID, repository.ErrConflict)
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	batch.Query(stmtCreateSessionByUser, values...)
	batch.Query(stmtCreateSessionByToken, session.SessionToken, session.ID, session.UserID, created)
	if err := r.client.ExecuteBatch(batch); err != nil {
		r.logger.Error("Failed to index session",
			util.UserID(session.UserID),
			util.SessionID(session.ID),
			zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Debug("Session created",
		util.UserID(session.UserID),
		util.SessionID(session.ID))
	return nil
}

func (r *Repository) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := scanSession(r.client.Query(ctx, stmtGetSessionByID, sessionID).Iter())
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, repository.ErrNotFound
	}
	return session, nil
}

// GetSessionByToken returns the newest session carrying token.
func (r *Repository) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	ids, err := r.sessionIDsByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var latest *models.Session
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	return latest, nil
}

func (r *Repository) ListUserSessions(ctx context.Context, userID string) ([]*models.Session, error) {
	iter := r.client.Query(ctx, stmtListSessionsByUser, userID).Iter()
	var sessions []*models.Session
	for {
		s, ok := scanSessionRow(iter)
		if !ok {
			break
		}
		sessions = append(sessions, s)
	}
	if err := iter.Close(); err != nil {
		r.logger.Error("Failed to list sessions", util.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (r *Repository) TerminateSession(ctx context.Context, sessionID, reason string) (bool, error) {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session.Terminated {
		return false, nil
	}

	applied, err := r.cas(ctx, stmtTerminateSessionByID, reason, sessionID)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	if err := r.client.Query(ctx, stmtTerminateSessionByUser, reason, session.UserID, sessionID).Exec(); err != nil {
		return true, fmt.Errorf("failed to mirror session termination: %w", err)
	}
	return true, nil
}

func (r *Repository) TerminateUserSessions(ctx context.Context, userID, exceptToken, reason string) (int, error) {
	sessions, err := r.ListUserSessions(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, s := range sessions {
		if s.Terminated || (exceptToken != "" && s.SessionToken == exceptToken) {
			continue
		}
		changed, err := r.TerminateSession(ctx, s.ID, reason)
		if err != nil {
			return count, err
		}
		if changed {
			count++
		}
	}
	return count, nil
}

func (r *Repository) TouchSessions(ctx context.Context, token string, at time.Time) (int, error) {
	ids, err := r.sessionIDsByToken(ctx, token)
	if err != nil {
		return 0, err
	}

	touched := 0
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return touched, err
		}
		if s.Terminated {
			continue
		}

		batch := r.client.Batch(ctx, gocql.LoggedBatch)
		batch.Query(stmtTouchSessionByID, at.UTC(), id)
		batch.Query(stmtTouchSessionByUser, at.UTC(), s.UserID, id)
		if err := r.client.ExecuteBatch(batch); err != nil {
			return touched, fmt.Errorf("failed to touch session: %w", err)
		}
		touched++
	}
	return touched, nil
}

func (r *Repository) TerminateExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	iter := r.client.Query(ctx, stmtExpiredSessions, now.UTC()).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan expired sessions: %w", err)
	}

	count := 0
	for _, id := range ids {
		changed, err := r.TerminateSession(ctx, id, "expired")
		if err != nil {
			r.logger.Warn("Failed to expire session", util.SessionID(id), zap.Error(err))
			continue
		}
		if changed {
			count++
		}
	}
	if count > 0 {
		r.logger.Info("Expired sessions terminated", zap.Int("count", count))
	}
	return count, nil
}

func (r *Repository) sessionIDsByToken(ctx context.Context, token string) ([]string, error) {
	iter := r.client.Query(ctx, stmtSessionsByToken, token).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to look up session token: %w", err)
	}
	return ids, nil
}

func scanSession(iter *gocql.Iter) (*models.Session, error) {
	s, ok := scanSessionRow(iter)
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return s, nil
}

func scanSessionRow(iter *gocql.Iter) (*models.Session, bool) {
	s := &models.Session{}
	var (
		location, browser, osName, device, reason *string
		terminated                            *bool
	)
	if !iter.Scan(&s.ID, &s.UserID, &s.SessionToken, &s.ExpiresAt, &s.IPAddress,
		&location, &browser, &osName, &device, &s.LastActive, &terminated, &reason, &s.CreatedAt) {
		return nil, false
	}
	s.Location = deref(location)
	s.Browser = deref(browser)
	s.OS = deref(osName)
	s.Device = deref(device)
	s.TerminatedReason = deref(reason)
	s.Terminated = terminated != nil && *terminated
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.LastActive = s.LastActive.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

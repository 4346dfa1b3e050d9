package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"account-security/internal/models"
)

func TestParseUserAgent(t *testing.T) {
	tests := []struct {
		name        string
		ua          string
		wantBrowser string
		wantOS      string
		wantDevice  string
	}{
		{
			name:        "chrome on windows",
			ua:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			wantBrowser: "Chrome",
			wantOS:      "Windows",
			wantDevice:  DeviceDesktop,
		},
		{
			name:        "safari on iphone",
			ua:          "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			wantBrowser: "Safari",
			wantDevice:  DeviceMobile,
		},
		{
			name:       "ipad",
			ua:         "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
			wantDevice: DeviceTablet,
		},
		{
			name:       "crawler",
			ua:         "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			wantDevice: DeviceBot,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := ParseUserAgent(tt.ua)
			if tt.wantBrowser != "" {
				assert.Equal(t, tt.wantBrowser, info.Browser)
			}
			if tt.wantOS != "" {
				assert.Contains(t, info.OS, tt.wantOS)
			}
			assert.Equal(t, tt.wantDevice, info.Device)
		})
	}

	assert.Equal(t, DeviceInfo{}, ParseUserAgent("  "))
}

func TestCreateSessionDerivesMetadata(t *testing.T) {
	geo := func(ctx context.Context, ip string) (string, error) {
		return "Berlin, DE", nil
	}
	env := newTestEnv(t, geo)
	ctx := context.Background()
	expires := env.clock.Now().Add(time.Hour)

	session, err := env.factory.SessionService().CreateSession(ctx, "u1", "tok-1", expires, "198.51.100.4",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	require.NoError(t, err)

	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "Berlin, DE", session.Location)
	assert.Equal(t, "Chrome", session.Browser)
	assert.Equal(t, DeviceDesktop, session.Device)
	assert.False(t, session.Terminated)

	entries := env.auditEntries(t, "u1", models.ActionSessionCreated)
	require.Len(t, entries, 1)
	assert.Equal(t, session.ID, entries[0].SessionID)
	assert.Equal(t, "Berlin, DE", entries[0].Location)
	assert.Equal(t, "Chrome", entries[0].Details["browser"])
}

func TestCreateSessionGeoFailureOmitsLocation(t *testing.T) {
	tests := []struct {
		name string
		geo  GeoLookup
	}{
		{"error", func(ctx context.Context, ip string) (string, error) { return "", errors.New("lookup failed") }},
		{"timeout", func(ctx context.Context, ip string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}},
		{"ignores context", func(ctx context.Context, ip string) (string, error) {
			time.Sleep(500 * time.Millisecond)
			return "Too Late", nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.geo)
			start := time.Now()
			session, err := env.factory.SessionService().CreateSession(context.Background(), "u1", "tok", env.clock.Now().Add(time.Hour), "198.51.100.4", "")
			require.NoError(t, err)
			assert.Empty(t, session.Location)
			assert.Less(t, time.Since(start), 400*time.Millisecond)
		})
	}
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.SessionService()
	ctx := context.Background()
	now := env.clock.Now()

	_, err := svc.CreateSession(ctx, "u1", "old", now.Add(time.Hour), "", "")
	require.NoError(t, err)
	env.clock.Advance(time.Minute)
	_, err = svc.CreateSession(ctx, "u1", "new", now.Add(time.Hour), "", "")
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "u1", "short", now.Add(2*time.Minute), "", "")
	require.NoError(t, err)
	terminated, err := svc.CreateSession(ctx, "u1", "gone", now.Add(time.Hour), "", "")
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "u2", "other", now.Add(time.Hour), "", "")
	require.NoError(t, err)
	require.NoError(t, svc.TerminateSession(ctx, terminated.ID, "u1", "", RequestMeta{}))

	env.clock.Advance(time.Minute)
	require.NoError(t, svc.Touch(ctx, "old"))
	env.clock.Advance(time.Minute) // "short" expires

	sessions, err := svc.ListSessions(ctx, "u1", "new")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "old", sessions[0].SessionToken)
	assert.False(t, sessions[0].Current)
	assert.Equal(t, "new", sessions[1].SessionToken)
	assert.True(t, sessions[1].Current)
}

func TestTerminateSessionIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.SessionService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "u1", "tok", env.clock.Now().Add(time.Hour), "", "")
	require.NoError(t, err)

	require.NoError(t, svc.TerminateSession(ctx, session.ID, "u1", "user_request", RequestMeta{}))
	require.NoError(t, svc.TerminateSession(ctx, session.ID, "u1", "user_request", RequestMeta{}))

	stored, err := env.repo.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, stored.Terminated)

	entries := env.auditEntries(t, "u1", models.ActionSessionTerminated)
	require.Len(t, entries, 1)
	assert.Equal(t, "user_request", entries[0].Details["reason"])
}

func TestTerminateSessionOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.SessionService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "u1", "tok", env.clock.Now().Add(time.Hour), "", "")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.TerminateSession(ctx, session.ID, "u2", "", RequestMeta{}), ErrSessionNotFound)
	assert.ErrorIs(t, svc.TerminateSession(ctx, "missing", "u1", "", RequestMeta{}), ErrSessionNotFound)

	stored, _ := env.repo.GetSession(ctx, session.ID)
	assert.False(t, stored.Terminated)
}

func TestTerminateAllSessionsKeepsCurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.SessionService()
	ctx := context.Background()
	expires := env.clock.Now().Add(time.Hour)

	for _, tok := range []string{"a", "b", "keep", "c"} {
		_, err := svc.CreateSession(ctx, "u1", tok, expires, "", "")
		require.NoError(t, err)
	}

	n, err := svc.TerminateAllSessions(ctx, "u1", "keep", RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	sessions, err := svc.ListSessions(ctx, "u1", "keep")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "keep", sessions[0].SessionToken)
	assert.True(t, sessions[0].Current)

	entries := env.auditEntries(t, "u1", models.ActionSessionTerminated)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Details["count"])
}

func TestTouchUnknownTokenIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.NoError(t, env.factory.SessionService().Touch(context.Background(), "nope"))
}

func TestSweepExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	svc := env.factory.SessionService()
	ctx := context.Background()

	s, err := svc.CreateSession(ctx, "u1", "tok", env.clock.Now().Add(time.Minute), "", "")
	require.NoError(t, err)
	env.clock.Advance(2 * time.Minute)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, _ := env.repo.GetSession(ctx, s.ID)
	assert.True(t, stored.Terminated)
	assert.Equal(t, "expired", stored.TerminatedReason)
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/repository/memory"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testEpoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	entries []*models.AuditLogEntry
	err     error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, entry *models.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type testEnv struct {
	repo    *memory.Repository
	clock   *fakeClock
	sink    *recordingSink
	factory *ServiceFactory
}

func newTestEnv(t *testing.T, geo GeoLookup) *testEnv {
	t.Helper()
	repo := memory.New()
	clock := newFakeClock()
	sink := &recordingSink{}
	policy := DefaultPolicy()
	policy.GeoLookupTimeout = 50 * time.Millisecond
	env := &testEnv{
		repo:    repo,
		clock:   clock,
		sink:    sink,
		factory: NewServiceFactory(repo, geo, clock, policy, zap.NewNop(), sink),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.factory.AuditService().RunPublisher(ctx, 1)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return env
}

func (e *testEnv) account() *AccountSecurityService { return e.factory.AccountSecurityService() }

// auditEntries returns all entries for userID with the given action.
func (e *testEnv) auditEntries(t *testing.T, userID string, action models.AuditAction) []*models.AuditLogEntry {
	t.Helper()
	entries, _, err := e.repo.QueryAuditLogs(context.Background(), repository.AuditQuery{
		UserID:  userID,
		Actions: []models.AuditAction{action},
	})
	require.NoError(t, err)
	return entries
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enableTwoFactor runs the setup and enable flow and returns the setup.
func (e *testEnv) enableTwoFactor(t *testing.T, userID string) *TwoFactorSetup {
	t.Helper()
	ctx := context.Background()
	setup, err := e.account().Setup2FA(ctx, userID, userID+"@example.com")
	require.NoError(t, err)
	require.NoError(t, e.account().Enable2FA(ctx, userID, setup.Secret, codeAt(t, setup.Secret, e.clock.Now()), setup.BackupCodes, RequestMeta{}))
	return setup
}

var errStorage = errors.New("storage unavailable")

// failingAuditRepo rejects every audit append.
type failingAuditRepo struct {
	*memory.Repository
}

func (failingAuditRepo) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	return errStorage
}

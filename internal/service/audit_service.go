package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

const (
	defaultAuditPageSize = 20
	maxAuditPageSize     = 100

	publishQueueSize   = 1024
	sinkPublishTimeout = 2 * time.Second
)

// AuditSink receives a copy of every stored audit entry. Sinks are
// secondary; their failures are logged and never affect the caller.
// Entries reach them from RunPublisher, off the request path.
type AuditSink interface {
	Name() string
	Publish(ctx context.Context, entry *models.AuditLogEntry) error
}

// AuditEvent is the input to AuditService.Log.
type AuditEvent struct {
	UserID    string
	SessionID string
	Action    models.AuditAction
	Success   bool
	Details   map[string]interface{}
	IPAddress string
	UserAgent string
	Location  string // skips the geo lookup when set
}

// AuditFilter narrows QueryEvents. Zero values match everything.
type AuditFilter struct {
	Action    models.AuditAction
	Success   *bool
	SinceDays int
}

// AuditService appends and queries the security audit trail.
type AuditService struct {
	repo         repository.AuditLogRepository
	sinks        []AuditSink
	locator      locator
	clock        Clock
	policy       Policy
	logger       *zap.Logger
	failedWrites atomic.Int64

	queue       chan *models.AuditLogEntry
	sinkTimeout time.Duration
	dropped     atomic.Int64
}

// NewAuditService creates a new audit service
func NewAuditService(
	repo repository.AuditLogRepository,
	geo GeoLookup,
	clock Clock,
	policy Policy,
	logger *zap.Logger,
	sinks ...AuditSink,
) *AuditService {
	logger = logger.Named("audit")
	return &AuditService{
		repo:    repo,
		sinks:   sinks,
		locator: locator{lookup: geo, timeout: policy.GeoLookupTimeout, logger: logger},
		clock:   clock,
		policy:  policy,
		logger:  logger,

		queue:       make(chan *models.AuditLogEntry, publishQueueSize),
		sinkTimeout: sinkPublishTimeout,
	}
}

// Log records an event. It never fails the calling operation: storage
// errors are logged and counted in FailedWrites.
func (s *AuditService) Log(ctx context.Context, event AuditEvent) {
	entry := &models.AuditLogEntry{
		ID:        uuid.NewString(),
		UserID:    event.UserID,
		SessionID: event.SessionID,
		Action:    event.Action,
		Success:   event.Success,
		Details:   event.Details,
		IPAddress: event.IPAddress,
		UserAgent: event.UserAgent,
		Location:  event.Location,
		Timestamp: s.clock.Now().UTC(),
	}
	if entry.Location == "" {
		entry.Location = s.locator.resolve(ctx, event.IPAddress)
	}

	if err := s.repo.AppendAuditLog(ctx, entry); err != nil {
		s.failedWrites.Add(1)
		s.logger.Error("failed to write audit log",
			util.Action(string(entry.Action)),
			zap.String("user_id", entry.UserID),
			zap.Bool("success", entry.Success),
			zap.Error(err),
		)
		return
	}

	s.enqueue(entry)
}

// enqueue never blocks. A full queue drops the sink copy; the stored
// entry is unaffected.
func (s *AuditService) enqueue(entry *models.AuditLogEntry) {
	if len(s.sinks) == 0 {
		return
	}
	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit publish queue full, sink copy dropped", zap.String("audit_id", entry.ID))
	}
}

// RunPublisher forwards stored entries to the sinks with the given number
// of workers. When ctx is done the workers drain what is already queued
// and return.
func (s *AuditService) RunPublisher(ctx context.Context, workers int) error {
	if len(s.sinks) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case entry := <-s.queue:
					s.deliver(entry)
				case <-gctx.Done():
					s.drain()
					return nil
				}
			}
		})
	}
	return g.Wait()
}

func (s *AuditService) drain() {
	for {
		select {
		case entry := <-s.queue:
			s.deliver(entry)
		default:
			return
		}
	}
}

// deliver publishes to each sink under its own deadline.
func (s *AuditService) deliver(entry *models.AuditLogEntry) {
	for _, sink := range s.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), s.sinkTimeout)
		err := sink.Publish(ctx, entry)
		cancel()
		if err != nil {
			s.logger.Warn("audit sink publish failed",
				zap.String("sink", sink.Name()),
				zap.String("audit_id", entry.ID),
				zap.Error(err),
			)
		}
	}
}

// FailedWrites is the number of audit entries lost to storage errors.
func (s *AuditService) FailedWrites() int64 {
	return s.failedWrites.Load()
}

// DroppedPublishes is the number of sink copies discarded on a full queue.
func (s *AuditService) DroppedPublishes() int64 {
	return s.dropped.Load()
}

// QueryEvents returns one page (1-based) of a user's events, newest first,
// and the total number of matches.
func (s *AuditService) QueryEvents(ctx context.Context, userID string, filter AuditFilter, page, limit int) ([]*models.AuditLogEntry, int, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	if limit > maxAuditPageSize {
		limit = maxAuditPageSize
	}

	q := repository.AuditQuery{
		UserID:  userID,
		Success: filter.Success,
		Offset:  (page - 1) * limit,
		Limit:   limit,
	}
	if filter.Action != "" {
		q.Actions = []models.AuditAction{filter.Action}
	}
	if filter.SinceDays > 0 {
		q.Since = s.clock.Now().Add(-time.Duration(filter.SinceDays) * 24 * time.Hour)
	}

	entries, total, err := s.repo.QueryAuditLogs(ctx, q)
	if err != nil {
		return nil, 0, repoErr("query audit logs", err)
	}
	return entries, total, nil
}

// CountFailedEvents counts unsuccessful events of any kind in the last days.
func (s *AuditService) CountFailedEvents(ctx context.Context, userID string, days int) (int, error) {
	failed := false
	_, total, err := s.repo.QueryAuditLogs(ctx, repository.AuditQuery{
		UserID:  userID,
		Success: &failed,
		Since:   s.clock.Now().Add(-time.Duration(days) * 24 * time.Hour),
		Limit:   1,
	})
	if err != nil {
		return 0, repoErr("count failed events", err)
	}
	return total, nil
}

// DetectSuspiciousActivity flags a burst of recent failures or a login from
// an IP with no successful login inside the known-IP window. The result is
// advisory.
func (s *AuditService) DetectSuspiciousActivity(ctx context.Context, userID, ip string) (bool, error) {
	now := s.clock.Now()
	failed := false

	_, failures, err := s.repo.QueryAuditLogs(ctx, repository.AuditQuery{
		UserID:  userID,
		Actions: []models.AuditAction{models.ActionLoginFailed, models.ActionTwoFactorVerify},
		Success: &failed,
		Since:   now.Add(-s.policy.SuspiciousWindow),
		Limit:   1,
	})
	if err != nil {
		return false, repoErr("query recent failures", err)
	}
	if failures >= s.policy.SuspiciousThreshold {
		return true, nil
	}

	if ip == "" {
		return false, nil
	}

	succeeded := true
	logins, _, err := s.repo.QueryAuditLogs(ctx, repository.AuditQuery{
		UserID:  userID,
		Actions: []models.AuditAction{models.ActionLoginSuccess},
		Success: &succeeded,
		Since:   now.Add(-s.policy.KnownIPWindow),
	})
	if err != nil {
		return false, repoErr("query known ips", err)
	}
	for _, e := range logins {
		if e.IPAddress == ip {
			return false, nil
		}
	}
	return true, nil
}

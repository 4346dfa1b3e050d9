package service

import (
	"account-security/internal/repository"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	repo   repository.Repository
	geo    GeoLookup
	clock  Clock
	policy Policy
	sinks  []AuditSink
	logger *zap.Logger

	auditService           *AuditService
	lockoutService         *LockoutService
	twoFactorService       *TwoFactorService
	sessionService         *SessionService
	accountSecurityService *AccountSecurityService
}

// NewServiceFactory creates a new service factory. A nil clock means the
// system clock.
func NewServiceFactory(
	repo repository.Repository,
	geo GeoLookup,
	clock Clock,
	policy Policy,
	logger *zap.Logger,
	sinks ...AuditSink,
) *ServiceFactory {
	if clock == nil {
		clock = SystemClock{}
	}
	return &ServiceFactory{
		repo:   repo,
		geo:    geo,
		clock:  clock,
		policy: policy,
		sinks:  sinks,
		logger: logger,
	}
}

// AuditService returns the audit service instance (singleton)
func (f *ServiceFactory) AuditService() *AuditService {
	if f.auditService == nil {
		f.auditService = NewAuditService(f.repo, f.geo, f.clock, f.policy, f.logger, f.sinks...)
	}
	return f.auditService
}

// LockoutService returns the lockout service instance (singleton)
func (f *ServiceFactory) LockoutService() *LockoutService {
	if f.lockoutService == nil {
		f.lockoutService = NewLockoutService(f.repo, f.AuditService(), f.clock, f.policy, f.logger)
	}
	return f.lockoutService
}

// TwoFactorService returns the two-factor service instance (singleton)
func (f *ServiceFactory) TwoFactorService() *TwoFactorService {
	if f.twoFactorService == nil {
		f.twoFactorService = NewTwoFactorService(f.repo, f.AuditService(), f.clock, f.policy, f.logger)
	}
	return f.twoFactorService
}

// SessionService returns the session service instance (singleton)
func (f *ServiceFactory) SessionService() *SessionService {
	if f.sessionService == nil {
		f.sessionService = NewSessionService(f.repo, f.AuditService(), f.geo, f.clock, f.policy, f.logger)
	}
	return f.sessionService
}

// AccountSecurityService returns the orchestrating service (singleton)
func (f *ServiceFactory) AccountSecurityService() *AccountSecurityService {
	if f.accountSecurityService == nil {
		f.accountSecurityService = NewAccountSecurityService(
			f.repo,
			f.TwoFactorService(),
			f.SessionService(),
			f.LockoutService(),
			f.AuditService(),
			f.clock,
			f.policy,
			f.logger,
		)
	}
	return f.accountSecurityService
}

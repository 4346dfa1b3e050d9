package service

import (
	"time"

	"account-security/internal/config"
)

// Policy holds the tunable security constants shared by the services.
type Policy struct {
	LockoutThreshold    int
	LockoutDuration     time.Duration
	TOTPSkew            int
	TOTPIssuer          string
	BackupCodeCount     int
	SessionTTL          time.Duration
	SuspiciousWindow    time.Duration
	SuspiciousThreshold int
	KnownIPWindow       time.Duration
	ScoreWindowDays     int
	GeoLookupTimeout    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		LockoutThreshold:    5,
		LockoutDuration:     30 * time.Minute,
		TOTPSkew:            2,
		TOTPIssuer:          "AccountSecurity",
		BackupCodeCount:     10,
		SessionTTL:          24 * time.Hour,
		SuspiciousWindow:    30 * time.Minute,
		SuspiciousThreshold: 5,
		KnownIPWindow:       7 * 24 * time.Hour,
		ScoreWindowDays:     30,
		GeoLookupTimeout:    2 * time.Second,
	}
}

// PolicyFromConfig overlays configured values on the defaults.
func PolicyFromConfig(cfg config.SecurityConfig) Policy {
	p := DefaultPolicy()
	if cfg.LockoutThreshold > 0 {
		p.LockoutThreshold = cfg.LockoutThreshold
	}
	if cfg.LockoutDuration > 0 {
		p.LockoutDuration = cfg.LockoutDuration
	}
	if cfg.TOTPSkew >= 0 {
		p.TOTPSkew = cfg.TOTPSkew
	}
	if cfg.TOTPIssuer != "" {
		p.TOTPIssuer = cfg.TOTPIssuer
	}
	if cfg.BackupCodeCount > 0 {
		p.BackupCodeCount = cfg.BackupCodeCount
	}
	if cfg.SessionTTL > 0 {
		p.SessionTTL = cfg.SessionTTL
	}
	if cfg.SuspiciousWindow > 0 {
		p.SuspiciousWindow = cfg.SuspiciousWindow
	}
	if cfg.SuspiciousThreshold > 0 {
		p.SuspiciousThreshold = cfg.SuspiciousThreshold
	}
	if cfg.KnownIPWindow > 0 {
		p.KnownIPWindow = cfg.KnownIPWindow
	}
	if cfg.ScoreWindowDays > 0 {
		p.ScoreWindowDays = cfg.ScoreWindowDays
	}
	if cfg.GeoLookupTimeout > 0 {
		p.GeoLookupTimeout = cfg.GeoLookupTimeout
	}
	return p
}

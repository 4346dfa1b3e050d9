package service

import (
	"fmt"
	"time"

	"account-security/internal/models"
)

const (
	scoreBase          = 20
	scoreEmailVerified = 20
	scoreTwoFactor     = 30
	scoreNoFailures    = 15
	scoreRecentLogin   = 15
	scoreMonthlyLogin  = 10
	scoreMax           = 100

	failedEventWarningThreshold = 5
)

// ScoreStats are the audit-derived inputs to CalculateSecurityScore.
type ScoreStats struct {
	// FailedEvents counts unsuccessful events over the last WindowDays.
	FailedEvents int
	WindowDays   int
	Now          time.Time
}

type SecurityScore struct {
	Value           int      `json:"value"`
	Recommendations []string `json:"recommendations"`
}

// CalculateSecurityScore is a pure function of the user record and stats.
func CalculateSecurityScore(user *models.UserSecurity, stats ScoreStats) SecurityScore {
	score := scoreBase
	recs := make([]string, 0, 5)

	if user.EmailVerified {
		score += scoreEmailVerified
	} else {
		recs = append(recs, "Verify your email address")
	}

	if user.TwoFactorEnabled {
		score += scoreTwoFactor
	} else {
		recs = append(recs, "Enable two-factor authentication")
	}

	if user.FailedLoginAttempts == 0 {
		score += scoreNoFailures
	} else {
		recs = append(recs, "Review recent failed login attempts")
	}

	switch {
	case user.LastLoginAt != nil && stats.Now.Sub(*user.LastLoginAt) <= 7*24*time.Hour:
		score += scoreRecentLogin
	case user.LastLoginAt != nil && stats.Now.Sub(*user.LastLoginAt) <= 30*24*time.Hour:
		score += scoreMonthlyLogin
	default:
		recs = append(recs, "Sign in regularly to keep your account activity current")
	}

	if score > scoreMax {
		score = scoreMax
	}

	if stats.FailedEvents > failedEventWarningThreshold {
		recs = append(recs, fmt.Sprintf("Warning: %d failed security events in the last %d days", stats.FailedEvents, stats.WindowDays))
	}

	return SecurityScore{Value: score, Recommendations: recs}
}

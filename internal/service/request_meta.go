package service

import "account-security/internal/models"

// RequestMeta is the client context attached to audit events.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	SessionID string
}

func (m RequestMeta) event(userID string, action models.AuditAction, success bool, details map[string]interface{}) AuditEvent {
	return AuditEvent{
		UserID:    userID,
		SessionID: m.SessionID,
		Action:    action,
		Success:   success,
		Details:   details,
		IPAddress: m.IPAddress,
		UserAgent: m.UserAgent,
	}
}

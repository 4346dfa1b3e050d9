// Package auditsink forwards stored audit entries to secondary systems:
// a Kafka event stream, an Elasticsearch search index and a ClickHouse
// analytics table. Each sink implements service.AuditSink.
package auditsink

import (
	"encoding/json"
	"fmt"

	"account-security/internal/models"
)

// document is the wire shape shared by every sink.
type document struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	Location  string                 `json:"location,omitempty"`
	Timestamp string                 `json:"@timestamp"`
}

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

func toDocument(entry *models.AuditLogEntry) document {
	return document{
		ID:        entry.ID,
		UserID:    entry.UserID,
		SessionID: entry.SessionID,
		Action:    string(entry.Action),
		Success:   entry.Success,
		Details:   entry.Details,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		Location:  entry.Location,
		Timestamp: entry.Timestamp.UTC().Format(timestampLayout),
	}
}

func encodeDetails(details map[string]interface{}) (string, error) {
	if len(details) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit details: %w", err)
	}
	return string(raw), nil
}

package scylla

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/repository"
	"account-security/internal/util"
)

// auditPartition keys entries by user. Events without a user, such as
// failed logins for unknown accounts, spread across anonymous buckets.
func (r *Repository) auditPartition(entry *models.AuditLogEntry) string {
	if entry.UserID != "" {
		return entry.UserID
	}
	key := entry.IPAddress
	if key == "" {
		key = entry.ID
	}
	return r.bucketing.AnonymousPartition(key)
}

func (r *Repository) AppendAuditLog(ctx context.Context, entry *models.AuditLogEntry) error {
	details, err := encodeDetails(entry.Details)
	if err != nil {
		return err
	}

	ts := entry.Timestamp.UTC()
	err = r.client.Query(ctx, stmtInsertAuditLog,
		r.auditPartition(entry), ts, entry.ID, entry.UserID, entry.SessionID,
		string(entry.Action), entry.Success, details,
		entry.IPAddress, entry.UserAgent, entry.Location,
		r.bucketing.GetDateBucket(ts)).Exec()
	if err != nil {
		r.logger.Error("Failed to append audit log",
			util.UserID(entry.UserID),
			util.Action(string(entry.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// QueryAuditLogs reads the user's partition (or every anonymous one) from
// q.Since onward and filters the remaining predicates client side.
func (r *Repository) QueryAuditLogs(ctx context.Context, q repository.AuditQuery) ([]*models.AuditLogEntry, int, error) {
	partitions := []string{q.UserID}
	if q.UserID == "" {
		partitions = r.bucketing.AnonymousPartitions()
	}
	since := q.Since.UTC()
	if q.Since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}

	var matches []*models.AuditLogEntry
	for _, partition := range partitions {
		iter := r.client.Query(ctx, stmtQueryAuditLogs, partition, since).Iter()
		for {
			entry, ok, err := scanAuditRow(iter.Scan)
			if err != nil {
				iter.Close()
				return nil, 0, err
			}
			if !ok {
				break
			}
			if q.Matches(entry) {
				matches = append(matches, entry)
			}
		}
		if err := iter.Close(); err != nil {
			return nil, 0, fmt.Errorf("failed to query audit logs: %w", err)
		}
	}

	sortNewestFirst(matches)
	return page(matches, q.Offset, q.Limit), len(matches), nil
}

func scanAuditRow(scan func(dest ...interface{}) bool) (*models.AuditLogEntry, bool, error) {
	entry := &models.AuditLogEntry{}
	var (
		action                                      string
		details, sessionID, userAgent, location, ip *string
	)
	if !scan(&entry.ID, &entry.UserID, &sessionID, &action, &entry.Success, &details,
		&ip, &userAgent, &location, &entry.Timestamp) {
		return nil, false, nil
	}
	entry.Action = models.AuditAction(action)
	entry.SessionID = deref(sessionID)
	entry.IPAddress = deref(ip)
	entry.UserAgent = deref(userAgent)
	entry.Location = deref(location)
	entry.Timestamp = entry.Timestamp.UTC()

	d, err := decodeDetails(deref(details))
	if err != nil {
		return nil, false, err
	}
	entry.Details = d
	return entry, true, nil
}

func encodeDetails(details map[string]interface{}) (string, error) {
	if len(details) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("failed to encode audit details: %w", err)
	}
	return string(raw), nil
}

func decodeDetails(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("failed to decode audit details: %w", err)
	}
	return out, nil
}

func sortNewestFirst(entries []*models.AuditLogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}

func page(entries []*models.AuditLogEntry, offset, limit int) []*models.AuditLogEntry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return []*models.AuditLogEntry{}
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries
}

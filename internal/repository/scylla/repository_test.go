package scylla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"account-security/internal/bucketing"
	"account-security/internal/config"
	"account-security/internal/models"
)

func TestHashBackupCodes(t *testing.T) {
	hashed := hashBackupCodes([]string{"ABCD2345", "WXYZ6789"})

	require.Len(t, hashed, 2)
	assert.Len(t, hashed[0], 64)
	assert.NotEqual(t, "ABCD2345", hashed[0])
	assert.Equal(t, hashBackupCode("ABCD2345"), hashed[0])
	assert.Equal(t, 1, indexOf(hashed, hashBackupCode("WXYZ6789")))
	assert.Equal(t, -1, indexOf(hashed, hashBackupCode("abcd2345")))
}

func TestAuditPartition(t *testing.T) {
	bm := bucketing.NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{EventBuckets: 8}})
	r := NewRepository(nil, nil, bm, zap.NewNop())

	assert.Equal(t, "user-1", r.auditPartition(&models.AuditLogEntry{UserID: "user-1", IPAddress: "10.0.0.1"}))

	anon := r.auditPartition(&models.AuditLogEntry{IPAddress: "10.0.0.1"})
	assert.Contains(t, bm.AnonymousPartitions(), anon)
	assert.Equal(t, anon, r.auditPartition(&models.AuditLogEntry{ID: "other", IPAddress: "10.0.0.1"}))
}

func TestDetailsEncoding(t *testing.T) {
	raw, err := encodeDetails(nil)
	require.NoError(t, err)
	assert.Empty(t, raw)

	raw, err = encodeDetails(map[string]interface{}{"method": "totp", "remaining_codes": 3})
	require.NoError(t, err)

	decoded, err := decodeDetails(raw)
	require.NoError(t, err)
	assert.Equal(t, "totp", decoded["method"])
	assert.Equal(t, float64(3), decoded["remaining_codes"])

	_, err = decodeDetails("{broken")
	assert.Error(t, err)
}

func TestScanAuditRow(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	details := `{"reason":"manual"}`
	ip := "10.0.0.9"

	scan := func(dest ...interface{}) bool {
		*dest[0].(*string) = "evt-1"
		*dest[1].(*string) = "user-1"
		*dest[3].(*string) = string(models.ActionAccountUnlocked)
		*dest[4].(*bool) = true
		*dest[5].(**string) = &details
		*dest[6].(**string) = &ip
		*dest[9].(*time.Time) = ts
		return true
	}

	entry, ok, err := scanAuditRow(scan)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ActionAccountUnlocked, entry.Action)
	assert.Equal(t, "manual", entry.Details["reason"])
	assert.Equal(t, "10.0.0.9", entry.IPAddress)
	assert.Empty(t, entry.SessionID)
	assert.Equal(t, time.UTC, entry.Timestamp.Location())

	_, ok, err = scanAuditRow(func(...interface{}) bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPageAndOrder(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []*models.AuditLogEntry{
		{ID: "a", Timestamp: base},
		{ID: "c", Timestamp: base.Add(2 * time.Minute)},
		{ID: "b", Timestamp: base.Add(time.Minute)},
	}
	sortNewestFirst(entries)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "a", entries[2].ID)

	assert.Len(t, page(entries, 0, 0), 3)
	assert.Equal(t, "b", page(entries, 1, 1)[0].ID)
	assert.Empty(t, page(entries, 5, 10))
}

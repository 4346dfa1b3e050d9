package auditsink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"account-security/internal/models"
)

// BatchWriter is satisfied by client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

const (
	createAuditTable = `CREATE TABLE IF NOT EXISTS security_audit_events (
    id String,
    user_id String,
    session_id String,
    action LowCardinality(String),
    success UInt8,
    details String,
    ip_address String,
    user_agent String,
    location String,
    timestamp DateTime64(3, 'UTC')
) ENGINE = MergeTree
PARTITION BY toYYYYMM(timestamp)
ORDER BY (user_id, timestamp)`

	insertAuditRows = `INSERT INTO security_audit_events`
)

// ClickHouseSink buffers entries and writes them in batches, either when
// the buffer reaches batchSize or on every flush interval tick.
type ClickHouseSink struct {
	writer    BatchWriter
	batchSize int
	logger    *zap.Logger

	mu     sync.Mutex
	buffer [][]interface{}
}

func NewClickHouseSink(writer BatchWriter, batchSize int, logger *zap.Logger) *ClickHouseSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &ClickHouseSink{
		writer:    writer,
		batchSize: batchSize,
		logger:    logger.Named("clickhouse_sink"),
		buffer:    make([][]interface{}, 0, batchSize),
	}
}

// Init creates the events table if missing.
func (s *ClickHouseSink) Init(ctx context.Context) error {
	if err := s.writer.Exec(ctx, createAuditTable); err != nil {
		return fmt.Errorf("failed to create audit table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Publish(ctx context.Context, entry *models.AuditLogEntry) error {
	details, err := encodeDetails(entry.Details)
	if err != nil {
		return err
	}
	var success uint8
	if entry.Success {
		success = 1
	}
	row := []interface{}{
		entry.ID, entry.UserID, entry.SessionID, string(entry.Action), success, details,
		entry.IPAddress, entry.UserAgent, entry.Location, entry.Timestamp.UTC(),
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, row)
	full := len(s.buffer) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush writes every buffered row. Rows of a failed batch are put back
// at the front of the buffer for the next attempt.
func (s *ClickHouseSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.buffer
	s.buffer = make([][]interface{}, 0, s.batchSize)
	s.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := s.writer.BatchInsert(ctx, insertAuditRows, rows); err != nil {
		s.mu.Lock()
		s.buffer = append(rows, s.buffer...)
		if overflow := len(s.buffer) - 10*s.batchSize; overflow > 0 {
			s.buffer = s.buffer[overflow:]
			s.logger.Warn("Dropped audit rows after repeated flush failures", zap.Int("dropped", overflow))
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to flush %d audit rows: %w", len(rows), err)
	}

	s.logger.Debug("Flushed audit rows", zap.Int("rows", len(rows)))
	return nil
}

// Pending returns the number of buffered rows.
func (s *ClickHouseSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Run flushes on every tick until ctx is done, then flushes once more
// with a short deadline.
func (s *ClickHouseSink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error("Final audit flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("Audit flush failed", zap.Error(err))
			}
		}
	}
}

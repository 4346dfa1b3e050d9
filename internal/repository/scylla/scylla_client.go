package scylla

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"account-security/internal/config"
	"account-security/internal/util"
)

// Statements used by the repositories. gocql prepares and caches each
// statement on first execution.
const (
	stmtEnsureUserSecurity = `INSERT INTO user_security (user_id, two_factor_enabled, failed_login_attempts, email_verified)
        VALUES (?, false, 0, false) IF NOT EXISTS`
	stmtGetUserSecurity = `SELECT user_id, two_factor_enabled, two_factor_secret, backup_codes, failed_login_attempts,
            locked_until, last_login_at, email_verified
        FROM user_security WHERE user_id = ?`
	stmtEnableTwoFactor = `UPDATE user_security SET two_factor_enabled = true, two_factor_secret = ?, backup_codes = ?, updated_at = ?
        WHERE user_id = ? IF two_factor_enabled != true`
	stmtDisableTwoFactor = `UPDATE user_security SET two_factor_enabled = false, two_factor_secret = null, backup_codes = null, updated_at = ?
        WHERE user_id = ?`
	stmtGetBackupCodes     = `SELECT backup_codes FROM user_security WHERE user_id = ?`
	stmtReplaceBackupCodes = `UPDATE user_security SET backup_codes = ?, updated_at = ?
        WHERE user_id = ? IF backup_codes = ?`
	stmtGetFailedAttempts  = `SELECT failed_login_attempts FROM user_security WHERE user_id = ?`
	stmtSetFailedAttempts  = `UPDATE user_security SET failed_login_attempts = ?, updated_at = ?
        WHERE user_id = ? IF failed_login_attempts = ?`
	stmtLockAccount = `UPDATE user_security SET failed_login_attempts = 0, locked_until = ?, updated_at = ?
        WHERE user_id = ? IF failed_login_attempts = ?`
	stmtResetFailedAttempts = `UPDATE user_security SET failed_login_attempts = 0, last_login_at = ?, updated_at = ?
        WHERE user_id = ?`
	stmtClearLock = `UPDATE user_security SET failed_login_attempts = 0, locked_until = null, updated_at = ?
        WHERE user_id = ?`

	sessionColumns = `session_id, user_id, session_token, expires_at, ip_address, location, browser, os, device,
            last_active, terminated, terminated_reason, created_at`
	stmtCreateSessionByUser = `INSERT INTO sessions_by_user (` + sessionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmtCreateSessionByID = `INSERT INTO sessions_by_id (` + sessionColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`
	stmtCreateSessionByToken = `INSERT INTO sessions_by_token (session_token, session_id, user_id, created_at)
        VALUES (?, ?, ?, ?)`
	stmtGetSessionByID     = `SELECT ` + sessionColumns + ` FROM sessions_by_id WHERE session_id = ?`
	stmtListSessionsByUser = `SELECT ` + sessionColumns + ` FROM sessions_by_user WHERE user_id = ?`
	stmtSessionsByToken    = `SELECT session_id FROM sessions_by_token WHERE session_token = ?`
	stmtTerminateSessionByID = `UPDATE sessions_by_id SET terminated = true, terminated_reason = ?
        WHERE session_id = ? IF terminated = false`
	stmtTerminateSessionByUser = `UPDATE sessions_by_user SET terminated = true, terminated_reason = ?
        WHERE user_id = ? AND session_id = ?`
	stmtTouchSessionByID   = `UPDATE sessions_by_id SET last_active = ? WHERE session_id = ?`
	stmtTouchSessionByUser = `UPDATE sessions_by_user SET last_active = ? WHERE user_id = ? AND session_id = ?`
	stmtExpiredSessions    = `SELECT session_id FROM sessions_by_id
        WHERE terminated = false AND expires_at <= ? ALLOW FILTERING`

	stmtInsertAuditLog = `INSERT INTO audit_logs (partition_key, ts, id, user_id, session_id, action, success, details,
            ip_address, user_agent, location, event_date)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmtQueryAuditLogs = `SELECT id, user_id, session_id, action, success, details, ip_address, user_agent, location, ts
        FROM audit_logs WHERE partition_key = ? AND ts >= ?`
)

// schema is applied by EnsureSchema; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_security (
        user_id text PRIMARY KEY,
        two_factor_enabled boolean,
        two_factor_secret text,
        backup_codes list<text>,
        failed_login_attempts int,
        locked_until timestamp,
        last_login_at timestamp,
        email_verified boolean,
        updated_at timestamp)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_user (
        user_id text, session_id text, session_token text, expires_at timestamp,
        ip_address text, location text, browser text, os text, device text,
        last_active timestamp, terminated boolean, terminated_reason text, created_at timestamp,
        PRIMARY KEY (user_id, session_id))`,
	`CREATE TABLE IF NOT EXISTS sessions_by_id (
        session_id text PRIMARY KEY, user_id text, session_token text, expires_at timestamp,
        ip_address text, location text, browser text, os text, device text,
        last_active timestamp, terminated boolean, terminated_reason text, created_at timestamp)`,
	`CREATE TABLE IF NOT EXISTS sessions_by_token (
        session_token text, session_id text, user_id text, created_at timestamp,
        PRIMARY KEY (session_token, session_id))`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
        partition_key text, ts timestamp, id text, user_id text, session_id text,
        action text, success boolean, details text, ip_address text, user_agent text,
        location text, event_date text,
        PRIMARY KEY (partition_key, ts, id))
        WITH CLUSTERING ORDER BY (ts DESC, id DESC)`,
}

type ScyllaClient struct {
	Session *gocql.Session
	config  config.ScyllaConfig
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla
	if len(scyllaConfig.Nodes) == 0 {
		return nil, fmt.Errorf("no scylla nodes configured")
	}

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 envOr("SCYLLA_TLS_CA_FILE", "/app/certs/ca.pem"),
			CertPath:               envOr("SCYLLA_TLS_CERT_FILE", "/app/certs/client.pem"),
			KeyPath:                envOr("SCYLLA_TLS_KEY_FILE", "/app/certs/client.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{Session: session, config: scyllaConfig}, nil
}

// EnsureSchema creates the tables used by the repositories.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("tables", len(schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context, typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}
	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries reads that fail with a timeout.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || err == gocql.ErrNotFound {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
		}
	}
	return lastErr
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

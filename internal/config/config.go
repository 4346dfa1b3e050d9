package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Encryption    EncryptionConfig
	Bucketing     BucketingConfig
	Security      SecurityConfig
	Geo           GeoConfig
	RateLimit     RateLimitConfig
}

type ServerConfig struct {
	Port           int
	TLSPort        int
	EnableTLS      bool
	CertFile       string
	KeyFile        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
	// InternalToken authenticates the backend that drives login and unlock.
	InternalToken string
	// TrustedProxies lists the CIDRs whose forwarding headers are honoured.
	TrustedProxies []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled       bool
	URL           string
	Username      string
	Password      string
	Database      string
	BatchSize     int
	FlushInterval time.Duration
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// EncryptionConfig holds the local master key used when KMS is disabled.
type EncryptionConfig struct {
	MasterKey string
}

type BucketingConfig struct {
	UserBuckets  int
	EventBuckets int
}

// SecurityConfig carries the account-security policy knobs. Defaults match
// the documented lockout, TOTP and session behaviour.
type SecurityConfig struct {
	LockoutThreshold     int
	LockoutDuration      time.Duration
	TOTPSkew             int
	TOTPIssuer           string
	BackupCodeCount      int
	SessionTTL           time.Duration
	SuspiciousWindow     time.Duration
	SuspiciousThreshold  int
	KnownIPWindow        time.Duration
	ScoreWindowDays      int
	GeoLookupTimeout     time.Duration
	SessionSweepInterval time.Duration
}

type GeoConfig struct {
	Endpoint string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// RateLimitConfig bounds verification requests per client IP and per account.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			TLSPort:        getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvBool("SERVER_ENABLE_TLS", false),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*"}),
			InternalToken:  getEnv("SERVER_INTERNAL_TOKEN", ""),
			TrustedProxies: getEnvSlice("SERVER_TRUSTED_PROXIES", nil),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", nil),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "account_security"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "security-audit-events"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "security-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:       getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:           getEnv("CLICKHOUSE_URL", "http://localhost:9000"),
			Username:      getEnv("CLICKHOUSE_USERNAME", "default"),
			Password:      getEnv("CLICKHOUSE_PASSWORD", ""),
			Database:      getEnv("CLICKHOUSE_DATABASE", "security"),
			BatchSize:     getEnvInt("CLICKHOUSE_BATCH_SIZE", 500),
			FlushInterval: getEnvDuration("CLICKHOUSE_FLUSH_INTERVAL", 2*time.Second),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
		Encryption: EncryptionConfig{
			MasterKey: getEnv("ENCRYPTION_MASTER_KEY", ""),
		},
		Bucketing: BucketingConfig{
			UserBuckets:  getEnvInt("BUCKETING_USER_BUCKETS", 256),
			EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 64),
		},
		Security: SecurityConfig{
			LockoutThreshold:     getEnvInt("SECURITY_LOCKOUT_THRESHOLD", 5),
			LockoutDuration:      getEnvDuration("SECURITY_LOCKOUT_DURATION", 30*time.Minute),
			TOTPSkew:             getEnvInt("SECURITY_TOTP_SKEW", 2),
			TOTPIssuer:           getEnv("SECURITY_TOTP_ISSUER", "AccountSecurity"),
			BackupCodeCount:      getEnvInt("SECURITY_BACKUP_CODE_COUNT", 10),
			SessionTTL:           getEnvDuration("SECURITY_SESSION_TTL", 24*time.Hour),
			SuspiciousWindow:     getEnvDuration("SECURITY_SUSPICIOUS_WINDOW", 30*time.Minute),
			SuspiciousThreshold:  getEnvInt("SECURITY_SUSPICIOUS_THRESHOLD", 5),
			KnownIPWindow:        getEnvDuration("SECURITY_KNOWN_IP_WINDOW", 7*24*time.Hour),
			ScoreWindowDays:      getEnvInt("SECURITY_SCORE_WINDOW_DAYS", 30),
			GeoLookupTimeout:     getEnvDuration("SECURITY_GEO_LOOKUP_TIMEOUT", 2*time.Second),
			SessionSweepInterval: getEnvDuration("SECURITY_SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
		Geo: GeoConfig{
			Endpoint: getEnv("GEO_ENDPOINT", ""),
			Timeout:  getEnvDuration("GEO_TIMEOUT", 2*time.Second),
			CacheTTL: getEnvDuration("GEO_CACHE_TTL", 24*time.Hour),
		},
		RateLimit: RateLimitConfig{
			Enabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects configurations that would make the security policy unsafe.
func (c *Config) Validate() error {
	if c.Security.LockoutThreshold <= 0 {
		return fmt.Errorf("SECURITY_LOCKOUT_THRESHOLD must be positive, got %d", c.Security.LockoutThreshold)
	}
	if c.Security.LockoutDuration <= 0 {
		return fmt.Errorf("SECURITY_LOCKOUT_DURATION must be positive")
	}
	if c.Security.TOTPSkew < 0 {
		return fmt.Errorf("SECURITY_TOTP_SKEW must not be negative")
	}
	if c.Security.BackupCodeCount <= 0 {
		return fmt.Errorf("SECURITY_BACKUP_CODE_COUNT must be positive")
	}
	if c.Security.SessionSweepInterval <= 0 {
		return fmt.Errorf("SECURITY_SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.Clickhouse.Enabled && c.Clickhouse.FlushInterval <= 0 {
		return fmt.Errorf("CLICKHOUSE_FLUSH_INTERVAL must be positive")
	}
	if _, err := ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		return err
	}
	if c.IsProduction() && c.Server.InternalToken == "" {
		return fmt.Errorf("SERVER_INTERNAL_TOKEN is required in production")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	if c.IsProduction() && !c.KMS.Enabled && c.Encryption.MasterKey == "" {
		return fmt.Errorf("ENCRYPTION_MASTER_KEY or KMS is required in production")
	}
	if c.IsProduction() && len(c.Scylla.Nodes) == 0 {
		return fmt.Errorf("SCYLLA_NODES is required in production")
	}
	if c.Server.EnableTLS && !c.IsDevelopment() && (c.Server.CertFile == "" || c.Server.KeyFile == "") {
		return fmt.Errorf("SERVER_CERT_FILE and SERVER_KEY_FILE are required when TLS is enabled")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive")
	}
	return nil
}

// ParseTrustedProxies accepts CIDRs or bare addresses.
func ParseTrustedProxies(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("SERVER_TRUSTED_PROXIES: invalid address %q", e)
			}
			bits := 8 * net.IPv6len
			if ip.To4() != nil {
				ip, bits = ip.To4(), 8*net.IPv4len
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("SERVER_TRUSTED_PROXIES: %w", err)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	if c.Server.EnableTLS {
		return fmt.Sprintf(":%d", c.Server.TLSPort)
	}
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")

	cfg := LoadConfig()

	assert.Equal(t, 5, cfg.Security.LockoutThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Security.LockoutDuration)
	assert.Equal(t, 2, cfg.Security.TOTPSkew)
	assert.Equal(t, 10, cfg.Security.BackupCodeCount)
	assert.Equal(t, 7*24*time.Hour, cfg.Security.KnownIPWindow)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, ":8080", cfg.GetServerAddress())
	assert.Equal(t, 20, cfg.RateLimit.Requests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SECURITY_LOCKOUT_THRESHOLD", "3")
	t.Setenv("SECURITY_LOCKOUT_DURATION", "10m")
	t.Setenv("SCYLLA_NODES", "10.0.0.1, 10.0.0.2,")
	t.Setenv("SERVER_ENABLE_TLS", "true")
	t.Setenv("SERVER_CERT_FILE", "/certs/tls.crt")
	t.Setenv("SERVER_KEY_FILE", "/certs/tls.key")

	cfg := LoadConfig()

	assert.Equal(t, 3, cfg.Security.LockoutThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Security.LockoutDuration)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.Scylla.Nodes)
	assert.Equal(t, ":8443", cfg.GetServerAddress())
	assert.Same(t, cfg, Get())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "zero threshold", mutate: func(c *Config) { c.Security.LockoutThreshold = 0 }, wantErr: true},
		{name: "negative skew", mutate: func(c *Config) { c.Security.TOTPSkew = -1 }, wantErr: true},
		{name: "kms without key", mutate: func(c *Config) { c.KMS.Enabled = true }, wantErr: true},
		{
			name: "production without key material",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Scylla.Nodes = []string{"db"}
			},
			wantErr: true,
		},
		{
			name: "tls without certs outside development",
			mutate: func(c *Config) {
				c.Environment = "staging"
				c.Server.EnableTLS = true
			},
			wantErr: true,
		},
		{name: "tls self-signed in development", mutate: func(c *Config) { c.Server.EnableTLS = true }},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimit.Requests = 0 }, wantErr: true},
		{name: "zero session sweep interval", mutate: func(c *Config) { c.Security.SessionSweepInterval = 0 }, wantErr: true},
		{
			name: "zero clickhouse flush interval",
			mutate: func(c *Config) {
				c.Clickhouse.Enabled = true
				c.Clickhouse.FlushInterval = 0
			},
			wantErr: true,
		},
		{name: "clickhouse disabled ignores flush interval", mutate: func(c *Config) { c.Clickhouse.FlushInterval = 0 }},
		{name: "bad trusted proxy", mutate: func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} }, wantErr: true},
		{
			name: "production without internal token",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Scylla.Nodes = []string{"db"}
				c.Encryption.MasterKey = "k"
			},
			wantErr: true,
		},
		{
			name: "production complete",
			mutate: func(c *Config) {
				c.Environment = "production"
				c.Scylla.Nodes = []string{"db"}
				c.Encryption.MasterKey = "k"
				c.Server.InternalToken = "backend-secret"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ENVIRONMENT", "development")
			cfg := LoadConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	nets, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.7", "::1"})
	require.NoError(t, err)
	require.Len(t, nets, 3)
	assert.True(t, nets[0].Contains(net.ParseIP("10.20.30.40")))
	assert.True(t, nets[1].Contains(net.ParseIP("192.0.2.7")))
	assert.False(t, nets[1].Contains(net.ParseIP("192.0.2.8")))
	assert.True(t, nets[2].Contains(net.ParseIP("::1")))

	_, err = ParseTrustedProxies([]string{"not-an-ip"})
	assert.Error(t, err)
}

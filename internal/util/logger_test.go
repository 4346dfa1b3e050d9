package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestNewConfig(t *testing.T) {
	prod := newConfig("production", "warn", "json")
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, "timestamp", prod.EncoderConfig.TimeKey)
	assert.NotNil(t, prod.Sampling)
	assert.True(t, prod.DisableStacktrace)
	assert.Equal(t, zapcore.WarnLevel, prod.Level.Level())
	assert.Equal(t, "account-security", prod.InitialFields["service"])

	dev := newConfig("development", "debug", "console")
	assert.Equal(t, "console", dev.Encoding)
	assert.Equal(t, zapcore.DebugLevel, dev.Level.Level())
	assert.Equal(t, "development", dev.InitialFields["environment"])
}

func TestFieldHelpers(t *testing.T) {
	assert.Equal(t, "user_id", UserID("u1").Key)
	assert.Equal(t, "session_id", SessionID("s1").Key)
	assert.Equal(t, "ip", IP("10.0.0.1").Key)
	assert.Equal(t, "LOGIN_FAILED", Action("LOGIN_FAILED").String)
}

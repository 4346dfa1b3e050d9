package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClickHouseURL(t *testing.T) {
	tests := []struct {
		raw        string
		wantAddr   string
		wantHost   string
		wantSecure bool
	}{
		{"http://localhost:9000", "localhost:9000", "localhost", false},
		{"http://clickhouse", "clickhouse:9000", "clickhouse", false},
		{"https://ch.internal", "ch.internal:9440", "ch.internal", true},
		{"clickhouses://ch.internal:9441", "ch.internal:9441", "ch.internal", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			addr, host, secure, err := parseClickHouseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantSecure, secure)
		})
	}

	_, _, _, err := parseClickHouseURL("not a url")
	assert.Error(t, err)
}

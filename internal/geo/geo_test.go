package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"account-security/internal/config"
)

func newTestClient(endpoint string) *Client {
	return NewClient(config.GeoConfig{Endpoint: endpoint, Timeout: time.Second}, zap.NewNop())
}

func TestLookup(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","city":"Lisbon","regionName":"Lisbon","country":"Portugal"}`))
	}))
	defer srv.Close()

	location, err := newTestClient(srv.URL+"/json/{ip}").Lookup(context.Background(), "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "Lisbon, Lisbon, Portugal", location)
	assert.Equal(t, "/json/8.8.8.8", gotPath)
}

func TestLookupAppendsAddress(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"city":"Austin","region":"Texas","country_name":"United States"}`))
	}))
	defer srv.Close()

	location, err := newTestClient(srv.URL+"/lookup/").Lookup(context.Background(), "1.1.1.1")
	require.NoError(t, err)
	assert.Equal(t, "Austin, Texas, United States", location)
	assert.Equal(t, "/lookup/1.1.1.1", gotPath)
}

func TestLookupFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{}`, wantErr: ErrLookupFailed},
		{name: "provider failure", status: http.StatusOK, body: `{"status":"fail","message":"reserved range"}`, wantErr: ErrLookupFailed},
		{name: "bad json", status: http.StatusOK, body: `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).Lookup(context.Background(), "8.8.4.4")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestLookupSkipsUnroutable(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.4", "::1", "fe80::1", "garbage", ""} {
		location, err := c.Lookup(context.Background(), ip)
		require.NoError(t, err, ip)
		assert.Empty(t, location, ip)
	}
	assert.False(t, called)
}

func TestRoutable(t *testing.T) {
	assert.True(t, Routable("8.8.8.8"))
	assert.True(t, Routable("2001:4860:4860::8888"))
	assert.False(t, Routable("172.16.0.1"))
	assert.False(t, Routable("0.0.0.0"))
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]string
	failGet bool
}

func (c *mapCache) Get(_ context.Context, ip string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failGet {
		return "", false, errors.New("cache down")
	}
	v, ok := c.entries[ip]
	return v, ok, nil
}

func (c *mapCache) Put(_ context.Context, ip, location string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = location
	return nil
}

func TestCached(t *testing.T) {
	calls := 0
	lookup := func(_ context.Context, ip string) (string, error) {
		calls++
		if ip == "9.9.9.9" {
			return "", nil
		}
		if ip == "4.4.4.4" {
			return "", errors.New("timeout")
		}
		return "Paris, Ile-de-France, France", nil
	}
	cache := &mapCache{entries: map[string]string{}}
	cached := Cached(lookup, cache, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		location, err := cached(ctx, "5.5.5.5")
		require.NoError(t, err)
		assert.Equal(t, "Paris, Ile-de-France, France", location)
	}
	assert.Equal(t, 1, calls)

	_, _ = cached(ctx, "9.9.9.9")
	_, _ = cached(ctx, "9.9.9.9")
	assert.Equal(t, 2, calls, "empty results are cached")

	_, err := cached(ctx, "4.4.4.4")
	assert.Error(t, err)
	_, ok := cache.entries["4.4.4.4"]
	assert.False(t, ok, "errors are not cached")

	cache.failGet = true
	_, err = cached(ctx, "5.5.5.5")
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

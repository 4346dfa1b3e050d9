// Package geo resolves client IP addresses to a coarse "City, Region,
// Country" location through an HTTP JSON endpoint.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"account-security/internal/config"
	"account-security/internal/util"
)

// ErrLookupFailed is returned for non-2xx responses and provider errors.
var ErrLookupFailed = errors.New("geo lookup failed")

// Client calls a lookup endpoint. The endpoint may contain an "{ip}"
// placeholder; otherwise the address is appended as a path segment.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(cfg config.GeoConfig, logger *zap.Logger) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: cfg.Timeout},
		logger:   logger.Named("geo"),
	}
}

// response covers the field names used by the common free providers.
type response struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	City        string `json:"city"`
	Region      string `json:"region"`
	RegionName  string `json:"regionName"`
	Country     string `json:"country"`
	CountryName string `json:"country_name"`
}

func (r response) location() string {
	region := r.RegionName
	if region == "" {
		region = r.Region
	}
	country := r.CountryName
	if country == "" {
		country = r.Country
	}
	parts := make([]string, 0, 3)
	for _, p := range []string{r.City, region, country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

// Lookup returns "" without calling out for addresses that cannot be
// geolocated (private, loopback, link-local, unparseable).
func (c *Client) Lookup(ctx context.Context, ip string) (string, error) {
	if !Routable(ip) || c.endpoint == "" {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(ip), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build geo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode geo response: %w", err)
	}
	if strings.EqualFold(body.Status, "fail") {
		return "", fmt.Errorf("%w: %s", ErrLookupFailed, body.Message)
	}

	location := body.location()
	c.logger.Debug("Geo lookup", util.IP(ip), zap.String("location", location))
	return location, nil
}

func (c *Client) url(ip string) string {
	if strings.Contains(c.endpoint, "{ip}") {
		return strings.ReplaceAll(c.endpoint, "{ip}", ip)
	}
	return strings.TrimRight(c.endpoint, "/") + "/" + ip
}

// Routable reports whether ip is a public unicast address.
func Routable(ip string) bool {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		return false
	}
	return !(addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast())
}

// Cache is the storage used by Cached.
type Cache interface {
	Get(ctx context.Context, ip string) (string, bool, error)
	Put(ctx context.Context, ip, location string) error
}

// LookupFunc matches service.GeoLookup.
type LookupFunc func(ctx context.Context, ip string) (string, error)

// Cached consults cache before lookup and stores every successful result,
// including empty ones. Cache errors degrade to a direct lookup.
func Cached(lookup LookupFunc, cache Cache, logger *zap.Logger) LookupFunc {
	return func(ctx context.Context, ip string) (string, error) {
		if !Routable(ip) {
			return lookup(ctx, ip)
		}
		if location, ok, err := cache.Get(ctx, ip); err == nil && ok {
			return location, nil
		}

		start := time.Now()
		location, err := lookup(ctx, ip)
		if err != nil {
			return "", err
		}
		if err := cache.Put(ctx, ip, location); err != nil {
			logger.Debug("geo cache write skipped", zap.Error(err))
		}
		logger.Debug("geo lookup cached", util.IP(ip), zap.Duration("took", time.Since(start)))
		return location, nil
	}
}
